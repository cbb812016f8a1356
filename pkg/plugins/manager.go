package plugins

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/operation"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
	"github.com/wazo-pbx/xivo-provisioning/pkg/version"
)

// stableDir is the plugin server directory holding the catalog and the
// plugin packages.
const stableDir = "stable"

var pluginIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Observer is notified when plugins are loaded and unloaded.
// Registration is explicit through Attach and Detach so a forgotten
// observer never pins a plugin.
type Observer interface {
	PluginLoaded(id string)
	PluginUnloaded(id string)
}

// ManagerConfig configures a plugin manager.
type ManagerConfig struct {
	// PluginsDir holds one sub-directory per installed plugin.
	PluginsDir string
	// CacheDir holds downloaded packages and the cached catalog.
	CacheDir string
	// Downloader fetches packages and catalogs. A nil value gets a
	// default downloader with no proxies.
	Downloader *Downloader
}

// Manager installs, upgrades, uninstalls, loads and unloads plugins.
// Package operations (install, upgrade, update) run asynchronously and
// report through a completion channel plus an operation handle; load
// and unload are synchronous.
type Manager struct {
	pluginsDir string
	cacheDir   string
	downloader *Downloader

	mu        sync.Mutex
	server    string
	loaded    map[string]Plugin
	inflight  map[string]*operation.OIP
	updateOIP *operation.OIP
	observers []Observer
}

// NewManager creates a plugin manager, creating the plugin and cache
// directories if needed.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.PluginsDir == "" {
		return nil, errors.New("plugin manager: plugins dir not set")
	}
	if cfg.CacheDir == "" {
		return nil, errors.New("plugin manager: cache dir not set")
	}
	if err := os.MkdirAll(cfg.PluginsDir, 0755); err != nil {
		return nil, fmt.Errorf("plugin manager: %w", err)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("plugin manager: %w", err)
	}
	downloader := cfg.Downloader
	if downloader == nil {
		downloader = NewDownloader()
	}
	return &Manager{
		pluginsDir: cfg.PluginsDir,
		cacheDir:   cfg.CacheDir,
		downloader: downloader,
		loaded:     make(map[string]Plugin),
		inflight:   make(map[string]*operation.OIP),
	}, nil
}

// Close unloads every loaded plugin.
func (m *Manager) Close() error {
	for _, id := range m.ListLoaded() {
		if err := m.Unload(id); err != nil {
			util.WithPlugin(id).Warnf("unload on close: %v", err)
		}
	}
	return nil
}

// Downloader returns the downloader used for package and catalog
// fetches. The configure service mutates its proxies through it.
func (m *Manager) Downloader() *Downloader {
	return m.downloader
}

// SetServer sets the plugin server URL.
func (m *Manager) SetServer(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.server = url
}

// Server returns the plugin server URL, or the empty string when not
// configured.
func (m *Manager) Server() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

// Attach registers an observer. Attaching the same observer twice is a
// no-op.
func (m *Manager) Attach(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.observers {
		if existing == o {
			return
		}
	}
	m.observers = append(m.observers, o)
}

// Detach removes a previously attached observer.
func (m *Manager) Detach(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.observers {
		if existing == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

func (m *Manager) snapshotObservers() []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Observer(nil), m.observers...)
}

func (m *Manager) pluginDir(id string) string {
	return filepath.Join(m.pluginsDir, id)
}

// IsInstalled reports whether the plugin is unpacked under the plugins
// directory.
func (m *Manager) IsInstalled(id string) bool {
	if !pluginIDRe.MatchString(id) {
		return false
	}
	_, err := os.Stat(filepath.Join(m.pluginDir(id), InfoFilename))
	return err == nil
}

// IsLoaded reports whether the plugin is currently loaded.
func (m *Manager) IsLoaded(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loaded[id]
	return ok
}

// Install downloads and unpacks the plugin named by the installable
// catalog. It returns a completion channel carrying the final error
// and an operation handle tracking download and extract progress.
// Installing an already-installed plugin or one with a package
// operation in flight fails immediately.
func (m *Manager) Install(id string) (<-chan error, *operation.OIP, error) {
	return m.startPackageOp("install", id, false)
}

// Upgrade replaces an installed plugin with the version named by the
// installable catalog. The loaded instance, if any, keeps running until
// the plugin is reloaded.
func (m *Manager) Upgrade(id string) (<-chan error, *operation.OIP, error) {
	return m.startPackageOp("upgrade", id, true)
}

func (m *Manager) startPackageOp(op, id string, upgrade bool) (<-chan error, *operation.OIP, error) {
	if !pluginIDRe.MatchString(id) {
		return nil, nil, util.NewInvalidIDError("plugin", id)
	}
	if upgrade {
		if !m.IsInstalled(id) {
			return nil, nil, fmt.Errorf("%s plugin %s: %w", op, id, util.ErrNotInstalled)
		}
	} else if m.IsInstalled(id) {
		return nil, nil, fmt.Errorf("%s plugin %s: %w", op, id, util.ErrAlreadyExists)
	}
	server := m.Server()
	if server == "" {
		return nil, nil, fmt.Errorf("%s plugin %s: plugin server is not configured", op, id)
	}
	entry, err := m.catalogEntry(id)
	if err != nil {
		return nil, nil, fmt.Errorf("%s plugin %s: %w", op, id, err)
	}

	oip, err := m.beginPackageOp(op, id)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	go func() {
		err := m.installPackage(id, entry, server, oip, upgrade)
		if err != nil {
			util.WithPlugin(id).Errorf("%s failed: %v", op, err)
		} else {
			util.WithPlugin(id).Infof("%s succeeded", op)
		}
		m.endPackageOp(id, oip, err)
		done <- err
	}()
	return done, oip, nil
}

// beginPackageOp reserves the package-operation slot for id. A live
// operation for the same id refuses the new one.
func (m *Manager) beginPackageOp(op, id string) (*operation.OIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if oip, ok := m.inflight[id]; ok && oip.State() == operation.StateProgress {
		return nil, fmt.Errorf("%s plugin %s: %w", op, id, util.ErrBusy)
	}
	oip := operation.New(op)
	m.inflight[id] = oip
	return oip, nil
}

func (m *Manager) endPackageOp(id string, oip *operation.OIP, err error) {
	if err != nil {
		oip.Fail()
	} else {
		oip.Success()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[id] == oip {
		delete(m.inflight, id)
	}
}

func (m *Manager) installPackage(id string, entry CatalogEntry, server string, parent *operation.OIP, upgrade bool) error {
	packageURL := strings.TrimSuffix(server, "/") + "/" + stableDir + "/" + entry.Filename
	packagePath := filepath.Join(m.cacheDir, entry.Filename)

	dlOIP := operation.NewWithEnd("download", entry.DSize)
	parent.AddSub(dlOIP)
	spec := DownloadSpec{URL: packageURL, Dest: packagePath, Size: entry.DSize, SHA1Sum: entry.SHA1Sum}
	if err := m.downloader.Download(spec, dlOIP); err != nil {
		dlOIP.Fail()
		return err
	}
	dlOIP.Success()

	exOIP := operation.New("extract")
	parent.AddSub(exOIP)
	if err := m.extractPackage(id, packagePath, upgrade); err != nil {
		exOIP.Fail()
		return err
	}
	exOIP.Success()
	return nil
}

// extractPackage unpacks a downloaded package into a scratch directory
// and moves the plugin tree into place, replacing any previous tree
// only once the new one is complete.
func (m *Manager) extractPackage(id, packagePath string, replace bool) error {
	scratch, err := os.MkdirTemp(m.pluginsDir, ".install-"+id+".*")
	if err != nil {
		return fmt.Errorf("install plugin %s: %w", id, err)
	}
	defer os.RemoveAll(scratch)

	if err := extractTarGz(packagePath, scratch); err != nil {
		return err
	}
	unpacked := filepath.Join(scratch, id)
	if _, err := os.Stat(filepath.Join(unpacked, InfoFilename)); err != nil {
		return fmt.Errorf("install plugin %s: package does not contain %s/%s", id, id, InfoFilename)
	}
	target := m.pluginDir(id)
	if replace {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("install plugin %s: %w", id, err)
		}
	}
	if err := os.Rename(unpacked, target); err != nil {
		return fmt.Errorf("install plugin %s: %w", id, err)
	}
	return nil
}

// Update refreshes the local copy of the installable catalog from the
// plugin server.
func (m *Manager) Update() (<-chan error, *operation.OIP, error) {
	server := m.Server()
	if server == "" {
		return nil, nil, errors.New("update plugins: plugin server is not configured")
	}
	m.mu.Lock()
	if m.updateOIP != nil && m.updateOIP.State() == operation.StateProgress {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("update plugins: %w", util.ErrBusy)
	}
	oip := operation.New("update")
	m.updateOIP = oip
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		spec := DownloadSpec{
			URL:  strings.TrimSuffix(server, "/") + "/" + stableDir + "/" + CatalogFilename,
			Dest: filepath.Join(m.cacheDir, CatalogFilename),
		}
		err := m.downloader.Download(spec, oip)
		if err != nil {
			util.Errorf("plugin catalog update failed: %v", err)
			oip.Fail()
		} else {
			util.Info("plugin catalog updated")
			oip.Success()
		}
		done <- err
	}()
	return done, oip, nil
}

// Uninstall unloads the plugin if needed and removes its unpacked
// tree. It refuses while a package operation for the same id is in
// flight.
func (m *Manager) Uninstall(id string) error {
	if !pluginIDRe.MatchString(id) {
		return util.NewInvalidIDError("plugin", id)
	}
	m.mu.Lock()
	if oip, ok := m.inflight[id]; ok && oip.State() == operation.StateProgress {
		m.mu.Unlock()
		return fmt.Errorf("uninstall plugin %s: %w", id, util.ErrBusy)
	}
	m.mu.Unlock()
	if !m.IsInstalled(id) {
		return fmt.Errorf("uninstall plugin %s: %w", id, util.ErrNotInstalled)
	}
	if m.IsLoaded(id) {
		if err := m.Unload(id); err != nil {
			return fmt.Errorf("uninstall plugin %s: %w", id, err)
		}
	}
	if err := os.RemoveAll(m.pluginDir(id)); err != nil {
		return fmt.Errorf("uninstall plugin %s: %w", id, err)
	}
	util.WithPlugin(id).Info("plugin uninstalled")
	return nil
}

// Load constructs the plugin instance from its unpacked tree and
// applies the common configuration. The plugin becomes visible to the
// identification pipeline only after ConfigureCommon succeeds.
func (m *Manager) Load(id string, commonConfig persist.Document) error {
	if !pluginIDRe.MatchString(id) {
		return util.NewInvalidIDError("plugin", id)
	}
	if m.IsLoaded(id) {
		return fmt.Errorf("load plugin %s: %w", id, util.ErrAlreadyExists)
	}
	dir := m.pluginDir(id)
	info, err := ReadPluginInfo(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load plugin %s: %w", id, util.ErrNotInstalled)
		}
		return fmt.Errorf("load plugin %s: %w", id, err)
	}
	if version.Version != "dev" && !info.Compat.Contains(version.Version) {
		return fmt.Errorf("load plugin %s: requires engine %s to %s, running %s",
			id, orAny(info.Compat.Min), orAny(info.Compat.Max), version.Version)
	}
	factory, err := lookupFactory(info.Entry)
	if err != nil {
		return fmt.Errorf("load plugin %s: %w", id, err)
	}
	plugin, err := factory(Context{ID: id, Dir: dir, Info: info})
	if err != nil {
		return fmt.Errorf("load plugin %s: %w", id, err)
	}
	if err := plugin.ConfigureCommon(commonConfig); err != nil {
		return fmt.Errorf("load plugin %s: configure common: %w", id, err)
	}

	m.mu.Lock()
	if _, dup := m.loaded[id]; dup {
		m.mu.Unlock()
		return fmt.Errorf("load plugin %s: %w", id, util.ErrAlreadyExists)
	}
	m.loaded[id] = plugin
	m.mu.Unlock()

	util.WithPlugin(id).Infof("plugin loaded (version %s)", info.Version)
	for _, o := range m.snapshotObservers() {
		o.PluginLoaded(id)
	}
	return nil
}

func orAny(bound string) string {
	if bound == "" {
		return "any"
	}
	return bound
}

// Unload removes the plugin instance. Devices keep their files; only
// the live behavior goes away.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	plugin, ok := m.loaded[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unload plugin %s: %w", id, util.ErrNotLoaded)
	}
	delete(m.loaded, id)
	m.mu.Unlock()

	if closer, ok := plugin.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			util.WithPlugin(id).Warnf("close: %v", err)
		}
	}
	util.WithPlugin(id).Info("plugin unloaded")
	for _, o := range m.snapshotObservers() {
		o.PluginUnloaded(id)
	}
	return nil
}

// Get returns the loaded plugin instance, or nil.
func (m *Manager) Get(id string) Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded[id]
}

// ListLoaded returns the sorted ids of the loaded plugins.
func (m *Manager) ListLoaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loaded))
	for id := range m.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadedPlugins returns the loaded plugins sorted by id, as seen by
// the identification pipeline.
func (m *Manager) LoadedPlugins() []devices.Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loaded))
	for id := range m.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	plugins := make([]devices.Plugin, 0, len(ids))
	for _, id := range ids {
		plugins = append(plugins, m.loaded[id])
	}
	return plugins
}

// LoadedPlugin returns the loaded plugin with the given id, or nil.
func (m *Manager) LoadedPlugin(id string) devices.Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	if plugin, ok := m.loaded[id]; ok {
		return plugin
	}
	return nil
}

// Info returns the metadata of an installed plugin.
func (m *Manager) Info(id string) (PluginInfo, error) {
	if !pluginIDRe.MatchString(id) {
		return PluginInfo{}, util.NewInvalidIDError("plugin", id)
	}
	info, err := ReadPluginInfo(m.pluginDir(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PluginInfo{}, fmt.Errorf("plugin %s: %w", id, util.ErrNotInstalled)
		}
		return PluginInfo{}, err
	}
	return info, nil
}

// ListInstalled returns the metadata of every unpacked plugin, sorted
// by id. Plugins with unreadable metadata are skipped with a warning.
func (m *Manager) ListInstalled() ([]PluginInfo, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("list installed plugins: %w", err)
	}
	var infos []PluginInfo
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := ReadPluginInfo(filepath.Join(m.pluginsDir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			util.WithPlugin(entry.Name()).Warnf("skipping: %v", err)
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// ListInstallable returns the cached installable catalog, sorted by
// id. An empty catalog before the first update is not an error.
func (m *Manager) ListInstallable() ([]CatalogEntry, error) {
	entries, err := readCatalogFile(filepath.Join(m.cacheDir, CatalogFilename))
	if err != nil {
		return nil, err
	}
	return sortCatalogEntries(entries), nil
}

func (m *Manager) catalogEntry(id string) (CatalogEntry, error) {
	entries, err := readCatalogFile(filepath.Join(m.cacheDir, CatalogFilename))
	if err != nil {
		return CatalogEntry{}, err
	}
	entry, ok := entries[id]
	if !ok {
		return CatalogEntry{}, fmt.Errorf("not in installable catalog: %w", util.ErrNotFound)
	}
	return entry, nil
}
