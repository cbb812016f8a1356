package plugins

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wazo-pbx/xivo-provisioning/pkg/operation"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
	"github.com/wazo-pbx/xivo-provisioning/pkg/version"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	m, err := NewManager(ManagerConfig{
		PluginsDir: filepath.Join(root, "plugins"),
		CacheDir:   filepath.Join(root, "cache"),
		Downloader: newTestDownloader(),
	})
	require.NoError(t, err)
	return m
}

// buildPluginPackage builds a gzipped plugin tarball the way the
// plugin server packages them: a single top-level directory named
// after the plugin.
func buildPluginPackage(t *testing.T, id, pluginVersion string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	writeFile := func(name string, data []byte) {
		header := &tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		require.NoError(t, tw.WriteHeader(header))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: id + "/", Mode: 0755, Typeflag: tar.TypeDir}))
	info := fmt.Sprintf("version: %q\ndescription: Test plugin\nentry: test\n", pluginVersion)
	writeFile(id+"/"+InfoFilename, []byte(info))
	for name, content := range files {
		writeFile(id+"/"+name, []byte(content))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeCatalog(t *testing.T, m *Manager, entries ...CatalogEntry) {
	t.Helper()
	doc, err := yaml.Marshal(catalogFile{Plugins: entries})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.cacheDir, CatalogFilename), doc, 0644))
}

func packageEntry(id, pluginVersion string, pkg []byte) CatalogEntry {
	sum := sha1.Sum(pkg)
	return CatalogEntry{
		ID:          id,
		Version:     pluginVersion,
		Description: "Test plugin",
		Filename:    fmt.Sprintf("%s-%s.tar.gz", id, pluginVersion),
		DSize:       int64(len(pkg)),
		SHA1Sum:     hex.EncodeToString(sum[:]),
	}
}

func installFakePlugin(t *testing.T, m *Manager, id string, infoLines string) {
	t.Helper()
	dir := m.pluginDir(id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	info := "version: \"1.0\"\nentry: test\n" + infoLines
	require.NoError(t, os.WriteFile(filepath.Join(dir, InfoFilename), []byte(info), 0644))
}

type testPlugin struct {
	BasePlugin
	common     persist.Document
	failCommon bool
	closed     bool
}

func (p *testPlugin) ConfigureCommon(rawConfig persist.Document) error {
	if p.failCommon {
		return errors.New("flash directory is read only")
	}
	p.common = rawConfig
	return nil
}

func (p *testPlugin) Close() error {
	p.closed = true
	return nil
}

// registerTestFactory registers a factory under the entry name "test"
// and returns the instances it constructed.
func registerTestFactory(t *testing.T, failCommon bool) *[]*testPlugin {
	t.Helper()
	unregisterAllFactories()
	t.Cleanup(unregisterAllFactories)
	var created []*testPlugin
	RegisterFactory("test", func(ctx Context) (Plugin, error) {
		p := &testPlugin{BasePlugin: NewBasePlugin(ctx.ID, ctx.Dir), failCommon: failCommon}
		created = append(created, p)
		return p, nil
	})
	return &created
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) PluginLoaded(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "loaded:"+id)
}

func (o *recordingObserver) PluginUnloaded(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "unloaded:"+id)
}

func (o *recordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func TestManagerInstall(t *testing.T) {
	pkg := buildPluginPackage(t, "xivo-test", "1.0", map[string]string{
		"var/tftpboot/firmware.bin": "fw",
	})
	entry := packageEntry("xivo-test", "1.0", pkg)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stable/"+entry.Filename {
			w.Write(pkg)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	m := newTestManager(t)
	m.SetServer(server.URL)
	writeCatalog(t, m, entry)

	done, oip, err := m.Install("xivo-test")
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.True(t, m.IsInstalled("xivo-test"))
	info, err := m.Info("xivo-test")
	require.NoError(t, err)
	assert.Equal(t, "1.0", info.Version)

	fw, err := os.ReadFile(filepath.Join(m.pluginDir("xivo-test"), "var", "tftpboot", "firmware.bin"))
	require.NoError(t, err)
	assert.Equal(t, "fw", string(fw))

	want := fmt.Sprintf("install|success(download|success;%d/%d)(extract|success)", len(pkg), len(pkg))
	assert.Equal(t, want, oip.Format())
}

func TestManagerInstallFastFailures(t *testing.T) {
	m := newTestManager(t)

	_, _, err := m.Install("xivo-test")
	assert.Contains(t, err.Error(), "not configured")

	m.SetServer("http://plugins.example.org")
	_, _, err = m.Install("xivo-test")
	assert.ErrorIs(t, err, util.ErrNotFound)

	_, _, err = m.Install("../evil")
	assert.ErrorIs(t, err, util.ErrInvalidID)

	installFakePlugin(t, m, "xivo-test", "")
	_, _, err = m.Install("xivo-test")
	assert.ErrorIs(t, err, util.ErrAlreadyExists)
}

func TestManagerInstallBusy(t *testing.T) {
	pkg := buildPluginPackage(t, "xivo-test", "1.0", nil)
	entry := packageEntry("xivo-test", "1.0", pkg)
	gate := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate
		w.Write(pkg)
	}))
	defer server.Close()

	m := newTestManager(t)
	m.SetServer(server.URL)
	writeCatalog(t, m, entry)

	done, _, err := m.Install("xivo-test")
	require.NoError(t, err)

	_, _, err = m.Install("xivo-test")
	assert.ErrorIs(t, err, util.ErrBusy)
	err = m.Uninstall("xivo-test")
	assert.ErrorIs(t, err, util.ErrBusy)

	close(gate)
	require.NoError(t, <-done)

	// the slot frees up once the operation completes
	assert.False(t, m.IsLoaded("xivo-test"))
	require.NoError(t, m.Uninstall("xivo-test"))
}

func TestManagerUpgrade(t *testing.T) {
	pkg := buildPluginPackage(t, "xivo-test", "1.1", map[string]string{"new.txt": "new"})
	entry := packageEntry("xivo-test", "1.1", pkg)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pkg)
	}))
	defer server.Close()

	m := newTestManager(t)
	m.SetServer(server.URL)
	writeCatalog(t, m, entry)

	_, _, err := m.Upgrade("xivo-test")
	assert.ErrorIs(t, err, util.ErrNotInstalled)

	installFakePlugin(t, m, "xivo-test", "")
	require.NoError(t, os.WriteFile(filepath.Join(m.pluginDir("xivo-test"), "old.txt"), []byte("old"), 0644))

	done, _, err := m.Upgrade("xivo-test")
	require.NoError(t, err)
	require.NoError(t, <-done)

	info, err := m.Info("xivo-test")
	require.NoError(t, err)
	assert.Equal(t, "1.1", info.Version)

	_, err = os.Stat(filepath.Join(m.pluginDir("xivo-test"), "old.txt"))
	assert.True(t, os.IsNotExist(err), "upgrade must replace the old tree")
	newFile, err := os.ReadFile(filepath.Join(m.pluginDir("xivo-test"), "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(newFile))
}

func TestManagerUpdate(t *testing.T) {
	catalog, err := yaml.Marshal(catalogFile{Plugins: []CatalogEntry{
		{ID: "xivo-cisco-sccp", Version: "0.4", Filename: "xivo-cisco-sccp-0.4.tar.gz"},
		{ID: "xivo-aastra", Version: "2.0", Filename: "xivo-aastra-2.0.tar.gz"},
	}})
	require.NoError(t, err)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stable/"+CatalogFilename {
			w.Write(catalog)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	m := newTestManager(t)

	installable, err := m.ListInstallable()
	require.NoError(t, err)
	assert.Empty(t, installable, "no catalog before the first update")

	_, _, err = m.Update()
	assert.Contains(t, err.Error(), "not configured")

	m.SetServer(server.URL)
	done, oip, err := m.Update()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, operation.StateSuccess, oip.State())

	installable, err = m.ListInstallable()
	require.NoError(t, err)
	require.Len(t, installable, 2)
	assert.Equal(t, "xivo-aastra", installable[0].ID)
	assert.Equal(t, "xivo-cisco-sccp", installable[1].ID)
}

func TestManagerLoadUnload(t *testing.T) {
	created := registerTestFactory(t, false)
	m := newTestManager(t)
	installFakePlugin(t, m, "xivo-test", "")

	observer := &recordingObserver{}
	m.Attach(observer)
	m.Attach(observer)

	commonConfig := persist.Document{"ip": "10.0.0.1"}
	require.NoError(t, m.Load("xivo-test", commonConfig))

	assert.True(t, m.IsLoaded("xivo-test"))
	assert.Equal(t, []string{"xivo-test"}, m.ListLoaded())
	require.NotNil(t, m.Get("xivo-test"))
	require.NotNil(t, m.LoadedPlugin("xivo-test"))
	assert.Nil(t, m.LoadedPlugin("xivo-other"))
	require.Len(t, *created, 1)
	assert.Equal(t, commonConfig, (*created)[0].common)
	assert.Equal(t, []string{"loaded:xivo-test"}, observer.Events())

	err := m.Load("xivo-test", nil)
	assert.ErrorIs(t, err, util.ErrAlreadyExists)
	err = m.Load("xivo-missing", nil)
	assert.ErrorIs(t, err, util.ErrNotInstalled)

	require.NoError(t, m.Unload("xivo-test"))
	assert.False(t, m.IsLoaded("xivo-test"))
	assert.True(t, (*created)[0].closed, "unload must close the plugin")
	assert.Equal(t, []string{"loaded:xivo-test", "unloaded:xivo-test"}, observer.Events())

	err = m.Unload("xivo-test")
	assert.ErrorIs(t, err, util.ErrNotLoaded)

	m.Detach(observer)
	require.NoError(t, m.Load("xivo-test", nil))
	assert.Len(t, observer.Events(), 2, "detached observers see nothing")
}

func TestManagerLoadIncompatible(t *testing.T) {
	registerTestFactory(t, false)
	oldVersion := version.Version
	version.Version = "0.5"
	defer func() { version.Version = oldVersion }()

	m := newTestManager(t)
	installFakePlugin(t, m, "xivo-test", "compat:\n  min: \"99.0\"\n")

	err := m.Load("xivo-test", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires engine")
	assert.False(t, m.IsLoaded("xivo-test"))
}

func TestManagerLoadConfigureCommonFailure(t *testing.T) {
	registerTestFactory(t, true)
	m := newTestManager(t)
	installFakePlugin(t, m, "xivo-test", "")

	err := m.Load("xivo-test", persist.Document{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure common")
	assert.False(t, m.IsLoaded("xivo-test"))
}

func TestManagerLoadUnknownEntry(t *testing.T) {
	unregisterAllFactories()
	t.Cleanup(unregisterAllFactories)
	m := newTestManager(t)
	installFakePlugin(t, m, "xivo-test", "")

	err := m.Load("xivo-test", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin factory")
}

func TestManagerUninstall(t *testing.T) {
	registerTestFactory(t, false)
	m := newTestManager(t)
	installFakePlugin(t, m, "xivo-test", "")
	require.NoError(t, m.Load("xivo-test", nil))

	require.NoError(t, m.Uninstall("xivo-test"))
	assert.False(t, m.IsLoaded("xivo-test"), "uninstall must unload first")
	assert.False(t, m.IsInstalled("xivo-test"))

	err := m.Uninstall("xivo-test")
	assert.ErrorIs(t, err, util.ErrNotInstalled)
}

func TestManagerListInstalled(t *testing.T) {
	m := newTestManager(t)
	installFakePlugin(t, m, "xivo-cisco-sccp", "")
	installFakePlugin(t, m, "xivo-aastra", "")
	require.NoError(t, os.MkdirAll(filepath.Join(m.pluginsDir, "not-a-plugin"), 0755))

	infos, err := m.ListInstalled()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "xivo-aastra", infos[0].ID)
	assert.Equal(t, "xivo-cisco-sccp", infos[1].ID)
}

func TestExtractTarGzRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	data := []byte("evil")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(data)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0644))

	err = extractTarGz(archive, filepath.Join(dir, "dest"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}
