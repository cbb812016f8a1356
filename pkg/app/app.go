// Package app implements the provisioning application: the device,
// config and plugin operations of the engine, serialized through a
// writer-preferring reader/writer lock.
//
// The application is permissive about references: devices may point at
// unknown configs or plugins, configs may point at unknown parents, and
// a plugin may be uninstalled while devices still reference it. What it
// does enforce is the plugin contract and the configured invariant: a
// device is marked configured only while its plugin is loaded, its
// config resolves to a valid raw config and the last Configure call
// succeeded.
package app

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/plugins"
	"github.com/wazo-pbx/xivo-provisioning/pkg/services"
	"github.com/wazo-pbx/xivo-provisioning/pkg/settings"
	"github.com/wazo-pbx/xivo-provisioning/pkg/synchro"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// Config parameterizes the provisioning application.
type Config struct {
	// BaseRawConfig is the site-wide raw config every resolution starts
	// from. It must carry the common parameters (ip, http_port,
	// tftp_port).
	BaseRawConfig persist.Document

	// TenantUUID is the engine tenant, the tenant new devices inherit
	// when their document does not name one.
	TenantUUID string

	// Store persists the configure-service parameters across restarts.
	// A nil store keeps them in memory only.
	Store *settings.Store

	// ConfigFactory derives autocreated configs from the autocreate
	// template. Nil selects devices.DefaultConfigFactory.
	ConfigFactory devices.ConfigFactory
}

// App is the provisioning application. All exported methods are safe
// for concurrent use; mutations run under the write side of the engine
// lock and fully serialize against reads.
type App struct {
	cfgColl *devices.ConfigCollection
	devColl persist.Collection
	pgMgr   *plugins.Manager

	baseRawConfig persist.Document
	cfgFactory    devices.ConfigFactory
	configureSvc  services.ConfigureService

	lock synchro.RWLock

	mu         sync.Mutex
	tenantUUID string
	nat        int
}

// New creates the provisioning application and loads every installed
// plugin. Plugins that fail to load stay installed but unloaded.
func New(cfgColl *devices.ConfigCollection, devColl persist.Collection, pgMgr *plugins.Manager, cfg Config) (*App, error) {
	if err := devices.CheckCommonRawConfig(cfg.BaseRawConfig); err != nil {
		return nil, fmt.Errorf("base raw config: %w", err)
	}
	util.Infof("using base raw config %v", map[string]interface{}(cfg.BaseRawConfig))

	factory := cfg.ConfigFactory
	if factory == nil {
		factory = devices.DefaultConfigFactory
	}
	a := &App{
		cfgColl:       cfgColl,
		devColl:       devColl,
		pgMgr:         pgMgr,
		baseRawConfig: cfg.BaseRawConfig.Copy(),
		cfgFactory:    factory,
		tenantUUID:    cfg.TenantUUID,
	}

	// The configure service replays persisted parameters at
	// construction, so the plugin server and proxies are restored
	// before any plugin loads. The plugin-manager parameters are also
	// reachable under the plugin_manager prefix.
	table := services.NewTableConfigureService(a.configureParams())
	composite := services.NewCompositeConfigureService(table)
	composite.Mount("plugin_manager",
		services.NewScopedConfigureService(table, pluginManagerParams...))
	if cfg.Store != nil {
		a.configureSvc = services.NewPersistentConfigureService(composite, cfg.Store)
	} else {
		a.configureSvc = composite
	}

	a.pgLoadAll()
	return a, nil
}

// Close unloads every plugin and shuts the application down.
func (a *App) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	util.Info("closing provisioning application")
	return a.pgMgr.Close()
}

// ConfigureService returns the engine-parameter service (plugin_server,
// proxies, locale, NAT).
func (a *App) ConfigureService() services.ConfigureService {
	return a.configureSvc
}

// PluginManager returns the plugin manager the application drives.
func (a *App) PluginManager() *plugins.Manager {
	return a.pgMgr
}

// BaseRawConfig returns a copy of the site-wide base raw config.
func (a *App) BaseRawConfig() persist.Document {
	return a.baseRawConfig.Copy()
}

// Tenant returns the engine tenant.
func (a *App) Tenant() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tenantUUID
}

// SetTenant sets the engine tenant, normally once the auth token is
// verified at startup.
func (a *App) SetTenant(tenantUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tenantUUID = tenantUUID
}

// NAT reports whether the devices are known to sit behind a NAT, as
// set through the configure service.
func (a *App) NAT() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nat
}

func (a *App) setNAT(nat int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nat = nat
}

// device helpers, called with the lock already held

func (a *App) devGetPlugin(device persist.Document) plugins.Plugin {
	if pluginID, ok := device["plugin"].(string); ok {
		return a.pgMgr.Get(pluginID)
	}
	return nil
}

func (a *App) devGetRawConfig(device persist.Document) (persist.Document, error) {
	if cfgID, ok := device["config"].(string); ok {
		return a.cfgColl.GetRawConfig(cfgID, a.baseRawConfig)
	}
	return nil, nil
}

func (a *App) devGetPluginAndRawConfig(device persist.Document) (plugins.Plugin, persist.Document, error) {
	plugin := a.devGetPlugin(device)
	if plugin == nil {
		return nil, nil, nil
	}
	rawConfig, err := a.devGetRawConfig(device)
	if err != nil {
		return nil, nil, err
	}
	if rawConfig == nil {
		return nil, nil, nil
	}
	return plugin, rawConfig, nil
}

// devConfigure validates the raw config and hands the device to the
// plugin. It reports success; every failure is logged and reflected in
// the configured flag, never propagated.
func (a *App) devConfigure(device persist.Document, plugin plugins.Plugin, rawConfig persist.Document) bool {
	logger := util.WithDevice(device.ID())
	logger.Infof("configuring device with plugin %s", plugin.ID())
	if err := devices.CheckRawConfig(rawConfig); err != nil {
		logger.Errorf("error while configuring device: %v", err)
		return false
	}
	devices.SetRawConfigDefaults(rawConfig)
	if err := plugin.Configure(device, rawConfig); err != nil {
		logger.Errorf("error while configuring device: %v", err)
		return false
	}
	return true
}

func (a *App) devConfigureIfPossible(device persist.Document) (bool, error) {
	plugin, rawConfig, err := a.devGetPluginAndRawConfig(device)
	if err != nil {
		return false, err
	}
	if plugin == nil {
		return false, nil
	}
	return a.devConfigure(device, plugin, rawConfig), nil
}

func (a *App) devDeconfigure(device persist.Document, plugin plugins.Plugin) bool {
	logger := util.WithDevice(device.ID())
	logger.Infof("deconfiguring device with plugin %s", plugin.ID())
	if err := plugin.Deconfigure(device); err != nil {
		logger.Errorf("error while deconfiguring device: %v", err)
		return false
	}
	return true
}

func (a *App) devDeconfigureIfPossible(device persist.Document) bool {
	plugin := a.devGetPlugin(device)
	if plugin == nil {
		return false
	}
	return a.devDeconfigure(device, plugin)
}

func (a *App) devSynchronizeIfPossible(device persist.Document) error {
	plugin, rawConfig, err := a.devGetPluginAndRawConfig(device)
	if err != nil {
		return err
	}
	if plugin == nil {
		// rare case where the device is marked configured but its
		// plugin is gone, usually after a manual plugin uninstallation
		pluginID, _ := device["plugin"].(string)
		return fmt.Errorf("plugin %s: %w", pluginID, util.ErrNotLoaded)
	}
	util.WithDevice(device.ID()).Infof("synchronizing device with plugin %s", plugin.ID())
	devices.SetRawConfigDefaults(rawConfig)
	return plugin.Synchronize(device, rawConfig)
}

func (a *App) devGetOrRaise(id string) (persist.Document, error) {
	device, err := a.devColl.Retrieve(id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, util.NewInvalidIDError("device", id)
	}
	return device, nil
}

// maybeDeleteTransientConfig garbage-collects a transient config once
// no device references it anymore.
func (a *App) maybeDeleteTransientConfig(cfgID string) error {
	config, err := a.cfgColl.Retrieve(cfgID)
	if err != nil {
		return err
	}
	if config == nil {
		return nil
	}
	if transient, _ := config["transient"].(bool); !transient {
		return nil
	}
	holder, err := a.devColl.FindOne(persist.Selector{"config": cfgID})
	if err != nil {
		return err
	}
	if holder != nil {
		return nil
	}
	util.WithConfig(cfgID).Info("deleting unreferenced transient config")
	return a.cfgColl.Delete(cfgID)
}

// device operations

// DevInsert inserts a new device and configures it when there is
// enough information to do so. The configured flag of the input is
// ignored; a missing tenant inherits the engine tenant. The document
// is updated in place with its id and final configured value.
func (a *App) DevInsert(device persist.Document) (string, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	util.Info("inserting new device")

	if err := devices.NormalizeDevice(device); err != nil {
		return "", err
	}
	if err := devices.CheckDevice(device); err != nil {
		return "", err
	}
	// new devices are never configured
	device["configured"] = false
	if tenant, _ := device["tenant_uuid"].(string); tenant == "" {
		device["tenant_uuid"] = a.Tenant()
	}
	device["is_new"] = device["tenant_uuid"] == a.Tenant()

	id, err := a.devColl.Insert(device)
	if err != nil {
		return "", err
	}
	device.SetID(id)
	configured, err := a.devConfigureIfPossible(device)
	if err != nil {
		return "", err
	}
	if configured {
		device["configured"] = true
		if err := a.devColl.Update(device); err != nil {
			return "", err
		}
	}
	return id, nil
}

// DevUpdate updates a device, deconfiguring and reconfiguring it when
// a reconfiguration-relevant field changed. hook, when non-nil, runs
// with the device and its config just before the document is
// persisted. The configured flag of the input is ignored.
func (a *App) DevUpdate(device persist.Document, hook devices.PreUpdateHook) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	id := device.ID()
	if id == "" {
		return util.NewInvalidIDError("device", "")
	}
	util.WithDevice(id).Info("updating device")
	if err := devices.NormalizeDevice(device); err != nil {
		return err
	}
	if err := devices.CheckDevice(device); err != nil {
		return err
	}
	oldDevice, err := a.devGetOrRaise(id)
	if err != nil {
		return err
	}
	if devices.NeedsReconfiguration(oldDevice, device) {
		if configured, _ := oldDevice["configured"].(bool); configured {
			a.devDeconfigureIfPossible(oldDevice)
		}
		configured, err := a.devConfigureIfPossible(device)
		if err != nil {
			return err
		}
		device["configured"] = configured
	} else {
		device["configured"] = oldDevice["configured"]
	}
	if hook != nil {
		var config persist.Document
		if cfgID, ok := device["config"].(string); ok {
			if config, err = a.cfgColl.Retrieve(cfgID); err != nil {
				return err
			}
		}
		hook(device, config)
	}
	if deepEqualDocuments(device, oldDevice) {
		util.WithDevice(id).Info("not updating device: not changed")
		return nil
	}
	device["is_new"] = device["tenant_uuid"] == a.Tenant()
	if err := a.devColl.Update(device); err != nil {
		return err
	}
	// the old device may have been the last holder of a transient
	// config
	if oldCfgID, ok := oldDevice["config"].(string); ok {
		if newCfgID, _ := device["config"].(string); newCfgID != oldCfgID {
			if err := a.maybeDeleteTransientConfig(oldCfgID); err != nil {
				return err
			}
		}
	}
	return nil
}

// DevDelete deletes a device, deconfiguring it if it was configured
// and garbage-collecting its transient config.
func (a *App) DevDelete(id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	util.WithDevice(id).Info("deleting device")

	device, err := a.devGetOrRaise(id)
	if err != nil {
		return err
	}
	if err := a.devColl.Delete(id); err != nil {
		return err
	}
	if cfgID, ok := device["config"].(string); ok {
		if err := a.maybeDeleteTransientConfig(cfgID); err != nil {
			return err
		}
	}
	if configured, _ := device["configured"].(bool); configured {
		a.devDeconfigureIfPossible(device)
	}
	return nil
}

// DevRetrieve returns the device with the given id, or nil.
func (a *App) DevRetrieve(id string) (persist.Document, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.devColl.Retrieve(id)
}

// DevFind returns the devices matching selector.
func (a *App) DevFind(selector persist.Selector) ([]persist.Document, error) {
	return a.DevFindOptions(selector, nil)
}

// DevFindOptions returns the devices matching selector, shaped by
// opts.
func (a *App) DevFindOptions(selector persist.Selector, opts *persist.FindOptions) ([]persist.Document, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.devColl.Find(selector, opts)
}

// DevFindOne returns an arbitrary device matching selector, or nil.
func (a *App) DevFindOne(selector persist.Selector) (persist.Document, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.devColl.FindOne(selector)
}

// DevReconfigure forces the deconfigure/configure cycle of a device.
// It reports whether the device ended up configured.
func (a *App) DevReconfigure(id string) (bool, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	util.WithDevice(id).Info("reconfiguring device")

	device, err := a.devGetOrRaise(id)
	if err != nil {
		return false, err
	}
	if configured, _ := device["configured"].(bool); configured {
		a.devDeconfigureIfPossible(device)
	}
	configured, err := a.devConfigureIfPossible(device)
	if err != nil {
		return false, err
	}
	if device["configured"] != configured {
		device["configured"] = configured
		if err := a.devColl.Update(device); err != nil {
			return configured, err
		}
	}
	return configured, nil
}

// DevSynchronize synchronizes the physical device with its
// configuration. It fails when the device is not configured, when its
// plugin has no synchronization mechanism or when the device is
// unreachable.
func (a *App) DevSynchronize(id string) error {
	a.lock.RLock()
	defer a.lock.RUnlock()
	util.WithDevice(id).Info("synchronizing device")

	device, err := a.devGetOrRaise(id)
	if err != nil {
		return err
	}
	if configured, _ := device["configured"].(bool); !configured {
		return fmt.Errorf("can't synchronize not configured device %s", id)
	}
	return a.devSynchronizeIfPossible(device)
}

// config operations

// CfgInsert inserts a new config and reconfigures every device
// depending on it directly or through inheritance.
func (a *App) CfgInsert(config persist.Document) (string, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	util.WithConfig(config.ID()).Info("inserting config")

	id, err := a.cfgColl.Insert(config)
	if err != nil {
		return "", err
	}
	config.SetID(id)
	return id, a.cfgCascade(id)
}

// CfgUpdate updates a config and reconfigures every affected device.
// An update carrying the exact stored document is a no-op.
func (a *App) CfgUpdate(config persist.Document) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	id := config.ID()
	if id == "" {
		return util.NewInvalidIDError("config", "")
	}
	util.WithConfig(id).Info("updating config")
	oldConfig, err := a.cfgColl.Retrieve(id)
	if err != nil {
		return err
	}
	if oldConfig == nil {
		return util.NewInvalidIDError("config", id)
	}
	if deepEqualDocuments(config, oldConfig) {
		util.WithConfig(id).Info("config has not changed, ignoring update")
		return nil
	}
	if err := a.cfgColl.Update(config); err != nil {
		return err
	}
	return a.cfgCascade(id)
}

// CfgDelete deletes a config. References from other configs and
// devices are left in place; the affected devices are deconfigured,
// then reconfigured when their own config still resolves.
func (a *App) CfgDelete(id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	util.WithConfig(id).Info("deleting config")

	if err := a.cfgColl.Delete(id); err != nil {
		return err
	}
	return a.cfgCascade(id)
}

// cfgCascade runs the deconfigure/configure pass over every device
// whose config is id or inherits from id. Devices are visited in id
// order; a failing configure marks its device unconfigured and the
// batch carries on.
func (a *App) cfgCascade(id string) error {
	descendants, err := a.cfgColl.GetDescendants(id)
	if err != nil {
		return err
	}
	affected := append([]string{id}, descendants...)
	sort.Strings(affected)

	rawConfigs := make(map[string]persist.Document, len(affected))
	for _, cfgID := range affected {
		raw, err := a.cfgColl.GetRawConfig(cfgID, a.baseRawConfig)
		if err != nil {
			return err
		}
		rawConfigs[cfgID] = raw
	}

	selector := persist.Selector{"config": map[string]interface{}{"$in": toInterfaceSlice(affected)}}
	affectedDevices, err := a.devColl.Find(selector, &persist.FindOptions{Sort: persist.IDKey, SortOrder: persist.Ascending})
	if err != nil {
		return err
	}
	for _, device := range affectedDevices {
		plugin := a.devGetPlugin(device)
		if plugin == nil {
			continue
		}
		wasConfigured, _ := device["configured"].(bool)
		if wasConfigured {
			a.devDeconfigure(device, plugin)
		}
		configured := false
		cfgID, _ := device["config"].(string)
		if rawConfig := rawConfigs[cfgID]; rawConfig != nil {
			configured = a.devConfigure(device, plugin, rawConfig.Copy())
		}
		if wasConfigured != configured {
			device["configured"] = configured
			if err := a.devColl.Update(device); err != nil {
				return err
			}
		}
	}
	return nil
}

// CfgRetrieve returns the config with the given id, or nil.
func (a *App) CfgRetrieve(id string) (persist.Document, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.cfgColl.Retrieve(id)
}

// CfgRetrieveRawConfig returns the resolved raw config of the config
// with the given id, or nil when there is no such config.
func (a *App) CfgRetrieveRawConfig(id string) (persist.Document, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.cfgColl.GetRawConfig(id, a.baseRawConfig)
}

// CfgFind returns the configs matching selector, shaped by opts.
func (a *App) CfgFind(selector persist.Selector, opts *persist.FindOptions) ([]persist.Document, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.cfgColl.Find(selector, opts)
}

// CfgFindOne returns an arbitrary config matching selector, or nil.
func (a *App) CfgFindOne(selector persist.Selector) (persist.Document, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.cfgColl.FindOne(selector)
}

// CfgCreateNew creates a new config from the config carrying the
// autocreate role. It returns the empty string when no template exists
// or the factory rejects it.
func (a *App) CfgCreateNew() (string, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	util.Info("creating new config")

	template, err := a.cfgColl.FindOne(persist.Selector{"role": devices.RoleAutocreate})
	if err != nil {
		return "", err
	}
	if template == nil {
		util.Debug("no config with the autocreate role found")
		return "", nil
	}
	// strip the role so the new config is not a template itself
	delete(template, "role")
	newConfig := a.cfgFactory(template)
	if newConfig == nil {
		util.Debug("autocreate config factory returned no config")
		return "", nil
	}
	return a.cfgColl.Insert(newConfig)
}

func deepEqualDocuments(a, b persist.Document) bool {
	return reflect.DeepEqual(map[string]interface{}(a), map[string]interface{}(b))
}

func toInterfaceSlice(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
