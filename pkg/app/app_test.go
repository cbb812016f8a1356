package app

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
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/localization"
	"github.com/wazo-pbx/xivo-provisioning/pkg/operation"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/plugins"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// fakeDevicePlugin records the plugin calls the application makes.
// Instances are kept per plugin id so a reload hands back the same
// recorder.
type fakeDevicePlugin struct {
	plugins.BasePlugin
	mu            sync.Mutex
	events        []string
	failConfigure bool
	failSync      bool
}

func (p *fakeDevicePlugin) Configure(device, rawConfig persist.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failConfigure {
		p.events = append(p.events, "configure-fail:"+device.ID())
		return errors.New("no template found")
	}
	p.events = append(p.events, "configure:"+device.ID())
	return nil
}

func (p *fakeDevicePlugin) Deconfigure(device persist.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "deconfigure:"+device.ID())
	return nil
}

func (p *fakeDevicePlugin) Synchronize(device, rawConfig persist.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSync {
		return fmt.Errorf("device did not answer: %w", util.ErrSyncFailed)
	}
	p.events = append(p.events, "sync:"+device.ID())
	return nil
}

func (p *fakeDevicePlugin) SetFailConfigure(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failConfigure = fail
}

func (p *fakeDevicePlugin) SetFailSync(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSync = fail
}

func (p *fakeDevicePlugin) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

var (
	fakePluginOnce sync.Once
	fakePluginMu   sync.Mutex
	fakePlugins    = map[string]*fakeDevicePlugin{}
)

// fakePlugin returns the recorder for the given plugin id. Tests use
// distinct plugin ids so recorders never leak across tests.
func fakePlugin(id string) *fakeDevicePlugin {
	fakePluginMu.Lock()
	defer fakePluginMu.Unlock()
	p, ok := fakePlugins[id]
	if !ok {
		p = &fakeDevicePlugin{}
		fakePlugins[id] = p
	}
	return p
}

func registerFakeFactory() {
	fakePluginOnce.Do(func() {
		plugins.RegisterFactory("apptest", func(ctx plugins.Context) (plugins.Plugin, error) {
			p := fakePlugin(ctx.ID)
			p.BasePlugin = plugins.NewBasePlugin(ctx.ID, ctx.Dir)
			return p, nil
		})
	})
}

type testApp struct {
	*App
	devColl    persist.Collection
	cfgColl    *devices.ConfigCollection
	pluginsDir string
	cacheDir   string
}

func newTestApp(t *testing.T, pluginIDs ...string) *testApp {
	t.Helper()
	registerFakeFactory()

	db := persist.NewMemoryDatabase()
	devColl, err := db.Collection("devices")
	require.NoError(t, err)
	cfgRaw, err := db.Collection("configs")
	require.NoError(t, err)
	cfgColl := devices.NewConfigCollection(cfgRaw)

	root := t.TempDir()
	pluginsDir := filepath.Join(root, "plugins")
	cacheDir := filepath.Join(root, "cache")
	pgMgr, err := plugins.NewManager(plugins.ManagerConfig{
		PluginsDir: pluginsDir,
		CacheDir:   cacheDir,
		Downloader: plugins.NewDownloader(),
	})
	require.NoError(t, err)
	for _, id := range pluginIDs {
		installFakePlugin(t, pluginsDir, id)
	}

	a, err := New(cfgColl, devColl, pgMgr, Config{
		BaseRawConfig: persist.Document{
			"ip":           "10.0.0.254",
			"http_port":    8667,
			"tftp_port":    69,
			"sip_proxy_ip": "10.0.0.1",
		},
		TenantUUID: "tenant-master",
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return &testApp{App: a, devColl: devColl, cfgColl: cfgColl, pluginsDir: pluginsDir, cacheDir: cacheDir}
}

func installFakePlugin(t *testing.T, pluginsDir, id string) {
	t.Helper()
	dir := filepath.Join(pluginsDir, id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	info := "version: \"1.0\"\nentry: apptest\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugins.InfoFilename), []byte(info), 0644))
}

func insertConfig(t *testing.T, a *testApp, id string, parents []interface{}, raw map[string]interface{}, extra map[string]interface{}) {
	t.Helper()
	config := persist.Document{
		"id":         id,
		"parent_ids": parents,
		"raw_config": raw,
	}
	for key, value := range extra {
		config[key] = value
	}
	_, err := a.CfgInsert(config)
	require.NoError(t, err)
}

func TestAppDevInsert(t *testing.T) {
	a := newTestApp(t, "xivo-insert")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)

	device := persist.Document{
		"mac":    "aa:bb:cc:dd:ee:ff",
		"plugin": "xivo-insert",
		"config": "base-cfg",
	}
	id, err := a.DevInsert(device)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := a.DevRetrieve(id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, true, stored["configured"])
	assert.Equal(t, "tenant-master", stored["tenant_uuid"])
	assert.Equal(t, true, stored["is_new"])
	assert.Equal(t, []string{"configure:" + id}, fakePlugin("xivo-insert").Events())
}

func TestAppDevInsertWithoutPlugin(t *testing.T) {
	a := newTestApp(t)

	id, err := a.DevInsert(persist.Document{"mac": "aa:bb:cc:dd:ee:ff"})
	require.NoError(t, err)
	stored, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Equal(t, false, stored["configured"])
}

func TestAppDevInsertConfigureFailure(t *testing.T) {
	a := newTestApp(t, "xivo-insfail")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	fakePlugin("xivo-insfail").SetFailConfigure(true)

	id, err := a.DevInsert(persist.Document{"plugin": "xivo-insfail", "config": "base-cfg"})
	require.NoError(t, err, "a failed configure does not fail the insert")
	stored, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Equal(t, false, stored["configured"])
}

func TestAppDevInsertKeepsForeignTenant(t *testing.T) {
	a := newTestApp(t)

	id, err := a.DevInsert(persist.Document{"tenant_uuid": "tenant-other"})
	require.NoError(t, err)
	stored, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Equal(t, "tenant-other", stored["tenant_uuid"])
	assert.Equal(t, false, stored["is_new"])
}

func TestAppDevInsertInvalid(t *testing.T) {
	a := newTestApp(t)

	_, err := a.DevInsert(persist.Document{"mac": "not-a-mac"})
	assert.ErrorIs(t, err, util.ErrInvalidParameter)
	_, err = a.DevInsert(persist.Document{"ip": 42})
	assert.ErrorIs(t, err, util.ErrInvalidParameter)
}

func TestAppDevUpdateReconfigures(t *testing.T) {
	a := newTestApp(t, "xivo-update")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	id, err := a.DevInsert(persist.Document{"plugin": "xivo-update", "config": "base-cfg"})
	require.NoError(t, err)

	device, err := a.DevRetrieve(id)
	require.NoError(t, err)
	device["vendor"] = "Aastra"
	require.NoError(t, a.DevUpdate(device, nil))

	recorder := fakePlugin("xivo-update")
	assert.Equal(t, []string{"configure:" + id, "deconfigure:" + id, "configure:" + id}, recorder.Events())

	// an update that does not touch a reconfiguration field leaves the
	// device alone
	device, err = a.DevRetrieve(id)
	require.NoError(t, err)
	device["added"] = "auto"
	require.NoError(t, a.DevUpdate(device, nil))
	assert.Len(t, recorder.Events(), 3)

	// the exact stored document is a no-op
	device, err = a.DevRetrieve(id)
	require.NoError(t, err)
	require.NoError(t, a.DevUpdate(device, nil))
	assert.Len(t, recorder.Events(), 3)
}

func TestAppDevUpdateUnknown(t *testing.T) {
	a := newTestApp(t)

	err := a.DevUpdate(persist.Document{"id": "no-such-device"}, nil)
	assert.ErrorIs(t, err, util.ErrInvalidID)
	err = a.DevUpdate(persist.Document{}, nil)
	assert.ErrorIs(t, err, util.ErrInvalidID)
}

func TestAppDevUpdateHook(t *testing.T) {
	a := newTestApp(t)
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	id, err := a.DevInsert(persist.Document{"config": "base-cfg"})
	require.NoError(t, err)

	device, err := a.DevRetrieve(id)
	require.NoError(t, err)
	var hookConfig persist.Document
	err = a.DevUpdate(device, func(dev, config persist.Document) {
		hookConfig = config
		dev["vendor"] = "Cisco"
	})
	require.NoError(t, err)
	require.NotNil(t, hookConfig)
	assert.Equal(t, "base-cfg", hookConfig.ID())

	stored, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Equal(t, "Cisco", stored["vendor"])
}

func TestAppDevUpdateCollectsTransientConfig(t *testing.T) {
	a := newTestApp(t)
	insertConfig(t, a, "transient-cfg", []interface{}{}, map[string]interface{}{}, map[string]interface{}{"transient": true})
	insertConfig(t, a, "other-cfg", []interface{}{}, map[string]interface{}{}, nil)

	id, err := a.DevInsert(persist.Document{"config": "transient-cfg"})
	require.NoError(t, err)
	device, err := a.DevRetrieve(id)
	require.NoError(t, err)
	device["config"] = "other-cfg"
	require.NoError(t, a.DevUpdate(device, nil))

	config, err := a.CfgRetrieve("transient-cfg")
	require.NoError(t, err)
	assert.Nil(t, config, "unreferenced transient config must be collected")
}

func TestAppDevUpdateKeepsSharedTransientConfig(t *testing.T) {
	a := newTestApp(t)
	insertConfig(t, a, "transient-cfg", []interface{}{}, map[string]interface{}{}, map[string]interface{}{"transient": true})
	insertConfig(t, a, "other-cfg", []interface{}{}, map[string]interface{}{}, nil)

	_, err := a.DevInsert(persist.Document{"config": "transient-cfg"})
	require.NoError(t, err)
	id2, err := a.DevInsert(persist.Document{"config": "transient-cfg"})
	require.NoError(t, err)

	device, err := a.DevRetrieve(id2)
	require.NoError(t, err)
	device["config"] = "other-cfg"
	require.NoError(t, a.DevUpdate(device, nil))

	config, err := a.CfgRetrieve("transient-cfg")
	require.NoError(t, err)
	assert.NotNil(t, config, "a transient config with a remaining holder stays")
}

func TestAppDevDelete(t *testing.T) {
	a := newTestApp(t, "xivo-delete")
	insertConfig(t, a, "transient-cfg", []interface{}{}, map[string]interface{}{}, map[string]interface{}{"transient": true})
	id, err := a.DevInsert(persist.Document{"plugin": "xivo-delete", "config": "transient-cfg"})
	require.NoError(t, err)

	require.NoError(t, a.DevDelete(id))

	stored, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Nil(t, stored)
	config, err := a.CfgRetrieve("transient-cfg")
	require.NoError(t, err)
	assert.Nil(t, config)
	assert.Contains(t, fakePlugin("xivo-delete").Events(), "deconfigure:"+id)

	err = a.DevDelete(id)
	assert.ErrorIs(t, err, util.ErrInvalidID)
}

func TestAppDevReconfigure(t *testing.T) {
	a := newTestApp(t, "xivo-reconf")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	id, err := a.DevInsert(persist.Document{"plugin": "xivo-reconf", "config": "base-cfg"})
	require.NoError(t, err)

	configured, err := a.DevReconfigure(id)
	require.NoError(t, err)
	assert.True(t, configured)
	assert.Equal(t, []string{"configure:" + id, "deconfigure:" + id, "configure:" + id},
		fakePlugin("xivo-reconf").Events())

	_, err = a.DevReconfigure("no-such-device")
	assert.ErrorIs(t, err, util.ErrInvalidID)
}

func TestAppDevSynchronize(t *testing.T) {
	a := newTestApp(t, "xivo-sync")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)

	id, err := a.DevInsert(persist.Document{"plugin": "xivo-sync", "config": "base-cfg"})
	require.NoError(t, err)
	require.NoError(t, a.DevSynchronize(id))
	assert.Contains(t, fakePlugin("xivo-sync").Events(), "sync:"+id)

	fakePlugin("xivo-sync").SetFailSync(true)
	err = a.DevSynchronize(id)
	assert.ErrorIs(t, err, util.ErrSyncFailed)

	unconfigured, err := a.DevInsert(persist.Document{"mac": "aa:bb:cc:dd:ee:ff"})
	require.NoError(t, err)
	err = a.DevSynchronize(unconfigured)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't synchronize not configured device")

	err = a.DevSynchronize("no-such-device")
	assert.ErrorIs(t, err, util.ErrInvalidID)
}

func TestAppCfgUpdateCascade(t *testing.T) {
	a := newTestApp(t, "xivo-cascade")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{"timezone": "Europe/Paris"}, nil)
	insertConfig(t, a, "child-cfg", []interface{}{"base-cfg"}, map[string]interface{}{}, nil)

	idBase, err := a.DevInsert(persist.Document{"plugin": "xivo-cascade", "config": "base-cfg"})
	require.NoError(t, err)
	idChild, err := a.DevInsert(persist.Document{"plugin": "xivo-cascade", "config": "child-cfg"})
	require.NoError(t, err)
	recorder := fakePlugin("xivo-cascade")
	before := len(recorder.Events())

	config, err := a.CfgRetrieve("base-cfg")
	require.NoError(t, err)
	config["raw_config"].(map[string]interface{})["timezone"] = "America/Montreal"
	require.NoError(t, a.CfgUpdate(config))

	events := recorder.Events()[before:]
	assert.Contains(t, events, "deconfigure:"+idBase)
	assert.Contains(t, events, "configure:"+idBase)
	assert.Contains(t, events, "deconfigure:"+idChild)
	assert.Contains(t, events, "configure:"+idChild)

	raw, err := a.CfgRetrieveRawConfig("child-cfg")
	require.NoError(t, err)
	assert.Equal(t, "America/Montreal", raw["timezone"])
}

func TestAppCfgUpdateNoChange(t *testing.T) {
	a := newTestApp(t, "xivo-nochange")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	_, err := a.DevInsert(persist.Document{"plugin": "xivo-nochange", "config": "base-cfg"})
	require.NoError(t, err)
	recorder := fakePlugin("xivo-nochange")
	before := len(recorder.Events())

	config, err := a.CfgRetrieve("base-cfg")
	require.NoError(t, err)
	require.NoError(t, a.CfgUpdate(config))
	assert.Len(t, recorder.Events(), before, "an identical update must not touch any device")
}

func TestAppCfgUpdateUnknown(t *testing.T) {
	a := newTestApp(t)

	err := a.CfgUpdate(persist.Document{"id": "no-such-config", "parent_ids": []interface{}{}, "raw_config": map[string]interface{}{}})
	assert.ErrorIs(t, err, util.ErrInvalidID)
}

func TestAppCfgCascadeBestEffort(t *testing.T) {
	a := newTestApp(t, "xivo-ok", "xivo-bad")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)

	idOK, err := a.DevInsert(persist.Document{"plugin": "xivo-ok", "config": "base-cfg"})
	require.NoError(t, err)
	idBad, err := a.DevInsert(persist.Document{"plugin": "xivo-bad", "config": "base-cfg"})
	require.NoError(t, err)

	fakePlugin("xivo-bad").SetFailConfigure(true)
	config, err := a.CfgRetrieve("base-cfg")
	require.NoError(t, err)
	config["raw_config"].(map[string]interface{})["timezone"] = "Asia/Tokyo"
	require.NoError(t, a.CfgUpdate(config), "a device that fails to configure does not fail the batch")

	deviceOK, err := a.DevRetrieve(idOK)
	require.NoError(t, err)
	assert.Equal(t, true, deviceOK["configured"])
	deviceBad, err := a.DevRetrieve(idBad)
	require.NoError(t, err)
	assert.Equal(t, false, deviceBad["configured"])
}

func TestAppCfgDelete(t *testing.T) {
	a := newTestApp(t, "xivo-cfgdel")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	id, err := a.DevInsert(persist.Document{"plugin": "xivo-cfgdel", "config": "base-cfg"})
	require.NoError(t, err)

	require.NoError(t, a.CfgDelete("base-cfg"))

	// the device keeps its dangling config reference but cannot stay
	// configured
	device, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Equal(t, "base-cfg", device["config"])
	assert.Equal(t, false, device["configured"])
	assert.Contains(t, fakePlugin("xivo-cfgdel").Events(), "deconfigure:"+id)

	err = a.CfgDelete("base-cfg")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestAppCfgDeleteNonDeletable(t *testing.T) {
	a := newTestApp(t)
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, map[string]interface{}{"deletable": false})

	err := a.CfgDelete("base-cfg")
	assert.ErrorIs(t, err, util.ErrNonDeletable)
}

func TestAppCfgInsertRejectsCycle(t *testing.T) {
	a := newTestApp(t)
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)

	config := persist.Document{"id": "base-cfg", "parent_ids": []interface{}{"base-cfg"}, "raw_config": map[string]interface{}{}}
	err := a.CfgUpdate(config)
	assert.ErrorIs(t, err, util.ErrInvalidParameter)
}

func TestAppCfgCreateNew(t *testing.T) {
	a := newTestApp(t)

	id, err := a.CfgCreateNew()
	require.NoError(t, err)
	assert.Empty(t, id, "no autocreate template means no new config")

	insertConfig(t, a, "autoprov-cfg", []interface{}{}, map[string]interface{}{
		"sip_lines": map[string]interface{}{
			"1": map[string]interface{}{"username": "autoprov"},
		},
	}, map[string]interface{}{"role": devices.RoleAutocreate})

	id, err = a.CfgCreateNew()
	require.NoError(t, err)
	require.NotEmpty(t, id)
	config, err := a.CfgRetrieve(id)
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.Equal(t, true, config["transient"])
	assert.NotContains(t, config, "role")
	username := config["raw_config"].(map[string]interface{})["sip_lines"].(map[string]interface{})["1"].(map[string]interface{})["username"].(string)
	assert.Regexp(t, regexp.MustCompile(`^ap\d{8}$`), username)

	// the template itself is untouched
	template, err := a.CfgRetrieve("autoprov-cfg")
	require.NoError(t, err)
	assert.Equal(t, devices.RoleAutocreate, template["role"])
}

func buildFakePluginPackage(t *testing.T, id string) ([]byte, plugins.CatalogEntry) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: id + "/", Mode: 0755, Typeflag: tar.TypeDir}))
	info := []byte("version: \"1.0\"\nentry: apptest\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: id + "/" + plugins.InfoFilename, Mode: 0644, Size: int64(len(info)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(info)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	pkg := buf.Bytes()
	sum := sha1.Sum(pkg)
	return pkg, plugins.CatalogEntry{
		ID:       id,
		Version:  "1.0",
		Filename: id + "-1.0.tar.gz",
		DSize:    int64(len(pkg)),
		SHA1Sum:  hex.EncodeToString(sum[:]),
	}
}

func TestAppPgInstall(t *testing.T) {
	registerFakeFactory()
	a := newTestApp(t)
	pkg, entry := buildFakePluginPackage(t, "xivo-install")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pkg)
	}))
	defer server.Close()
	a.PluginManager().SetServer(server.URL)
	catalog := fmt.Sprintf("plugins:\n  - id: %s\n    version: \"1.0\"\n    filename: %s\n    dsize: %d\n    sha1sum: %s\n",
		entry.ID, entry.Filename, entry.DSize, entry.SHA1Sum)
	require.NoError(t, os.WriteFile(filepath.Join(a.cacheDir, plugins.CatalogFilename), []byte(catalog), 0644))

	// a device waiting for the plugin gets configured once the install
	// finishes
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	id, err := a.DevInsert(persist.Document{"plugin": "xivo-install", "config": "base-cfg"})
	require.NoError(t, err)

	done, oip, err := a.PgInstall("xivo-install")
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, operation.StateSuccess, oip.State())

	assert.True(t, a.PluginManager().IsLoaded("xivo-install"))
	device, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Equal(t, true, device["configured"])
	assert.Contains(t, fakePlugin("xivo-install").Events(), "configure:"+id)
}

func TestAppPgUpgrade(t *testing.T) {
	a := newTestApp(t, "xivo-upgrade")
	pkg, entry := buildFakePluginPackage(t, "xivo-upgrade")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pkg)
	}))
	defer server.Close()
	a.PluginManager().SetServer(server.URL)
	catalog := fmt.Sprintf("plugins:\n  - id: %s\n    version: \"1.0\"\n    filename: %s\n    dsize: %d\n    sha1sum: %s\n",
		entry.ID, entry.Filename, entry.DSize, entry.SHA1Sum)
	require.NoError(t, os.WriteFile(filepath.Join(a.cacheDir, plugins.CatalogFilename), []byte(catalog), 0644))

	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	id, err := a.DevInsert(persist.Document{"plugin": "xivo-upgrade", "config": "base-cfg"})
	require.NoError(t, err)

	done, oip, err := a.PgUpgrade("xivo-upgrade")
	require.NoError(t, err)
	require.NotNil(t, oip)
	require.NoError(t, <-done)
	assert.Equal(t, operation.StateSuccess, oip.State())

	assert.True(t, a.PluginManager().IsLoaded("xivo-upgrade"))
	device, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Equal(t, true, device["configured"])
	events := fakePlugin("xivo-upgrade").Events()
	assert.Contains(t, events, "deconfigure:"+id)
}

func TestAppPgUninstall(t *testing.T) {
	a := newTestApp(t, "xivo-uninstall")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	id, err := a.DevInsert(persist.Document{"plugin": "xivo-uninstall", "config": "base-cfg"})
	require.NoError(t, err)
	recorder := fakePlugin("xivo-uninstall")
	before := len(recorder.Events())

	require.NoError(t, a.PgUninstall("xivo-uninstall"))

	// the flag flips but the plugin is gone, so no deconfigure call
	device, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Equal(t, false, device["configured"])
	assert.Len(t, recorder.Events(), before)

	err = a.PgUninstall("xivo-uninstall")
	assert.ErrorIs(t, err, util.ErrNotInstalled)
}

func TestAppPgReload(t *testing.T) {
	a := newTestApp(t, "xivo-reload")
	insertConfig(t, a, "base-cfg", []interface{}{}, map[string]interface{}{}, nil)
	id, err := a.DevInsert(persist.Document{"plugin": "xivo-reload", "config": "base-cfg"})
	require.NoError(t, err)

	require.NoError(t, a.PgReload("xivo-reload"))
	events := fakePlugin("xivo-reload").Events()
	assert.Equal(t, []string{"configure:" + id, "deconfigure:" + id, "configure:" + id}, events)

	err = a.PgReload("xivo-missing")
	assert.ErrorIs(t, err, util.ErrNotInstalled)
}

func TestAppConfigureService(t *testing.T) {
	a := newTestApp(t)
	t.Cleanup(localization.Reset)
	svc := a.ConfigureService()

	require.NoError(t, svc.Set("plugin_server", "http://provd.wazo.community/plugins/1/stable"))
	assert.Equal(t, "http://provd.wazo.community/plugins/1/stable", a.PluginManager().Server())
	err := svc.Set("plugin_server", "provd.wazo.community")
	assert.ErrorIs(t, err, util.ErrInvalidParameter)

	require.NoError(t, svc.Set("http_proxy", "http://proxy.example.org:3128"))
	assert.Equal(t, "http://proxy.example.org:3128", a.PluginManager().Downloader().Proxy("http"))
	err = svc.Set("http_proxy", "http://proxy.example.org:3128/path")
	assert.ErrorIs(t, err, util.ErrInvalidParameter)

	require.NoError(t, svc.Set("NAT", "1"))
	assert.Equal(t, 1, a.NAT())
	err = svc.Set("NAT", "2")
	assert.ErrorIs(t, err, util.ErrInvalidParameter)

	require.NoError(t, svc.Set("locale", "fr_FR"))
	assert.True(t, localization.IsFrench())

	err = svc.Set("no_such_param", "value")
	assert.ErrorIs(t, err, util.ErrUnknownParameter)
	_, err = svc.Get("no_such_param")
	assert.ErrorIs(t, err, util.ErrUnknownParameter)

	names := make(map[string]bool)
	for _, param := range svc.Parameters() {
		names[param.Name] = true
	}
	for _, want := range []string{"plugin_server", "http_proxy", "ftp_proxy", "https_proxy", "locale", "NAT"} {
		assert.True(t, names[want], "missing parameter %s", want)
	}
}

func TestAppHTTPSProxyValidation(t *testing.T) {
	a := newTestApp(t)
	svc := a.ConfigureService()

	// host:port without a scheme, what the transport expects
	require.NoError(t, svc.Set("https_proxy", "proxy.example.org:3128"))
	assert.Equal(t, "proxy.example.org:3128", a.PluginManager().Downloader().Proxy("https"))

	err := svc.Set("https_proxy", "http://proxy.example.org:3128")
	assert.ErrorIs(t, err, util.ErrInvalidParameter,
		"scheme and hostname form must be rejected")
	assert.Equal(t, "proxy.example.org:3128", a.PluginManager().Downloader().Proxy("https"))

	// empty unsets the proxy
	require.NoError(t, svc.Set("https_proxy", ""))
}

func TestAppConfigurePluginManagerPrefix(t *testing.T) {
	a := newTestApp(t)
	svc := a.ConfigureService()

	require.NoError(t, svc.Set("plugin_manager.plugin_server", "http://pkgs.example.org/plugins"))
	assert.Equal(t, "http://pkgs.example.org/plugins", a.PluginManager().Server())

	// same parameter, prefixed and unprefixed
	value, err := svc.Get("plugin_server")
	require.NoError(t, err)
	assert.Equal(t, "http://pkgs.example.org/plugins", value)
	value, err = svc.Get("plugin_manager.plugin_server")
	require.NoError(t, err)
	assert.Equal(t, "http://pkgs.example.org/plugins", value)

	err = svc.Set("plugin_manager.locale", "fr_FR")
	assert.ErrorIs(t, err, util.ErrUnknownParameter,
		"locale is not a plugin manager parameter")

	var names []string
	for _, p := range svc.Parameters() {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "plugin_manager.plugin_server")
	assert.Contains(t, names, "plugin_manager.https_proxy")
	assert.NotContains(t, names, "plugin_manager.NAT")
}

func TestAppTenant(t *testing.T) {
	a := newTestApp(t)

	device := persist.Document{"id": "dev1", "tenant_uuid": "tenant-a"}
	assert.NoError(t, a.CheckTenantValidForDevice(device, "tenant-a"))
	assert.NoError(t, a.CheckTenantValidForDevice(device, "tenant-master"))
	err := a.CheckTenantValidForDevice(device, "tenant-b")
	assert.ErrorIs(t, err, util.ErrUnauthorized)

	assert.False(t, a.IsDeviceInProvdTenant(device))
	assert.True(t, a.IsDeviceInProvdTenant(persist.Document{"tenant_uuid": "tenant-master"}))
}
