package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-pbx/xivo-provisioning/pkg/app"
	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/plugins"
)

type restTestPlugin struct {
	plugins.BasePlugin
}

func (p *restTestPlugin) Synchronize(device, rawConfig persist.Document) error {
	return nil
}

var restFactoryOnce sync.Once

func registerRestFactory() {
	restFactoryOnce.Do(func() {
		plugins.RegisterFactory("resttest", func(ctx plugins.Context) (plugins.Plugin, error) {
			return &restTestPlugin{BasePlugin: plugins.NewBasePlugin(ctx.ID, ctx.Dir)}, nil
		})
	})
}

func newTestServer(t *testing.T, verifier Verifier) (*Server, *app.App) {
	t.Helper()
	registerRestFactory()

	db := persist.NewMemoryDatabase()
	devColl, err := db.Collection("devices")
	require.NoError(t, err)
	cfgRaw, err := db.Collection("configs")
	require.NoError(t, err)

	root := t.TempDir()
	pluginsDir := filepath.Join(root, "plugins")
	pluginDir := filepath.Join(pluginsDir, "xivo-rest")
	require.NoError(t, os.MkdirAll(pluginDir, 0755))
	info := "version: \"1.0\"\nentry: resttest\n"
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, plugins.InfoFilename), []byte(info), 0644))

	pgMgr, err := plugins.NewManager(plugins.ManagerConfig{
		PluginsDir: pluginsDir,
		CacheDir:   filepath.Join(root, "cache"),
		Downloader: plugins.NewDownloader(),
	})
	require.NoError(t, err)

	a, err := app.New(devices.NewConfigCollection(cfgRaw), devColl, pgMgr, app.Config{
		BaseRawConfig: persist.Document{"ip": "10.0.0.254", "http_port": 8667, "tftp_port": 69},
		TenantUUID:    "tenant-master",
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	return NewServer(a, ServerConfig{Verifier: verifier}), a
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", MediaType)
	}
	req.Header.Set("Accept", MediaType)
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestRESTDeviceLifecycle(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	// insert
	resp := doJSON(t, handler, http.MethodPost, "/0.2/dev_mgr/devices", map[string]interface{}{
		"device": map[string]interface{}{"mac": "aa:bb:cc:dd:ee:ff", "vendor": "Aastra"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	id := decodeBody(t, resp)["id"].(string)
	assert.Equal(t, "/0.2/dev_mgr/devices/"+id, resp.Header().Get("Location"))

	// retrieve
	resp = doJSON(t, handler, http.MethodGet, "/0.2/dev_mgr/devices/"+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	device := decodeBody(t, resp)["device"].(map[string]interface{})
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", device["mac"])
	assert.Equal(t, false, device["configured"])

	// list with a selector
	resp = doJSON(t, handler, http.MethodGet, `/0.2/dev_mgr/devices?q={"vendor":"Aastra"}&fields=mac`, nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	listed := decodeBody(t, resp)["devices"].([]interface{})
	require.Len(t, listed, 1)

	// update
	device["vendor"] = "Cisco"
	resp = doJSON(t, handler, http.MethodPut, "/0.2/dev_mgr/devices/"+id, map[string]interface{}{"device": device}, nil)
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	// delete
	resp = doJSON(t, handler, http.MethodDelete, "/0.2/dev_mgr/devices/"+id, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)
	resp = doJSON(t, handler, http.MethodGet, "/0.2/dev_mgr/devices/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRESTDeviceValidation(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	resp := doJSON(t, handler, http.MethodPost, "/0.2/dev_mgr/devices", map[string]interface{}{
		"device": map[string]interface{}{"mac": "not-a-mac"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, handler, http.MethodPost, "/0.2/dev_mgr/devices", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, handler, http.MethodPut, "/0.2/dev_mgr/devices/no-such-id", map[string]interface{}{
		"device": map[string]interface{}{},
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRESTMediaTypeNegotiation(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	// wrong Content-Type on a request with a body
	req := httptest.NewRequest(http.MethodPost, "/0.2/dev_mgr/devices",
		strings.NewReader(`{"device": {}}`))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, recorder.Code)

	// unacceptable Accept
	req = httptest.NewRequest(http.MethodGet, "/0.2/status", nil)
	req.Header.Set("Accept", "text/html")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusNotAcceptable, recorder.Code)

	// */* is fine
	req = httptest.NewRequest(http.MethodGet, "/0.2/status", nil)
	req.Header.Set("Accept", "*/*")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, MediaType, recorder.Header().Get("Content-Type"))
}

func TestRESTConfigResources(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	resp := doJSON(t, handler, http.MethodPost, "/0.2/cfg_mgr/configs", map[string]interface{}{
		"config": map[string]interface{}{
			"id":         "base",
			"parent_ids": []string{},
			"raw_config": map[string]interface{}{"ntp_enabled": true, "ntp_ip": "10.0.0.5"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = doJSON(t, handler, http.MethodPost, "/0.2/cfg_mgr/configs", map[string]interface{}{
		"config": map[string]interface{}{
			"id":         "child",
			"parent_ids": []string{"base"},
			"raw_config": map[string]interface{}{"timezone": "Europe/Paris"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.Code)

	// resolved raw config folds the parent chain over the base
	resp = doJSON(t, handler, http.MethodGet, "/0.2/cfg_mgr/configs/child/raw", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	raw := decodeBody(t, resp)["raw_config"].(map[string]interface{})
	assert.Equal(t, "10.0.0.5", raw["ntp_ip"])
	assert.Equal(t, "Europe/Paris", raw["timezone"])
	assert.Equal(t, "10.0.0.254", raw["ip"])

	// invalid config
	resp = doJSON(t, handler, http.MethodPost, "/0.2/cfg_mgr/configs", map[string]interface{}{
		"config": map[string]interface{}{"id": "bad", "raw_config": map[string]interface{}{}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, handler, http.MethodGet, "/0.2/cfg_mgr/configs/no-such-config", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = doJSON(t, handler, http.MethodDelete, "/0.2/cfg_mgr/configs/child", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
}

func TestRESTAutocreateConfig(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	resp := doJSON(t, handler, http.MethodPost, "/0.2/cfg_mgr/autocreate", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code, "no template configured")

	resp = doJSON(t, handler, http.MethodPost, "/0.2/cfg_mgr/configs", map[string]interface{}{
		"config": map[string]interface{}{
			"id":         "autoprov",
			"role":       "autocreate",
			"parent_ids": []string{},
			"raw_config": map[string]interface{}{
				"sip_lines": map[string]interface{}{
					"1": map[string]interface{}{"username": "autoprov"},
				},
			},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = doJSON(t, handler, http.MethodPost, "/0.2/cfg_mgr/autocreate", map[string]interface{}{}, nil)
	require.Equal(t, http.StatusCreated, resp.Code)
	id := decodeBody(t, resp)["id"].(string)
	assert.Equal(t, "/0.2/cfg_mgr/configs/"+id, resp.Header().Get("Location"))
}

func TestRESTSynchronizeOIP(t *testing.T) {
	server, a := newTestServer(t, nil)
	handler := server.Handler()

	resp := doJSON(t, handler, http.MethodPost, "/0.2/cfg_mgr/configs", map[string]interface{}{
		"config": map[string]interface{}{
			"id":         "base",
			"parent_ids": []string{},
			"raw_config": map[string]interface{}{},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.Code)
	id, err := a.DevInsert(persist.Document{"plugin": "xivo-rest", "config": "base"})
	require.NoError(t, err)

	resp = doJSON(t, handler, http.MethodPost, "/0.2/dev_mgr/synchronize",
		map[string]interface{}{"id": id}, nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	location := resp.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/0.2/dev_mgr/synchronize/"))

	require.Eventually(t, func() bool {
		poll := doJSON(t, handler, http.MethodGet, location, nil, nil)
		if poll.Code != http.StatusOK {
			return false
		}
		return strings.Contains(decodeBody(t, poll)["status"].(string), "success")
	}, 2*time.Second, 10*time.Millisecond)

	// deleting the operation forgets it
	resp = doJSON(t, handler, http.MethodDelete, location, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	resp = doJSON(t, handler, http.MethodGet, location, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// unknown device fails synchronously
	resp = doJSON(t, handler, http.MethodPost, "/0.2/dev_mgr/synchronize",
		map[string]interface{}{"id": "no-such-device"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRESTConfigureParameters(t *testing.T) {
	server, a := newTestServer(t, nil)
	handler := server.Handler()

	resp := doJSON(t, handler, http.MethodGet, "/0.2/configure", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	params := decodeBody(t, resp)["params"].([]interface{})
	names := make(map[string]bool)
	for _, p := range params {
		names[p.(map[string]interface{})["id"].(string)] = true
	}
	assert.True(t, names["plugin_server"])
	assert.True(t, names["NAT"])

	resp = doJSON(t, handler, http.MethodPut, "/0.2/configure/NAT", map[string]interface{}{
		"param": map[string]interface{}{"value": "1"},
	}, nil)
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())
	assert.Equal(t, 1, a.NAT())

	resp = doJSON(t, handler, http.MethodGet, "/0.2/configure/NAT", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	param := decodeBody(t, resp)["param"].(map[string]interface{})
	assert.Equal(t, "1", param["value"])

	resp = doJSON(t, handler, http.MethodPut, "/0.2/configure/NAT", map[string]interface{}{
		"param": map[string]interface{}{"value": "9"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, handler, http.MethodGet, "/0.2/configure/no_such_param", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRESTPluginResources(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	resp := doJSON(t, handler, http.MethodGet, "/0.2/pg_mgr/install/installed", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	pkgs := decodeBody(t, resp)["pkgs"].(map[string]interface{})
	assert.Contains(t, pkgs, "xivo-rest")

	resp = doJSON(t, handler, http.MethodGet, "/0.2/pg_mgr/plugins", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	pgs := decodeBody(t, resp)["pgs"].(map[string]interface{})
	assert.Contains(t, pgs, "xivo-rest")

	resp = doJSON(t, handler, http.MethodGet, "/0.2/pg_mgr/plugins/xivo-rest/info", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	info := decodeBody(t, resp)["plugin_info"].(map[string]interface{})
	assert.Equal(t, "1.0", info["version"])

	// the test plugin exposes neither a configure nor an install service
	resp = doJSON(t, handler, http.MethodGet, "/0.2/pg_mgr/plugins/xivo-rest/configure", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	resp = doJSON(t, handler, http.MethodGet, "/0.2/pg_mgr/plugins/xivo-rest/install/installed", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = doJSON(t, handler, http.MethodGet, "/0.2/pg_mgr/plugins/no-such-plugin/info", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = doJSON(t, handler, http.MethodPost, "/0.2/pg_mgr/reload",
		map[string]interface{}{"id": "xivo-rest"}, nil)
	assert.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	resp = doJSON(t, handler, http.MethodPost, "/0.2/pg_mgr/install/uninstall",
		map[string]interface{}{"id": "no-such-plugin"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

type fakeVerifier struct {
	mu   sync.Mutex
	acls []string
	info map[string]*TokenInfo
}

func (v *fakeVerifier) VerifyToken(_ context.Context, token, requiredACL string) (*TokenInfo, error) {
	v.mu.Lock()
	v.acls = append(v.acls, requiredACL)
	v.mu.Unlock()
	info, ok := v.info[token]
	if !ok {
		return nil, errors.New("invalid token")
	}
	return info, nil
}

func (v *fakeVerifier) ACLs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.acls...)
}

func TestRESTAuthentication(t *testing.T) {
	verifier := &fakeVerifier{info: map[string]*TokenInfo{
		"token-a": {TenantUUID: "tenant-a", Subtenants: []string{"tenant-a-sub"}},
	}}
	server, a := newTestServer(t, verifier)
	handler := server.Handler()

	// no token
	resp := doJSON(t, handler, http.MethodGet, "/0.2/dev_mgr/devices", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	// bad token
	resp = doJSON(t, handler, http.MethodGet, "/0.2/dev_mgr/devices", nil,
		map[string]string{"X-Auth-Token": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	auth := map[string]string{"X-Auth-Token": "token-a"}

	// inserted devices inherit the token tenant
	resp = doJSON(t, handler, http.MethodPost, "/0.2/dev_mgr/devices", map[string]interface{}{
		"device": map[string]interface{}{"mac": "aa:bb:cc:dd:ee:ff"},
	}, auth)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	id := decodeBody(t, resp)["id"].(string)
	device, err := a.DevRetrieve(id)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", device["tenant_uuid"])

	// the ACL template resolves route variables
	resp = doJSON(t, handler, http.MethodGet, "/0.2/dev_mgr/devices/"+id, nil, auth)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, verifier.ACLs(), fmt.Sprintf("provd.dev_mgr.devices.%s.read", id))

	// foreign-tenant devices stay invisible
	foreignID, err := a.DevInsert(persist.Document{"tenant_uuid": "tenant-b"})
	require.NoError(t, err)
	resp = doJSON(t, handler, http.MethodGet, "/0.2/dev_mgr/devices/"+foreignID, nil, auth)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = doJSON(t, handler, http.MethodGet, "/0.2/dev_mgr/devices", nil, auth)
	require.Equal(t, http.StatusOK, resp.Code)
	listed := decodeBody(t, resp)["devices"].([]interface{})
	require.Len(t, listed, 1)

	// a device in the engine tenant is claimed on first update
	provdID, err := a.DevInsert(persist.Document{"mac": "00:11:22:33:44:55"})
	require.NoError(t, err)
	resp = doJSON(t, handler, http.MethodPut, "/0.2/dev_mgr/devices/"+provdID, map[string]interface{}{
		"device": map[string]interface{}{"mac": "00:11:22:33:44:55", "vendor": "Aastra"},
	}, auth)
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())
	claimed, err := a.DevRetrieve(provdID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", claimed["tenant_uuid"])
}

func TestRESTDHCPInfo(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	resp := doJSON(t, handler, http.MethodPost, "/0.2/dev_mgr/dhcpinfo", map[string]interface{}{
		"dhcp_info": map[string]interface{}{
			"op":      "commit",
			"ip":      "10.0.1.20",
			"mac":     "aa:bb:cc:dd:ee:ff",
			"options": []string{"060.41.61"},
		},
	}, nil)
	assert.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	resp = doJSON(t, handler, http.MethodPost, "/0.2/dev_mgr/dhcpinfo", map[string]interface{}{
		"dhcp_info": map[string]interface{}{"op": "lease", "ip": "10.0.1.20"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, handler, http.MethodPost, "/0.2/dev_mgr/dhcpinfo", map[string]interface{}{
		"dhcp_info": map[string]interface{}{"op": "commit"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRESTStatus(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	resp := doJSON(t, handler, http.MethodGet, "/0.2/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["rest_api"])
	assert.Equal(t, "ok", body["dev_mgr"])
}
