// Package rest exposes the provisioning application over HTTP: the
// device, config and plugin manager resources, the engine configure
// parameters and the long-running operation sub-resources. Routes live
// under the /0.2 version prefix and exchange documents in the provd
// JSON media type.
package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wazo-pbx/xivo-provisioning/pkg/app"
	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/version"
)

// APIVersion is the URL prefix of the current API generation.
const APIVersion = "/0.2"

// ServerConfig parameterizes the REST server.
type ServerConfig struct {
	// Verifier authenticates X-Auth-Token values. A nil verifier
	// disables authentication and tenant filtering.
	Verifier Verifier

	// DHCPService receives decoded DHCP lease events. Nil drops them.
	DHCPService *devices.DHCPRequestProcessingService
}

// Server is the REST facade over the provisioning application.
type Server struct {
	app  *app.App
	auth *authenticator
	dhcp *devices.DHCPRequestProcessingService

	syncOIPs    *operationsResource
	installOIPs *operationsResource
	upgradeOIPs *operationsResource
	updateOIPs  *operationsResource
	pluginOIPs  *operationsResource
}

// NewServer creates a REST server over a.
func NewServer(a *app.App, cfg ServerConfig) *Server {
	return &Server{
		app:         a,
		auth:        newAuthenticator(cfg.Verifier),
		dhcp:        cfg.DHCPService,
		syncOIPs:    newOperationsResource(APIVersion + "/dev_mgr/synchronize"),
		installOIPs: newOperationsResource(APIVersion + "/pg_mgr/install/install"),
		upgradeOIPs: newOperationsResource(APIVersion + "/pg_mgr/install/upgrade"),
		updateOIPs:  newOperationsResource(APIVersion + "/pg_mgr/install/update"),
		pluginOIPs:  newOperationsResource(APIVersion + "/pg_mgr/plugins"),
	}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	root := mux.NewRouter()
	r := root.PathPrefix(APIVersion).Subrouter()
	r.Use(mediaTypeMiddleware)

	s.handle(r, "/status", "provd.status.read", s.getStatus).Methods(http.MethodGet)

	s.handle(r, "/configure", "provd.configure.read", s.listParameters).Methods(http.MethodGet)
	s.handle(r, "/configure/{name}", "provd.configure.{name}.read", s.getParameter).Methods(http.MethodGet)
	s.handle(r, "/configure/{name}", "provd.configure.{name}.update", s.setParameter).Methods(http.MethodPut)

	s.handle(r, "/dev_mgr/devices", "provd.dev_mgr.devices.read", s.listDevices).Methods(http.MethodGet)
	s.handle(r, "/dev_mgr/devices", "provd.dev_mgr.devices.create", s.insertDevice).Methods(http.MethodPost)
	s.handle(r, "/dev_mgr/devices/{id}", "provd.dev_mgr.devices.{id}.read", s.getDevice).Methods(http.MethodGet)
	s.handle(r, "/dev_mgr/devices/{id}", "provd.dev_mgr.devices.{id}.update", s.updateDevice).Methods(http.MethodPut)
	s.handle(r, "/dev_mgr/devices/{id}", "provd.dev_mgr.devices.{id}.delete", s.deleteDevice).Methods(http.MethodDelete)
	s.handle(r, "/dev_mgr/synchronize", "provd.dev_mgr.synchronize.create", s.synchronizeDevice).Methods(http.MethodPost)
	s.oipRoutes(r, "/dev_mgr/synchronize", "provd.dev_mgr.synchronize", s.syncOIPs)
	s.handle(r, "/dev_mgr/reconfigure", "provd.dev_mgr.reconfigure.create", s.reconfigureDevice).Methods(http.MethodPost)
	s.handle(r, "/dev_mgr/dhcpinfo", "provd.dev_mgr.dhcpinfo.create", s.pushDHCPInfo).Methods(http.MethodPost)

	s.handle(r, "/cfg_mgr/configs", "provd.cfg_mgr.configs.read", s.listConfigs).Methods(http.MethodGet)
	s.handle(r, "/cfg_mgr/configs", "provd.cfg_mgr.configs.create", s.insertConfig).Methods(http.MethodPost)
	s.handle(r, "/cfg_mgr/configs/{id}", "provd.cfg_mgr.configs.{id}.read", s.getConfig).Methods(http.MethodGet)
	s.handle(r, "/cfg_mgr/configs/{id}", "provd.cfg_mgr.configs.{id}.update", s.updateConfig).Methods(http.MethodPut)
	s.handle(r, "/cfg_mgr/configs/{id}", "provd.cfg_mgr.configs.{id}.delete", s.deleteConfig).Methods(http.MethodDelete)
	s.handle(r, "/cfg_mgr/configs/{id}/raw", "provd.cfg_mgr.configs.{id}.raw.read", s.getRawConfig).Methods(http.MethodGet)
	s.handle(r, "/cfg_mgr/autocreate", "provd.cfg_mgr.autocreate.create", s.autocreateConfig).Methods(http.MethodPost)

	s.handle(r, "/pg_mgr/install/install", "provd.pg_mgr.install.install.create", s.installPlugin).Methods(http.MethodPost)
	s.oipRoutes(r, "/pg_mgr/install/install", "provd.pg_mgr.install.install", s.installOIPs)
	s.handle(r, "/pg_mgr/install/upgrade", "provd.pg_mgr.install.upgrade.create", s.upgradePlugin).Methods(http.MethodPost)
	s.oipRoutes(r, "/pg_mgr/install/upgrade", "provd.pg_mgr.install.upgrade", s.upgradeOIPs)
	s.handle(r, "/pg_mgr/install/update", "provd.pg_mgr.install.update.create", s.updateCatalog).Methods(http.MethodPost)
	s.oipRoutes(r, "/pg_mgr/install/update", "provd.pg_mgr.install.update", s.updateOIPs)
	s.handle(r, "/pg_mgr/install/uninstall", "provd.pg_mgr.install.uninstall.create", s.uninstallPlugin).Methods(http.MethodPost)
	s.handle(r, "/pg_mgr/install/installed", "provd.pg_mgr.install.installed.read", s.listInstalledPlugins).Methods(http.MethodGet)
	s.handle(r, "/pg_mgr/install/installable", "provd.pg_mgr.install.installable.read", s.listInstallablePlugins).Methods(http.MethodGet)
	s.handle(r, "/pg_mgr/plugins", "provd.pg_mgr.plugins.read", s.listLoadedPlugins).Methods(http.MethodGet)
	s.handle(r, "/pg_mgr/plugins/{pid}/info", "provd.pg_mgr.plugins.{pid}.info.read", s.getPluginInfo).Methods(http.MethodGet)
	s.handle(r, "/pg_mgr/plugins/{pid}/configure", "provd.pg_mgr.plugins.{pid}.configure.read", s.listPluginParameters).Methods(http.MethodGet)
	s.handle(r, "/pg_mgr/plugins/{pid}/configure/{name}", "provd.pg_mgr.plugins.{pid}.configure.{name}.read", s.getPluginParameter).Methods(http.MethodGet)
	s.handle(r, "/pg_mgr/plugins/{pid}/configure/{name}", "provd.pg_mgr.plugins.{pid}.configure.{name}.update", s.setPluginParameter).Methods(http.MethodPut)
	s.handle(r, "/pg_mgr/plugins/{pid}/install/install", "provd.pg_mgr.plugins.{pid}.install.install.create", s.installPluginPackage).Methods(http.MethodPost)
	s.oipRoutes(r, "/pg_mgr/plugins/{pid}/install/install", "provd.pg_mgr.plugins.{pid}.install.install", s.pluginOIPs)
	s.handle(r, "/pg_mgr/plugins/{pid}/install/uninstall", "provd.pg_mgr.plugins.{pid}.install.uninstall.create", s.uninstallPluginPackage).Methods(http.MethodPost)
	s.handle(r, "/pg_mgr/plugins/{pid}/install/installed", "provd.pg_mgr.plugins.{pid}.install.installed.read", s.listPluginPackages(true)).Methods(http.MethodGet)
	s.handle(r, "/pg_mgr/plugins/{pid}/install/installable", "provd.pg_mgr.plugins.{pid}.install.installable.read", s.listPluginPackages(false)).Methods(http.MethodGet)
	s.handle(r, "/pg_mgr/reload", "provd.pg_mgr.reload.create", s.reloadPlugin).Methods(http.MethodPost)

	return root
}

// handle registers one authenticated route. The ACL template may carry
// {var} placeholders resolved from the route variables.
func (s *Server) handle(r *mux.Router, path, acl string, h authenticatedHandler) *mux.Route {
	return r.HandleFunc(path, s.auth.wrap(acl, h))
}

// oipRoutes mounts the GET/DELETE sub-resources of one asynchronous
// operation collection.
func (s *Server) oipRoutes(r *mux.Router, path, aclPrefix string, ops *operationsResource) {
	s.handle(r, path+"/{oip}", aclPrefix+".{oip}.read", func(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
		ops.get(w, r)
	}).Methods(http.MethodGet)
	s.handle(r, path+"/{oip}", aclPrefix+".{oip}.delete", func(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
		ops.delete(w, r)
	}).Methods(http.MethodDelete)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rest_api": "ok",
		"dev_mgr":  "ok",
		"cfg_mgr":  "ok",
		"pg_mgr":   "ok",
		"version":  version.Version,
	})
}
