package rest

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wazo-pbx/xivo-provisioning/pkg/operation"
	"github.com/wazo-pbx/xivo-provisioning/pkg/plugins"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

func (s *Server) readPluginID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		ID string `json:"id"`
	}
	if !readJSON(w, r, &body) {
		return "", false
	}
	if body.ID == "" {
		writeError(w, util.NewInvalidParameterError("id", "", "missing"))
		return "", false
	}
	return body.ID, true
}

// trackPackageOp hands a started package operation to an OIP
// collection and answers 201 with the operation Location.
func trackPackageOp(w http.ResponseWriter, ops *operationsResource, id string, done <-chan error, oip *operation.OIP) {
	go drainPackageOp(id, done)
	location := ops.track(oip, nil)
	writeCreated(w, location, id)
}

// drainPackageOp consumes the completion channel of an abandoned
// package operation so its goroutine can finish, logging the outcome.
func drainPackageOp(id string, done <-chan error) {
	if err := <-done; err != nil {
		util.WithPlugin(id).Errorf("package operation failed: %v", err)
	}
}

func (s *Server) installPlugin(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	id, ok := s.readPluginID(w, r)
	if !ok {
		return
	}
	done, oip, err := s.app.PgInstall(id)
	if err != nil {
		writeError(w, err)
		return
	}
	trackPackageOp(w, s.installOIPs, id, done, oip)
}

func (s *Server) upgradePlugin(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	id, ok := s.readPluginID(w, r)
	if !ok {
		return
	}
	done, oip, err := s.app.PgUpgrade(id)
	if err != nil {
		writeError(w, err)
		return
	}
	trackPackageOp(w, s.upgradeOIPs, id, done, oip)
}

func (s *Server) updateCatalog(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	done, oip, err := s.app.PgUpdate()
	if err != nil {
		writeError(w, err)
		return
	}
	trackPackageOp(w, s.updateOIPs, "catalog", done, oip)
}

func (s *Server) uninstallPlugin(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	id, ok := s.readPluginID(w, r)
	if !ok {
		return
	}
	if err := s.app.PgUninstall(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadPlugin(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	id, ok := s.readPluginID(w, r)
	if !ok {
		return
	}
	if err := s.app.PgReload(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pluginInfoToMap(info plugins.PluginInfo) map[string]interface{} {
	out := map[string]interface{}{
		"version":     info.Version,
		"description": info.Description,
	}
	if info.DescriptionFr != "" {
		out["description_fr"] = info.DescriptionFr
	}
	if len(info.Capabilities) != 0 {
		out["capabilities"] = info.Capabilities
	}
	return out
}

func (s *Server) listInstalledPlugins(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	infos, err := s.app.PluginManager().ListInstalled()
	if err != nil {
		writeError(w, err)
		return
	}
	pkgs := make(map[string]interface{}, len(infos))
	for _, info := range infos {
		pkgs[info.ID] = pluginInfoToMap(info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pkgs": pkgs})
}

func (s *Server) listInstallablePlugins(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	entries, err := s.app.PluginManager().ListInstallable()
	if err != nil {
		writeError(w, err)
		return
	}
	pkgs := make(map[string]interface{}, len(entries))
	for _, entry := range entries {
		pkgs[entry.ID] = map[string]interface{}{
			"version":     entry.Version,
			"description": entry.Description,
			"filename":    entry.Filename,
			"dsize":       entry.DSize,
			"sha1sum":     entry.SHA1Sum,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pkgs": pkgs})
}

func (s *Server) listLoadedPlugins(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	ids := s.app.PluginManager().ListLoaded()
	pgs := make(map[string]interface{}, len(ids))
	for _, id := range ids {
		pgs[id] = map[string]interface{}{
			"links": []map[string]string{
				{"rel": "pg.info", "href": fmt.Sprintf("%s/pg_mgr/plugins/%s/info", APIVersion, id)},
			},
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pgs": pgs})
}

func (s *Server) getPluginInfo(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	pid := mux.Vars(r)["pid"]
	info, err := s.app.PluginManager().Info(pid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plugin_info": pluginInfoToMap(info)})
}

// loadedPlugin resolves a path pid to a loaded plugin, or answers 404.
func (s *Server) loadedPlugin(w http.ResponseWriter, pid string) (plugins.Plugin, bool) {
	plugin := s.app.PluginManager().Get(pid)
	if plugin == nil {
		writeError(w, fmt.Errorf("plugin %s: %w", pid, util.ErrNotLoaded))
		return nil, false
	}
	return plugin, true
}

func (s *Server) pluginInstallService(w http.ResponseWriter, pid string) (plugins.InstallService, bool) {
	plugin, ok := s.loadedPlugin(w, pid)
	if !ok {
		return nil, false
	}
	installable, ok := plugin.(plugins.InstallableService)
	if !ok {
		writeError(w, util.NewInvalidIDError("service", pid+"/install"))
		return nil, false
	}
	return installable.InstallService(), true
}

func (s *Server) installPluginPackage(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	pid := mux.Vars(r)["pid"]
	svc, ok := s.pluginInstallService(w, pid)
	if !ok {
		return
	}
	id, ok := s.readPluginID(w, r)
	if !ok {
		return
	}
	done, oip, err := svc.Install(id)
	if err != nil {
		writeError(w, err)
		return
	}
	go drainPackageOp(id, done)
	basePath := fmt.Sprintf("%s/pg_mgr/plugins/%s/install/install", APIVersion, pid)
	writeCreated(w, s.pluginOIPs.trackAt(basePath, oip, nil), id)
}

func (s *Server) uninstallPluginPackage(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	svc, ok := s.pluginInstallService(w, mux.Vars(r)["pid"])
	if !ok {
		return
	}
	id, ok := s.readPluginID(w, r)
	if !ok {
		return
	}
	if err := svc.Uninstall(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPluginPackages(installed bool) authenticatedHandler {
	return func(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
		svc, ok := s.pluginInstallService(w, mux.Vars(r)["pid"])
		if !ok {
			return
		}
		list := svc.ListInstallable
		if installed {
			list = svc.ListInstalled
		}
		pkgs, err := list()
		if err != nil {
			writeError(w, err)
			return
		}
		out := make(map[string]interface{}, len(pkgs))
		for id, doc := range pkgs {
			out[id] = map[string]interface{}(doc)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"pkgs": out})
	}
}
