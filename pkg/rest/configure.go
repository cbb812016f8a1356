package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wazo-pbx/xivo-provisioning/pkg/plugins"
	"github.com/wazo-pbx/xivo-provisioning/pkg/services"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

func listParametersOf(w http.ResponseWriter, svc services.ConfigureService, basePath string) {
	params := svc.Parameters()
	out := make([]map[string]interface{}, 0, len(params))
	for _, param := range params {
		value, err := svc.Get(param.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, map[string]interface{}{
			"id":          param.Name,
			"value":       value,
			"description": param.LocalizedDescription(),
			"links": []map[string]string{
				{"rel": "configure.param", "href": basePath + "/" + param.Name},
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"params": out})
}

func getParameterOf(w http.ResponseWriter, svc services.ConfigureService, name string) {
	value, err := svc.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"param": map[string]interface{}{"value": value},
	})
}

func setParameterOf(w http.ResponseWriter, r *http.Request, svc services.ConfigureService, name string) {
	var body struct {
		Param struct {
			Value *string `json:"value"`
		} `json:"param"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	var value string
	if body.Param.Value != nil {
		value = *body.Param.Value
	}
	if err := svc.Set(name, value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listParameters(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	listParametersOf(w, s.app.ConfigureService(), APIVersion+"/configure")
}

func (s *Server) getParameter(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	getParameterOf(w, s.app.ConfigureService(), mux.Vars(r)["name"])
}

func (s *Server) setParameter(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	setParameterOf(w, r, s.app.ConfigureService(), mux.Vars(r)["name"])
}

func (s *Server) pluginConfigureService(w http.ResponseWriter, pid string) (services.ConfigureService, bool) {
	plugin, ok := s.loadedPlugin(w, pid)
	if !ok {
		return nil, false
	}
	configurable, ok := plugin.(plugins.ConfigurableService)
	if !ok {
		writeError(w, util.NewInvalidIDError("service", pid+"/configure"))
		return nil, false
	}
	return configurable.ConfigureService(), true
}

func (s *Server) listPluginParameters(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	pid := mux.Vars(r)["pid"]
	svc, ok := s.pluginConfigureService(w, pid)
	if !ok {
		return
	}
	listParametersOf(w, svc, APIVersion+"/pg_mgr/plugins/"+pid+"/configure")
}

func (s *Server) getPluginParameter(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	svc, ok := s.pluginConfigureService(w, mux.Vars(r)["pid"])
	if !ok {
		return
	}
	getParameterOf(w, svc, mux.Vars(r)["name"])
}

func (s *Server) setPluginParameter(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	svc, ok := s.pluginConfigureService(w, mux.Vars(r)["pid"])
	if !ok {
		return
	}
	setParameterOf(w, r, svc, mux.Vars(r)["name"])
}
