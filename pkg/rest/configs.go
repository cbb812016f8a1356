package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	query := r.URL.Query()
	selector, err := parseSelector(query)
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := parseFindOptions(query)
	if err != nil {
		writeError(w, err)
		return
	}
	found, err := s.app.CfgFind(selector, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"configs": documentsToMaps(found)})
}

func (s *Server) insertConfig(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	var body struct {
		Config map[string]interface{} `json:"config"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Config == nil {
		writeError(w, util.NewInvalidParameterError("config", nil, "missing"))
		return
	}
	id, err := s.app.CfgInsert(persist.Document(body.Config))
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, APIVersion+"/cfg_mgr/configs/"+id, id)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	id := mux.Vars(r)["id"]
	config, err := s.app.CfgRetrieve(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if config == nil {
		writeError(w, util.NewInvalidIDError("config", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"config": map[string]interface{}(config)})
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	id := mux.Vars(r)["id"]
	var body struct {
		Config map[string]interface{} `json:"config"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Config == nil {
		writeError(w, util.NewInvalidParameterError("config", nil, "missing"))
		return
	}
	config := persist.Document(body.Config)
	config.SetID(id)
	if err := s.app.CfgUpdate(config); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	if err := s.app.CfgDelete(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRawConfig(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	id := mux.Vars(r)["id"]
	raw, err := s.app.CfgRetrieveRawConfig(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if raw == nil {
		writeError(w, util.NewInvalidIDError("config", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"raw_config": map[string]interface{}(raw)})
}

func (s *Server) autocreateConfig(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	id, err := s.app.CfgCreateNew()
	if err != nil {
		writeError(w, err)
		return
	}
	if id == "" {
		writeError(w, util.NewInvalidParameterError("autocreate", nil, "no autocreate config template"))
		return
	}
	writeCreated(w, APIVersion+"/cfg_mgr/configs/"+id, id)
}
