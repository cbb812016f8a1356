package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/operation"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request, info *TokenInfo) {
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
	if tenants := s.visibleTenants(info, query.Get("recurse") == "true"); tenants != nil {
		if selector == nil {
			selector = persist.Selector{}
		}
		selector["tenant_uuid"] = map[string]interface{}{"$in": toInterfaces(tenants)}
	}
	found, err := s.app.DevFindOptions(selector, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": documentsToMaps(found)})
}

func (s *Server) insertDevice(w http.ResponseWriter, r *http.Request, info *TokenInfo) {
	var body struct {
		Device map[string]interface{} `json:"device"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Device == nil {
		writeError(w, util.NewInvalidParameterError("device", nil, "missing"))
		return
	}
	device := persist.Document(body.Device)
	if info != nil {
		if _, ok := device["tenant_uuid"]; !ok {
			device["tenant_uuid"] = info.TenantUUID
		}
	}
	id, err := s.app.DevInsert(device)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, APIVersion+"/dev_mgr/devices/"+id, id)
}

// visibleDevice fetches a device and enforces the caller's tenant
// visibility.
func (s *Server) visibleDevice(id string, info *TokenInfo) (persist.Document, error) {
	device, err := s.app.DevRetrieve(id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, util.NewInvalidIDError("device", id)
	}
	if info != nil {
		if err := s.app.CheckTenantValidForDevice(device, info.TenantUUID); err != nil {
			return nil, err
		}
	}
	return device, nil
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request, info *TokenInfo) {
	device, err := s.visibleDevice(mux.Vars(r)["id"], info)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"device": map[string]interface{}(device)})
}

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request, info *TokenInfo) {
	id := mux.Vars(r)["id"]
	var body struct {
		Device map[string]interface{} `json:"device"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Device == nil {
		writeError(w, util.NewInvalidParameterError("device", nil, "missing"))
		return
	}
	device := persist.Document(body.Device)
	device.SetID(id)

	existing, err := s.app.DevRetrieve(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing == nil {
		writeError(w, util.NewInvalidIDError("device", id))
		return
	}
	if info != nil {
		// an autoprovisioned device is claimed by the first tenant
		// that touches it
		if s.app.IsDeviceInProvdTenant(existing) {
			device["tenant_uuid"] = info.TenantUUID
		} else if err := s.app.CheckTenantValidForDevice(existing, info.TenantUUID); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.app.DevUpdate(device, nil); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request, info *TokenInfo) {
	id := mux.Vars(r)["id"]
	if _, err := s.visibleDevice(id, info); err != nil {
		writeError(w, err)
		return
	}
	if err := s.app.DevDelete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) synchronizeDevice(w http.ResponseWriter, r *http.Request, info *TokenInfo) {
	var body struct {
		ID string `json:"id"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if _, err := s.visibleDevice(body.ID, info); err != nil {
		writeError(w, err)
		return
	}
	oip := operation.New("synchronize")
	go func() {
		if err := s.app.DevSynchronize(body.ID); err != nil {
			util.WithDevice(body.ID).Errorf("synchronize failed: %v", err)
			oip.Fail()
		} else {
			oip.Success()
		}
	}()
	location := s.syncOIPs.track(oip, nil)
	writeCreated(w, location, body.ID)
}

func (s *Server) reconfigureDevice(w http.ResponseWriter, r *http.Request, info *TokenInfo) {
	var body struct {
		ID string `json:"id"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if _, err := s.visibleDevice(body.ID, info); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.app.DevReconfigure(body.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pushDHCPInfo(w http.ResponseWriter, r *http.Request, _ *TokenInfo) {
	var body struct {
		DHCPInfo struct {
			Op      string   `json:"op"`
			IP      string   `json:"ip"`
			MAC     string   `json:"mac"`
			Options []string `json:"options"`
		} `json:"dhcp_info"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	op := devices.DHCPOp(body.DHCPInfo.Op)
	switch op {
	case devices.DHCPOpCommit, devices.DHCPOpExpiry, devices.DHCPOpRelease:
	default:
		writeError(w, util.NewInvalidParameterError("op", body.DHCPInfo.Op, "unknown operation"))
		return
	}
	if body.DHCPInfo.IP == "" {
		writeError(w, util.NewInvalidParameterError("ip", "", "missing"))
		return
	}
	options, err := decodeDHCPOptions(body.DHCPInfo.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	dhcpInfo := devices.DHCPInfo{
		Op:      op,
		IP:      body.DHCPInfo.IP,
		MAC:     body.DHCPInfo.MAC,
		Options: options,
	}
	if s.dhcp != nil {
		// lease processing must not delay the DHCP server
		go s.dhcp.HandleDHCPInfo(dhcpInfo)
	}
	w.WriteHeader(http.StatusNoContent)
}

func documentsToMaps(docs []persist.Document) []map[string]interface{} {
	out := make([]map[string]interface{}, len(docs))
	for i, doc := range docs {
		out[i] = map[string]interface{}(doc)
	}
	return out
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
