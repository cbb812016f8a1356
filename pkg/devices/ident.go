package devices

import (
	"net"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/security"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// RequestType identifies the transport a phone request came in on.
type RequestType string

const (
	RequestTypeHTTP RequestType = "http"
	RequestTypeTFTP RequestType = "tftp"
	RequestTypeDHCP RequestType = "dhcp"
)

// DHCPOp is the lease event reported by the DHCP helper.
type DHCPOp string

const (
	DHCPOpCommit  DHCPOp = "commit"
	DHCPOpExpiry  DHCPOp = "expiry"
	DHCPOpRelease DHCPOp = "release"
)

// DHCPInfo is one observation relayed from the DHCP server. Options maps
// option codes to their raw byte strings.
type DHCPInfo struct {
	Op      DHCPOp
	IP      string
	MAC     string
	Options map[int]string
}

// Request is a phone request as seen by the identification pipeline.
// Filename is the path of the requested file for http and tftp requests.
// DHCP is set for dhcp requests only.
type Request struct {
	Type      RequestType
	IP        string
	Filename  string
	UserAgent string
	DHCP      *DHCPInfo
}

// InfoExtractor pulls device information out of a request. Extractors
// return nil when the request tells them nothing.
type InfoExtractor interface {
	Extract(req Request) map[string]interface{}
}

// DeviceRetriever maps extracted device information to a device
// document. A nil device with a nil error means no match.
type DeviceRetriever interface {
	Retrieve(devInfo map[string]interface{}) (persist.Document, error)
}

// DeviceUpdater folds freshly extracted information into a retrieved
// device document, mutating it in place.
type DeviceUpdater interface {
	Update(device persist.Document, devInfo map[string]interface{}, req Request) error
}

// PreUpdateHook runs inside the device update path, after the device's
// config has been fetched and before the document is persisted.
type PreUpdateHook func(device, config persist.Document)

// Application is the part of the provisioning application the
// identification pipeline depends on.
type Application interface {
	NAT() int
	DevFind(selector persist.Selector) ([]persist.Document, error)
	DevFindOne(selector persist.Selector) (persist.Document, error)
	DevInsert(device persist.Document) (string, error)
	DevUpdate(device persist.Document, hook PreUpdateHook) error
	CfgRetrieve(id string) (persist.Document, error)
}

// Plugin is the view of a loaded plugin the pipeline works with.
type Plugin interface {
	ID() string
	DeviceInfoExtractor(reqType RequestType) InfoExtractor
	Associator() Associator
	HTTPService() http.Handler
}

// PluginSource exposes the currently loaded plugins. LoadedPlugins
// returns them sorted by id.
type PluginSource interface {
	LoadedPlugins() []Plugin
	LoadedPlugin(id string) Plugin
}

// RemoteStateTrigger is implemented by plugins whose devices report
// their state by fetching a device-specific file.
type RemoteStateTrigger interface {
	RemoteStateTriggerFilename(device persist.Document) string
}

// SensitiveFileChecker is implemented by plugins that serve files whose
// retrieval is worth a security log entry.
type SensitiveFileChecker interface {
	IsSensitiveFilename(filename string) bool
}

// InfoMerger combines the partial results of several extractors into one
// device info mapping.
type InfoMerger interface {
	Merge(infos []map[string]interface{}) map[string]interface{}
}

// LastSeenMerger keeps, for each key, the value seen last.
type LastSeenMerger struct{}

func (LastSeenMerger) Merge(infos []map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}
	for _, info := range infos {
		for key, value := range info {
			merged[key] = value
		}
	}
	return merged
}

// VotingMerger keeps, for each key, the value reported most often. A key
// whose top values are tied is left unset.
type VotingMerger struct{}

func (VotingMerger) Merge(infos []map[string]interface{}) map[string]interface{} {
	votes := map[string]map[interface{}]int{}
	for _, info := range infos {
		for key, value := range info {
			if votes[key] == nil {
				votes[key] = map[interface{}]int{}
			}
			votes[key][value]++
		}
	}
	merged := map[string]interface{}{}
	for key, counts := range votes {
		var winner interface{}
		best, tied := 0, false
		for value, count := range counts {
			switch {
			case count > best:
				winner, best, tied = value, count, false
			case count == best:
				tied = true
			}
		}
		if !tied {
			merged[key] = winner
		}
	}
	return merged
}

// CompositeInfoExtractor runs every extractor over the request and
// merges the non-empty results.
type CompositeInfoExtractor struct {
	Merger     InfoMerger
	Extractors []InfoExtractor
}

func (e *CompositeInfoExtractor) Extract(req Request) map[string]interface{} {
	var infos []map[string]interface{}
	for _, extractor := range e.Extractors {
		if info := extractor.Extract(req); len(info) > 0 {
			infos = append(infos, info)
		}
	}
	if len(infos) == 0 {
		return nil
	}
	return e.Merger.Merge(infos)
}

// StandardInfoExtractor returns the information every request carries on
// its own: the source IP, plus the MAC address for DHCP commits.
type StandardInfoExtractor struct{}

func (StandardInfoExtractor) Extract(req Request) map[string]interface{} {
	info := map[string]interface{}{}
	if req.IP != "" {
		info["ip"] = req.IP
	}
	if req.Type == RequestTypeDHCP && req.DHCP != nil && req.DHCP.MAC != "" {
		info["mac"] = req.DHCP.MAC
	}
	if len(info) == 0 {
		return nil
	}
	return info
}

// AllPluginsExtractor runs the extractor each loaded plugin provides for
// the request type and merges their results.
type AllPluginsExtractor struct {
	Merger  InfoMerger
	Plugins PluginSource
}

func (e *AllPluginsExtractor) Extract(req Request) map[string]interface{} {
	composite := CompositeInfoExtractor{Merger: e.Merger}
	for _, plugin := range e.Plugins.LoadedPlugins() {
		if extractor := plugin.DeviceInfoExtractor(req.Type); extractor != nil {
			composite.Extractors = append(composite.Extractors, extractor)
		}
	}
	return composite.Extract(req)
}

// SearchDeviceRetriever finds the device whose stored key equals the
// extracted one.
type SearchDeviceRetriever struct {
	app Application
	key string
}

func NewSearchDeviceRetriever(app Application, key string) *SearchDeviceRetriever {
	return &SearchDeviceRetriever{app: app, key: key}
}

// NewMACDeviceRetriever retrieves devices by exact MAC match.
func NewMACDeviceRetriever(app Application) *SearchDeviceRetriever {
	return NewSearchDeviceRetriever(app, "mac")
}

// NewSerialNumberDeviceRetriever retrieves devices by serial number.
func NewSerialNumberDeviceRetriever(app Application) *SearchDeviceRetriever {
	return NewSearchDeviceRetriever(app, "sn")
}

// NewIPDeviceRetriever retrieves devices by exact IP match.
func NewIPDeviceRetriever(app Application) *SearchDeviceRetriever {
	return NewSearchDeviceRetriever(app, "ip")
}

func (r *SearchDeviceRetriever) Retrieve(devInfo map[string]interface{}) (persist.Document, error) {
	value, ok := devInfo[r.key]
	if !ok {
		return nil, nil
	}
	return r.app.DevFindOne(persist.Selector{r.key: value})
}

// AddDeviceRetriever auto-creates a device bearing the observed fields.
// It never fails: an insert error only means no device was retrieved.
type AddDeviceRetriever struct {
	app Application
}

func NewAddDeviceRetriever(app Application) *AddDeviceRetriever {
	return &AddDeviceRetriever{app: app}
}

func (r *AddDeviceRetriever) Retrieve(devInfo map[string]interface{}) (persist.Document, error) {
	device := persist.Document{}
	for key, value := range devInfo {
		device[key] = value
	}
	device["added"] = "auto"
	if _, err := r.app.DevInsert(device); err != nil {
		util.Debugf("ident: could not auto-create device: %v", err)
		return nil, nil
	}
	if ip, _ := device["ip"].(string); ip != "" {
		security.LogDeviceAddedAuto(ip, device.ID())
	}
	return device, nil
}

// FirstCompositeDeviceRetriever tries each retriever in turn and returns
// the first device found.
type FirstCompositeDeviceRetriever struct {
	Retrievers []DeviceRetriever
}

func NewFirstCompositeDeviceRetriever(retrievers ...DeviceRetriever) *FirstCompositeDeviceRetriever {
	return &FirstCompositeDeviceRetriever{Retrievers: retrievers}
}

func (r *FirstCompositeDeviceRetriever) Retrieve(devInfo map[string]interface{}) (persist.Document, error) {
	for _, retriever := range r.Retrievers {
		device, err := retriever.Retrieve(devInfo)
		if err != nil {
			return nil, err
		}
		if device != nil {
			return device, nil
		}
	}
	return nil, nil
}

// NullDeviceUpdater leaves the device untouched.
type NullDeviceUpdater struct{}

func (NullDeviceUpdater) Update(persist.Document, map[string]interface{}, Request) error {
	return nil
}

// DynamicDeviceUpdater copies the listed keys from the extracted info
// into the device. Keys already present are only overwritten when
// forceUpdate is set.
type DynamicDeviceUpdater struct {
	keys        []string
	forceUpdate bool
}

func NewDynamicDeviceUpdater(keys []string, forceUpdate bool) *DynamicDeviceUpdater {
	return &DynamicDeviceUpdater{keys: append([]string(nil), keys...), forceUpdate: forceUpdate}
}

func (u *DynamicDeviceUpdater) Update(device persist.Document, devInfo map[string]interface{}, _ Request) error {
	for _, key := range u.keys {
		value, ok := devInfo[key]
		if !ok {
			continue
		}
		if _, present := device[key]; u.forceUpdate || !present {
			device[key] = value
		}
	}
	return nil
}

// AddInfoDeviceUpdater copies every extracted key the device does not
// already carry.
type AddInfoDeviceUpdater struct{}

func (AddInfoDeviceUpdater) Update(device persist.Document, devInfo map[string]interface{}, _ Request) error {
	for key, value := range devInfo {
		if _, present := device[key]; !present {
			device[key] = value
		}
	}
	return nil
}

// RemoveOutdatedIPDeviceUpdater clears the ip of any other device still
// claiming the requester's address. Inert when NAT is enabled, since a
// shared public address is then expected.
type RemoveOutdatedIPDeviceUpdater struct {
	app Application
}

func NewRemoveOutdatedIPDeviceUpdater(app Application) *RemoveOutdatedIPDeviceUpdater {
	return &RemoveOutdatedIPDeviceUpdater{app: app}
}

func (u *RemoveOutdatedIPDeviceUpdater) Update(device persist.Document, devInfo map[string]interface{}, _ Request) error {
	if u.app.NAT() != 0 {
		return nil
	}
	ip, ok := devInfo["ip"]
	if !ok {
		return nil
	}
	selector := persist.Selector{
		"ip":          ip,
		persist.IDKey: map[string]interface{}{"$ne": device.ID()},
	}
	outdated, err := u.app.DevFind(selector)
	if err != nil {
		return err
	}
	for _, other := range outdated {
		delete(other, "ip")
		if err := u.app.DevUpdate(other, nil); err != nil {
			return err
		}
	}
	return nil
}

// PluginAssociatorDeviceUpdater scores the extracted info against every
// loaded plugin's associator and sets the device's plugin to the best
// scoring one, when the score reaches MinLevel. An already associated
// device is only re-associated when ForceUpdate is set.
type PluginAssociatorDeviceUpdater struct {
	ForceUpdate bool
	MinLevel    SupportLevel

	plugins PluginSource
}

func NewPluginAssociatorDeviceUpdater(plugins PluginSource) *PluginAssociatorDeviceUpdater {
	return &PluginAssociatorDeviceUpdater{MinLevel: ProbableSupport, plugins: plugins}
}

func (u *PluginAssociatorDeviceUpdater) Update(device persist.Document, devInfo map[string]interface{}, _ Request) error {
	pluginID := u.bestPlugin(devInfo)
	if pluginID == "" {
		return nil
	}
	if _, present := device["plugin"]; u.ForceUpdate || !present {
		device["plugin"] = pluginID
	}
	return nil
}

func (u *PluginAssociatorDeviceUpdater) bestPlugin(devInfo map[string]interface{}) string {
	bestID := ""
	bestLevel := NoSupport
	for _, plugin := range u.plugins.LoadedPlugins() {
		associator := plugin.Associator()
		if associator == nil {
			continue
		}
		if level := associator.Associate(devInfo); level > bestLevel {
			bestID, bestLevel = plugin.ID(), level
		}
	}
	if bestLevel < u.MinLevel {
		return ""
	}
	return bestID
}

// CompositeDeviceUpdater applies each updater in order.
type CompositeDeviceUpdater struct {
	Updaters []DeviceUpdater
}

func NewCompositeDeviceUpdater(updaters ...DeviceUpdater) *CompositeDeviceUpdater {
	return &CompositeDeviceUpdater{Updaters: updaters}
}

func (u *CompositeDeviceUpdater) Update(device persist.Document, devInfo map[string]interface{}, req Request) error {
	for _, updater := range u.Updaters {
		if err := updater.Update(device, devInfo, req); err != nil {
			return err
		}
	}
	return nil
}

// RequestProcessingService runs the extract, retrieve and update steps
// over each incoming request and yields the device the request belongs
// to and the plugin that should serve it.
type RequestProcessingService struct {
	app       Application
	plugins   PluginSource
	extractor InfoExtractor
	retriever DeviceRetriever
	updater   DeviceUpdater

	requestCount uint64
}

func NewRequestProcessingService(app Application, plugins PluginSource, extractor InfoExtractor, retriever DeviceRetriever, updater DeviceUpdater) *RequestProcessingService {
	return &RequestProcessingService{
		app:       app,
		plugins:   plugins,
		extractor: extractor,
		retriever: retriever,
		updater:   updater,
	}
}

// NewStandardRequestProcessingService assembles the default pipeline:
// vote-merged extraction over the standard fields and every loaded
// plugin, retrieval by MAC then serial number then IP with auto-creation
// as a last resort, and the update chain that keeps IPs current and
// associates plugins.
func NewStandardRequestProcessingService(app Application, plugins PluginSource) *RequestProcessingService {
	extractor := &CompositeInfoExtractor{
		Merger: VotingMerger{},
		Extractors: []InfoExtractor{
			StandardInfoExtractor{},
			&AllPluginsExtractor{Merger: VotingMerger{}, Plugins: plugins},
		},
	}
	retriever := NewFirstCompositeDeviceRetriever(
		NewMACDeviceRetriever(app),
		NewSerialNumberDeviceRetriever(app),
		NewIPDeviceRetriever(app),
		NewAddDeviceRetriever(app),
	)
	updater := NewCompositeDeviceUpdater(
		NewRemoveOutdatedIPDeviceUpdater(app),
		NewDynamicDeviceUpdater([]string{"ip"}, true),
		AddInfoDeviceUpdater{},
		NewPluginAssociatorDeviceUpdater(plugins),
	)
	return NewRequestProcessingService(app, plugins, extractor, retriever, updater)
}

// Process runs the pipeline over one request. It returns the device the
// request was matched to, or nil, and the id of the plugin serving the
// device, or the empty string.
func (s *RequestProcessingService) Process(req Request) (persist.Document, string, error) {
	num := atomic.AddUint64(&s.requestCount, 1)
	logger := util.WithFields(map[string]interface{}{
		"request": num,
		"type":    string(req.Type),
		"ip":      req.IP,
	})
	devInfo := s.extractor.Extract(req)
	if len(devInfo) == 0 {
		logger.Debug("no device info extracted")
		devInfo = map[string]interface{}{}
	} else {
		logger.Debugf("extracted device info: %v", devInfo)
	}
	device, err := s.retriever.Retrieve(devInfo)
	if err != nil {
		return nil, "", err
	}
	if device == nil {
		logger.Debug("no device retrieved")
	} else {
		logger.Debugf("retrieved device %s", device.ID())
	}
	if err := s.updateDevice(device, devInfo, req); err != nil {
		return nil, "", err
	}
	return device, pluginIDForDevice(device), nil
}

func pluginIDForDevice(device persist.Document) string {
	if device == nil {
		return ""
	}
	pluginID, _ := device["plugin"].(string)
	return pluginID
}

func (s *RequestProcessingService) updateDevice(device persist.Document, devInfo map[string]interface{}, req Request) error {
	if device == nil {
		return nil
	}
	before := device.Copy()
	if err := s.updater.Update(device, devInfo, req); err != nil {
		return err
	}
	if reflect.DeepEqual(device.Copy(), before) {
		return s.updateOnNoChange(device, req)
	}
	hook := func(dev, config persist.Document) {
		s.applyRemoteState(dev, config, req)
	}
	return s.app.DevUpdate(device, hook)
}

// updateOnNoChange persists the device anyway when the request is the
// state-reporting fetch of the owning plugin and the reported SIP
// username actually changed.
func (s *RequestProcessingService) updateOnNoChange(device persist.Document, req Request) error {
	if !s.isRemoteStateRequest(device, req) {
		return nil
	}
	configID, _ := device["config"].(string)
	if configID == "" {
		return nil
	}
	config, err := s.app.CfgRetrieve(configID)
	if err != nil || config == nil {
		return err
	}
	if !setRemoteStateSIPUsername(device, asMap(config["raw_config"])) {
		return nil
	}
	return s.app.DevUpdate(device, nil)
}

func (s *RequestProcessingService) applyRemoteState(device, config persist.Document, req Request) {
	if config == nil {
		return
	}
	if !s.isRemoteStateRequest(device, req) {
		return
	}
	setRemoteStateSIPUsername(device, asMap(config["raw_config"]))
}

// isRemoteStateRequest reports whether req is the fetch, over HTTP, of
// the remote-state trigger file of the plugin owning the device.
func (s *RequestProcessingService) isRemoteStateRequest(device persist.Document, req Request) bool {
	if req.Type != RequestTypeHTTP {
		return false
	}
	pluginID, _ := device["plugin"].(string)
	if pluginID == "" {
		return false
	}
	plugin := s.plugins.LoadedPlugin(pluginID)
	if plugin == nil {
		return false
	}
	trigger, ok := plugin.(RemoteStateTrigger)
	if !ok {
		return false
	}
	name := trigger.RemoteStateTriggerFilename(device)
	return name != "" && path.Base(req.Filename) == name
}

func setRemoteStateSIPUsername(device persist.Document, rawConfig map[string]interface{}) bool {
	lines := asMap(rawConfig["sip_lines"])
	line := asMap(lines["1"])
	username, _ := line["username"].(string)
	if username == "" {
		return false
	}
	if current, _ := device["remote_state_sip_username"].(string); current == username {
		return false
	}
	device["remote_state_sip_username"] = username
	return true
}

func asMap(value interface{}) map[string]interface{} {
	switch m := value.(type) {
	case map[string]interface{}:
		return m
	case persist.Document:
		return map[string]interface{}(m)
	}
	return nil
}

// HTTPRequestProcessingService serves phone HTTP requests. It identifies
// the device behind each request and hands the request over to the HTTP
// service of the plugin the device is associated with.
type HTTPRequestProcessingService struct {
	service  *RequestProcessingService
	plugins  PluginSource
	fallback http.Handler
}

func NewHTTPRequestProcessingService(service *RequestProcessingService, plugins PluginSource) *HTTPRequestProcessingService {
	return &HTTPRequestProcessingService{
		service:  service,
		plugins:  plugins,
		fallback: http.NotFoundHandler(),
	}
}

func (h *HTTPRequestProcessingService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := Request{
		Type:      RequestTypeHTTP,
		IP:        requestIP(r),
		Filename:  strings.TrimPrefix(r.URL.Path, "/"),
		UserAgent: r.UserAgent(),
	}
	_, pluginID, err := h.service.Process(req)
	if err != nil {
		util.Errorf("ident: error while processing http request from %s: %v", req.IP, err)
	} else if pluginID != "" {
		if plugin := h.plugins.LoadedPlugin(pluginID); plugin != nil {
			h.logSensitiveRequest(plugin, req)
			if service := plugin.HTTPService(); service != nil {
				service.ServeHTTP(w, r)
				return
			}
		}
	}
	h.fallback.ServeHTTP(w, r)
}

func (h *HTTPRequestProcessingService) logSensitiveRequest(plugin Plugin, req Request) {
	checker, ok := plugin.(SensitiveFileChecker)
	if !ok {
		return
	}
	filename := path.Base(req.Filename)
	if filename != "" && filename != "." && checker.IsSensitiveFilename(filename) {
		security.LogSensitiveFile(req.IP, filename)
	}
}

func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// DHCPRequestProcessingService feeds DHCP observations into the
// pipeline. Only commit events carry usable device information.
type DHCPRequestProcessingService struct {
	service *RequestProcessingService
}

func NewDHCPRequestProcessingService(service *RequestProcessingService) *DHCPRequestProcessingService {
	return &DHCPRequestProcessingService{service: service}
}

func (s *DHCPRequestProcessingService) HandleDHCPInfo(info DHCPInfo) {
	if info.Op != DHCPOpCommit {
		return
	}
	req := Request{Type: RequestTypeDHCP, IP: info.IP, DHCP: &info}
	if _, _, err := s.service.Process(req); err != nil {
		util.Errorf("ident: error while processing dhcp request from %s: %v", info.IP, err)
	}
}
