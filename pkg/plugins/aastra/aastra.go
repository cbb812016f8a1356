// Package aastra implements the plugin family for Aastra 6700 and
// 9000 series SIP desk phones. Devices are recognized from their HTTP
// User-Agent header and served a MAC-derived configuration file built
// from the family templates.
package aastra

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/plugins"
	"github.com/wazo-pbx/xivo-provisioning/pkg/synchronize"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

//go:embed templates
var templatesFS embed.FS

// EntryName is the entry point name plugins of this family carry in
// their plugin.info file.
const EntryName = "aastra"

func init() {
	plugins.RegisterFactory(EntryName, New)
}

// Models the family knows how to drive. Aastra models absent from a
// plugin's capabilities are still rated incomplete rather than merely
// probable.
var knownModels = map[string]bool{
	"6730i": true, "6731i": true, "6739i": true, "6751i": true,
	"6753i": true, "6755i": true, "6757i": true, "9143i": true,
	"9180i": true,
}

// commonFilename is the file every phone of the family fetches before
// its own configuration file.
const commonFilename = "aastra.cfg"

// Certificate and key files written next to the device configuration
// file.
const (
	serversRootCertSuffix = "-ca_servers.crt"
	localRootCertSuffix   = "-ca_local.crt"
	localCertSuffix       = "-local.crt"
	localKeySuffix        = "-local.key"
)

var certSuffixes = []string{
	serversRootCertSuffix,
	localRootCertSuffix,
	localCertSuffix,
	localKeySuffix,
}

// Plugin drives one installed plugin of the Aastra family.
type Plugin struct {
	plugins.BasePlugin

	modelVersions map[string]string
	templates     *plugins.TemplateHelper
}

// New creates the plugin for the unpacked plugin directory described
// by ctx.
func New(ctx plugins.Context) (plugins.Plugin, error) {
	builtin, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		return nil, err
	}
	p := &Plugin{
		BasePlugin:    plugins.NewBasePlugin(ctx.ID, ctx.Dir),
		modelVersions: ctx.Info.ModelVersions("Aastra"),
	}
	p.templates = plugins.NewTemplateHelper(builtin, p.TemplatesDir(), nil)
	return p, nil
}

// The User-Agent header carries everything we need:
//
//	"Aastra6731i MAC:00-08-5D-23-74-29 V:2.6.0.1008-SIP"
//	"Aastra6739i MAC:00-08-5D-13-CA-05 V:3.0.1.2024-SIP"
//	"Aastra55i MAC:00-08-5D-20-DA-5B V:2.6.0.1008-SIP"
var userAgentRegex = regexp.MustCompile(`^Aastra(\w+) MAC:([^ ]+) V:([^ ]+)-SIP$`)

// Older firmwares advertise a short model name.
var userAgentModels = map[string]string{
	"51i": "6751i",
	"53i": "6753i",
	"55i": "6755i",
	"57i": "6757i",
}

type httpDeviceInfoExtractor struct{}

func (httpDeviceInfoExtractor) Extract(req devices.Request) map[string]interface{} {
	if req.UserAgent == "" {
		return nil
	}
	m := userAgentRegex.FindStringSubmatch(req.UserAgent)
	if m == nil {
		return nil
	}
	mac, err := util.NormMAC(m[2])
	if err != nil {
		util.Warnf("aastra: could not normalize MAC address %q: %v", m[2], err)
		return nil
	}
	model := m[1]
	if mapped, ok := userAgentModels[model]; ok {
		model = mapped
	}
	return map[string]interface{}{
		"vendor":  "Aastra",
		"model":   model,
		"version": m[3],
		"mac":     mac,
	}
}

// DeviceInfoExtractor recognizes Aastra phones on HTTP requests only;
// the phones select HTTP provisioning through DHCP options.
func (p *Plugin) DeviceInfoExtractor(reqType devices.RequestType) devices.InfoExtractor {
	if reqType == devices.RequestTypeHTTP {
		return httpDeviceInfoExtractor{}
	}
	return nil
}

// Associator rates Aastra devices against the models this plugin was
// packaged for.
func (p *Plugin) Associator() devices.Associator {
	return devices.NewBaseAssociator(p.associate)
}

func (p *Plugin) associate(vendor, model, version string) devices.SupportLevel {
	if vendor != "Aastra" {
		return devices.ImprobableSupport
	}
	if target, ok := p.modelVersions[model]; ok {
		if version == target {
			return devices.FullSupport
		}
		return devices.CompleteSupport
	}
	if knownModels[model] {
		return devices.IncompleteSupport
	}
	return devices.ProbableSupport
}

// deviceConfigFilename returns the filename a device fetches its
// configuration under.
func deviceConfigFilename(mac string) string {
	return util.FormatMAC(mac, "", true) + ".cfg"
}

func deviceMAC(device persist.Document) (string, error) {
	mac, _ := device["mac"].(string)
	if mac == "" {
		return "", errors.New("MAC address needed for device configuration")
	}
	return mac, nil
}

// Configure renders the device configuration file, along with the
// certificate and key files the raw config references, into the
// served tree.
func (p *Plugin) Configure(device, rawConfig persist.Document) error {
	if _, ok := rawConfig["http_port"]; !ok {
		return &util.RawConfigError{Errors: []string{"only support configuration via HTTP"}}
	}
	mac, err := deviceMAC(device)
	if err != nil {
		return err
	}
	filename := deviceConfigFilename(mac)
	model, _ := device["model"].(string)
	names := []string{filename + ".tpl"}
	if model != "" {
		names = append(names, model+".tpl")
	}
	names = append(names, "base.tpl")
	tplName, err := p.templates.Lookup(names...)
	if err != nil {
		return err
	}

	vars := rawConfig.Copy()
	funckeys, _ := vars["funckeys"].(map[string]interface{})
	vars["XX_fkeys"] = formatFunctionKeys(funckeys, model)
	timezone, _ := vars["timezone"].(string)
	vars["XX_timezone"] = formatTimezone(timezone)
	locale, _ := vars["locale"].(string)
	vars["XX_dict"] = menuLabels(locale)
	if enabled, _ := vars["syslog_enabled"].(bool); enabled {
		vars["XX_syslog_level"] = numericOrDefault(syslogLevels, vars["level"], defaultSyslogLevel)
	}
	vars["XX_sip_transport"] = numericOrDefault(sipTransports, vars["sip_transport"], defaultSIPTransport)
	vars["XX_sip_srtp_mode"] = numericOrDefault(srtpModes, vars["sip_srtp_mode"], defaultSRTPMode)

	certParams := []struct{ param, varName, suffix string }{
		{"sip_servers_root_and_intermediate_certificates", "XX_servers_root_and_intermediate_certificates", serversRootCertSuffix},
		{"sip_local_root_and_intermediate_certificates", "XX_local_root_and_intermediate_certificates", localRootCertSuffix},
		{"sip_local_certificate", "XX_local_certificate", localCertSuffix},
		{"sip_local_key", "XX_local_key", localKeySuffix},
	}
	for _, cp := range certParams {
		name, err := p.writeCertFile(vars, mac, cp.param, cp.suffix)
		if err != nil {
			return err
		}
		if name != "" {
			vars[cp.varName] = name
		}
	}

	return p.templates.RenderTo(tplName, vars, filepath.Join(p.TFTPBootDir(), filename))
}

// writeCertFile writes the PEM material of one raw config parameter
// next to the device configuration file. It returns the filename, from
// the point of view of the device, or "" when the parameter is unset.
func (p *Plugin) writeCertFile(rawConfig persist.Document, mac, param, suffix string) (string, error) {
	pem, _ := rawConfig[param].(string)
	if pem == "" {
		return "", nil
	}
	name := util.FormatMAC(mac, "", true) + suffix
	if err := plugins.WriteDeviceFile(filepath.Join(p.TFTPBootDir(), name), []byte(pem)); err != nil {
		return "", err
	}
	return name, nil
}

// Deconfigure removes the device configuration file and the device
// certificate and key files.
func (p *Plugin) Deconfigure(device persist.Document) error {
	mac, err := deviceMAC(device)
	if err != nil {
		return err
	}
	names := []string{deviceConfigFilename(mac)}
	for _, suffix := range certSuffixes {
		names = append(names, util.FormatMAC(mac, "", true)+suffix)
	}
	for _, name := range names {
		err := os.Remove(filepath.Join(p.TFTPBootDir(), name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Synchronize asks the device to fetch its configuration again through
// a SIP NOTIFY check-sync event.
func (p *Plugin) Synchronize(device, rawConfig persist.Document) error {
	ip, _ := device["ip"].(string)
	if ip == "" {
		return fmt.Errorf("%w: IP address needed for device synchronization", util.ErrSyncFailed)
	}
	notifier, ok := synchronize.ForType(synchronize.SIPNotifyType).(synchronize.Notifier)
	if !ok {
		return fmt.Errorf("%w: no SIP notify service registered", util.ErrSyncUnsupported)
	}
	return notifier.Notify(net.JoinHostPort(ip, "5060"), lineUsername(rawConfig), "check-sync")
}

// lineUsername returns the username of the device's first SIP line.
func lineUsername(rawConfig persist.Document) string {
	lines, _ := rawConfig["sip_lines"].(map[string]interface{})
	line, _ := lines["1"].(map[string]interface{})
	username, _ := line["username"].(string)
	if username == "" {
		return "anonymous"
	}
	return username
}

// ConfigureCommon renders the aastra.cfg file every phone of the
// family reads before its own configuration file.
func (p *Plugin) ConfigureCommon(rawConfig persist.Document) error {
	tplName, err := p.templates.Lookup(commonFilename + ".tpl")
	if err != nil {
		return err
	}
	vars := rawConfig.Copy()
	if enabled, _ := vars["syslog_enabled"].(bool); enabled {
		vars["XX_syslog_level"] = numericOrDefault(syslogLevels, vars["level"], defaultSyslogLevel)
	}
	return p.templates.RenderTo(tplName, vars, filepath.Join(p.TFTPBootDir(), commonFilename))
}

// RemoteStateTriggerFilename returns the file whose fetch tells us the
// device took its new configuration.
func (p *Plugin) RemoteStateTriggerFilename(device persist.Document) string {
	mac, _ := device["mac"].(string)
	if mac == "" {
		return ""
	}
	return deviceConfigFilename(mac)
}

// IsSensitiveFilename reports whether filename is one of the device
// certificate or key files.
func (p *Plugin) IsSensitiveFilename(filename string) bool {
	for _, suffix := range certSuffixes {
		if strings.HasSuffix(filename, suffix) {
			return true
		}
	}
	return false
}
