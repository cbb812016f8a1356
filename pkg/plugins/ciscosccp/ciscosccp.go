// Package ciscosccp implements the plugin family for Cisco 7900
// series SCCP desk phones. Devices are recognized from their DHCP
// vendor class identifier and the filenames they request over TFTP,
// and served a SEP<MAC>.cfg.xml configuration file.
package ciscosccp

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/devices"
	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/plugins"
	"github.com/wazo-pbx/xivo-provisioning/pkg/services"
	"github.com/wazo-pbx/xivo-provisioning/pkg/settings"
	"github.com/wazo-pbx/xivo-provisioning/pkg/synchronize"
	"github.com/wazo-pbx/xivo-provisioning/pkg/tzinform"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

//go:embed templates
var templatesFS embed.FS

// EntryName is the entry point name plugins of this family carry in
// their plugin.info file.
const EntryName = "cisco-sccp"

func init() {
	plugins.RegisterFactory(EntryName, New)
}

// localeInfo describes the firmware names of a user locale.
type localeInfo struct {
	Name          string
	LangCode      string
	NetworkLocale string
}

var locales = map[string]localeInfo{
	"de_DE": {"german_germany", "de", "germany"},
	"en_US": {"english_united_states", "en", "united_states"},
	"es_ES": {"spanish_spain", "es", "spain"},
	"fr_FR": {"french_france", "fr", "france"},
	"fr_CA": {"french_france", "fr", "canada"},
}

// Plugin drives one installed plugin of the Cisco SCCP family.
type Plugin struct {
	plugins.BasePlugin

	modelVersions map[string]string
	templates     *plugins.TemplateHelper
	configure     services.ConfigureService

	mu       sync.Mutex
	username string
	password string
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
		modelVersions: ctx.Info.ModelVersions("Cisco"),
	}
	p.templates = plugins.NewTemplateHelper(builtin, p.TemplatesDir(), nil)

	store, err := settings.Open(filepath.Join(ctx.Dir, "var", "config.json"))
	if err != nil {
		return nil, err
	}
	table := services.NewTableConfigureService([]services.ParamSpec{
		{
			Name:          "username",
			Description:   "The username used to download files from cisco.com website",
			DescriptionFr: "Le nom d'utilisateur pour télécharger les fichiers sur le site cisco.com",
			OnSet:         p.setUsername,
		},
		{
			Name:          "password",
			Description:   "The password used to download files from cisco.com website",
			DescriptionFr: "Le mot de passe pour télécharger les fichiers sur le site cisco.com",
			OnSet:         p.setPassword,
		},
	})
	p.configure = services.NewPersistentConfigureService(table, store)
	return p, nil
}

// ConfigureService exposes the cisco.com credentials as plugin
// parameters.
func (p *Plugin) ConfigureService() services.ConfigureService {
	return p.configure
}

func (p *Plugin) setUsername(value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.username = value
	return nil
}

func (p *Plugin) setPassword(value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.password = value
	return nil
}

// Credentials returns the cisco.com username and password configured
// on the plugin.
func (p *Plugin) Credentials() (username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.username, p.password
}

// Vendor class identifiers look like:
//
//	"Cisco Systems, Inc. IP Phone 7912"
//	"Cisco Systems, Inc. IP Phone CP-7940G\x00"
//	"Cisco Systems, Inc. IP Phone CP-7941G\x00"
const vdiPrefix = "Cisco Systems, Inc. IP Phone"

var vdiRegex = regexp.MustCompile("\\s(?:79(\\d\\d)|CP-79(\\d\\d)G(?:-GE)?\x00)$")

type dhcpDeviceInfoExtractor struct{}

func (dhcpDeviceInfoExtractor) Extract(req devices.Request) map[string]interface{} {
	if req.DHCP == nil {
		return nil
	}
	vdi, ok := req.DHCP.Options[60]
	if !ok || !strings.HasPrefix(vdi, vdiPrefix) {
		return nil
	}
	devInfo := map[string]interface{}{"vendor": "Cisco"}
	if m := vdiRegex.FindStringSubmatch(vdi); m != nil {
		num := m[1]
		if num == "" {
			num = m[2]
		}
		devInfo["model"] = "79" + num + "G"
	}
	return devInfo
}

// Filenames 7900 phones ask the file server for. The SEP pattern is
// not unique to the 7900.
var tftpFilenameRegexes = []*regexp.Regexp{
	regexp.MustCompile(`^SEP([\dA-F]{12})\.cnf\.xml$`),
	regexp.MustCompile(`^CTLSEP([\dA-F]{12})\.tlv$`),
	regexp.MustCompile(`^ITLSEP([\dA-F]{12})\.tlv$`),
	regexp.MustCompile(`^ITLFile\.tlv$`),
	regexp.MustCompile(`^g3-tones\.xml$`),
}

type tftpDeviceInfoExtractor struct{}

func (tftpDeviceInfoExtractor) Extract(req devices.Request) map[string]interface{} {
	for _, re := range tftpFilenameRegexes {
		m := re.FindStringSubmatch(req.Filename)
		if m == nil {
			continue
		}
		devInfo := map[string]interface{}{"vendor": "Cisco"}
		if len(m) > 1 {
			mac, err := util.NormMAC(m[1])
			if err != nil {
				util.Warnf("ciscosccp: could not normalize MAC address: %v", err)
			} else {
				devInfo["mac"] = mac
			}
		}
		return devInfo
	}
	return nil
}

// DeviceInfoExtractor recognizes Cisco phones on DHCP and TFTP
// requests.
func (p *Plugin) DeviceInfoExtractor(reqType devices.RequestType) devices.InfoExtractor {
	switch reqType {
	case devices.RequestTypeDHCP:
		return dhcpDeviceInfoExtractor{}
	case devices.RequestTypeTFTP:
		return tftpDeviceInfoExtractor{}
	}
	return nil
}

// Models close enough to the packaged ones to be worth a try.
var compatModelRegex = regexp.MustCompile(`^79\d\dG$`)

// Associator rates Cisco devices against the models this plugin was
// packaged for.
func (p *Plugin) Associator() devices.Associator {
	return devices.NewBaseAssociator(p.associate)
}

func (p *Plugin) associate(vendor, model, version string) devices.SupportLevel {
	if vendor != "Cisco" {
		return devices.ImprobableSupport
	}
	if model == "" {
		// There are so many Cisco models it is hard to say anything
		// precise without model information.
		return devices.ProbableSupport
	}
	if strings.HasPrefix(model, "SPA") {
		return devices.NoSupport
	}
	if version == "" {
		// Could be running either SIP or SCCP firmware.
		return devices.ProbableSupport
	}
	if strings.HasSuffix(version, "/SIP") {
		return devices.NoSupport
	}
	if target, ok := p.modelVersions[model]; ok {
		if version == target {
			return devices.FullSupport
		}
		return devices.CompleteSupport
	}
	if compatModelRegex.MatchString(model) {
		return devices.IncompleteSupport
	}
	return devices.ProbableSupport
}

// deviceName returns the SEP name the device registers under.
func deviceName(mac string) string {
	return "SEP" + util.FormatMAC(mac, "", true)
}

func deviceConfigFilename(mac string) string {
	return deviceName(mac) + ".cfg.xml"
}

func deviceMAC(device persist.Document) (string, error) {
	mac, _ := device["mac"].(string)
	if mac == "" {
		return "", errors.New("MAC address needed for device configuration")
	}
	return mac, nil
}

// Configure renders the device configuration file into the served
// tree.
func (p *Plugin) Configure(device, rawConfig persist.Document) error {
	if _, ok := rawConfig["tftp_port"]; !ok {
		return &util.RawConfigError{Errors: []string{"only support configuration via TFTP"}}
	}
	mac, err := deviceMAC(device)
	if err != nil {
		return err
	}
	filename := deviceConfigFilename(mac)
	names := []string{filename + ".tpl"}
	if model, _ := device["model"].(string); model != "" {
		names = append(names, model+".tpl")
	}
	names = append(names, "base.tpl")
	tplName, err := p.templates.Lookup(names...)
	if err != nil {
		return err
	}

	vars := rawConfig.Copy()
	vars["XX_addons"] = ""
	if locale, _ := vars["locale"].(string); locale != "" {
		if li, ok := locales[locale]; ok {
			vars["XX_locale"] = li
		}
	}
	vars["XX_timezone"] = p.timezone(vars)
	renumberCallManagers(vars)

	return p.templates.RenderTo(tplName, vars, filepath.Join(p.TFTPBootDir(), filename))
}

// timezone resolves the raw config timezone to a firmware value,
// defaulting to eastern time.
func (p *Plugin) timezone(rawConfig persist.Document) string {
	name, _ := rawConfig["timezone"].(string)
	if name == "" {
		return defaultTimezoneValue
	}
	info, err := tzinform.Get(name)
	if err != nil {
		util.Infof("ciscosccp: unknown timezone: %v", err)
		return defaultTimezoneValue
	}
	return timezoneValue(info)
}

// renumberCallManagers adds the zero-based priority the firmware wants
// to each call manager entry.
func renumberCallManagers(rawConfig persist.Document) {
	cms, _ := rawConfig["sccp_call_managers"].(map[string]interface{})
	for priority, v := range cms {
		cm, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		n, err := strconv.Atoi(priority)
		if err != nil {
			continue
		}
		cm["XX_priority"] = strconv.Itoa(n - 1)
	}
}

// Deconfigure removes the device configuration file.
func (p *Plugin) Deconfigure(device persist.Document) error {
	mac, err := deviceMAC(device)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(p.TFTPBootDir(), deviceConfigFilename(mac)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		util.Infof("ciscosccp: error while removing file: %v", err)
	}
	return nil
}

// Synchronize resets the device through the Asterisk Manager
// Interface.
func (p *Plugin) Synchronize(device, rawConfig persist.Document) error {
	mac, err := deviceMAC(device)
	if err != nil {
		return err
	}
	resetter, ok := synchronize.ForType(synchronize.AMIType).(synchronize.SCCPResetter)
	if !ok {
		return fmt.Errorf("%w: no Asterisk AMI service registered", util.ErrSyncUnsupported)
	}
	return resetter.SCCPReset(deviceName(mac))
}

// RemoteStateTriggerFilename returns the file the phone fetches when
// it comes up.
func (p *Plugin) RemoteStateTriggerFilename(device persist.Document) string {
	mac, _ := device["mac"].(string)
	if mac == "" {
		return ""
	}
	return deviceName(mac) + ".cnf.xml"
}

// IsSensitiveFilename reports whether filename is a certificate trust
// list.
func (p *Plugin) IsSensitiveFilename(filename string) bool {
	if filename == "ITLFile.tlv" {
		return true
	}
	if !strings.HasSuffix(filename, ".tlv") {
		return false
	}
	return strings.HasPrefix(filename, "CTLSEP") || strings.HasPrefix(filename, "ITLSEP")
}
