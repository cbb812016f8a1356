package devices

import (
	"sort"

	"github.com/mitchellh/mapstructure"

	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

var commonRawConfigParams = []string{"ip", "http_port", "tftp_port"}

// CheckCommonRawConfig verifies the parameters every raw config must
// carry, including the process-wide base raw config.
func CheckCommonRawConfig(raw persist.Document) error {
	v := &util.ValidationBuilder{}
	checkCommonRawConfig(v, raw)
	return v.Build()
}

func checkCommonRawConfig(v *util.ValidationBuilder, raw persist.Document) {
	for _, param := range commonRawConfigParams {
		if _, ok := raw[param]; !ok {
			v.AddErrorf("missing %s parameter", param)
		}
	}
}

// CheckRawConfig verifies a resolved raw config just before it is
// handed to a plugin. All problems are reported, not only the first.
func CheckRawConfig(raw persist.Document) error {
	v := &util.ValidationBuilder{}
	checkCommonRawConfig(v, raw)
	if rawBool(raw, "ntp_enabled") {
		if _, ok := raw["ntp_ip"]; !ok {
			v.AddError("missing ntp_ip parameter")
		}
	}
	if rawBool(raw, "vlan_enabled") {
		if _, ok := raw["vlan_id"]; !ok {
			v.AddError("missing vlan_id parameter")
		}
	}
	if rawBool(raw, "syslog_enabled") {
		if _, ok := raw["syslog_ip"]; !ok {
			v.AddError("missing syslog_ip parameter")
		}
	}
	if lines, ok := raw["sip_lines"].(map[string]interface{}); ok {
		checkSIPLines(v, raw, lines)
	}
	if callManagers, ok := raw["sccp_call_managers"].(map[string]interface{}); ok {
		checkSCCPCallManagers(v, callManagers)
	}
	if funckeys, ok := raw["funckeys"].(map[string]interface{}); ok {
		checkFunckeys(v, funckeys)
	}
	return v.Build()
}

func checkSIPLines(v *util.ValidationBuilder, raw persist.Document, lines map[string]interface{}) {
	protocol, _ := raw["protocol"].(string)
	for _, lineNo := range sortedKeys(lines) {
		line, ok := lines[lineNo].(map[string]interface{})
		if !ok {
			v.AddErrorf("line %s is not a mapping", lineNo)
			continue
		}
		if _, ok := line["proxy_ip"]; !ok {
			if _, ok := raw["sip_proxy_ip"]; !ok {
				v.AddErrorf("missing proxy_ip parameter for line %s", lineNo)
			}
		}
		if protocol == "SIP" {
			for _, param := range []string{"username", "password", "display_name"} {
				if _, ok := line[param]; !ok {
					v.AddErrorf("missing %s parameter for line %s", param, lineNo)
				}
			}
		}
	}
}

func checkSCCPCallManagers(v *util.ValidationBuilder, callManagers map[string]interface{}) {
	for _, priority := range sortedKeys(callManagers) {
		callManager, ok := callManagers[priority].(map[string]interface{})
		if !ok {
			v.AddErrorf("call manager %s is not a mapping", priority)
			continue
		}
		if _, ok := callManager["ip"]; !ok {
			v.AddErrorf("missing ip parameter for call manager %s", priority)
		}
	}
}

func checkFunckeys(v *util.ValidationBuilder, funckeys map[string]interface{}) {
	for _, funckeyNo := range sortedKeys(funckeys) {
		funckey, ok := funckeys[funckeyNo].(map[string]interface{})
		if !ok {
			v.AddErrorf("funckey %s is not a mapping", funckeyNo)
			continue
		}
		funckeyType, ok := funckey["type"].(string)
		if !ok {
			v.AddErrorf("missing type parameter for funckey %s", funckeyNo)
			continue
		}
		if funckeyType == "speeddial" || funckeyType == "blf" {
			if _, ok := funckey["value"]; !ok {
				v.AddErrorf("missing value parameter for funckey %s", funckeyNo)
			}
		}
	}
}

// SetRawConfigDefaults fills in the derivable parameters of a raw
// config that passed validation.
func SetRawConfigDefaults(raw persist.Document) {
	if rawBool(raw, "syslog_enabled") {
		setDefault(raw, "syslog_port", 514)
		setDefault(raw, "level", "warning")
	}
	if proxyIP, ok := raw["sip_proxy_ip"]; ok {
		setDefault(raw, "sip_registrar_ip", proxyIP)
	}
	setDefault(raw, "sip_srtp_mode", "disabled")
	setDefault(raw, "sip_transport", "udp")
	if lines, ok := raw["sip_lines"].(map[string]interface{}); ok {
		for _, value := range lines {
			line, ok := value.(map[string]interface{})
			if !ok {
				continue
			}
			if proxyIP, ok := line["proxy_ip"]; ok {
				setDefault(line, "registrar_ip", proxyIP)
			}
			if username, ok := line["username"]; ok {
				setDefault(line, "auth_username", username)
			}
		}
	} else {
		raw["sip_lines"] = map[string]interface{}{}
	}
	setDefault(raw, "sccp_call_managers", map[string]interface{}{})
	setDefault(raw, "funckeys", map[string]interface{}{})
}

func rawBool(raw persist.Document, key string) bool {
	b, _ := raw[key].(bool)
	return b
}

func setDefault(m map[string]interface{}, key string, value interface{}) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SIPLine is the typed view of one sip_lines entry.
type SIPLine struct {
	ProxyIP       string `mapstructure:"proxy_ip"`
	ProxyPort     int    `mapstructure:"proxy_port"`
	BackupProxyIP string `mapstructure:"backup_proxy_ip"`
	RegistrarIP   string `mapstructure:"registrar_ip"`
	RegistrarPort int    `mapstructure:"registrar_port"`
	Username      string `mapstructure:"username"`
	AuthUsername  string `mapstructure:"auth_username"`
	Password      string `mapstructure:"password"`
	DisplayName   string `mapstructure:"display_name"`
	Number        string `mapstructure:"number"`
	Voicemail     string `mapstructure:"voicemail"`
}

// SCCPCallManager is the typed view of one sccp_call_managers entry.
type SCCPCallManager struct {
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`
}

// Funckey is the typed view of one funckeys entry.
type Funckey struct {
	Type  string `mapstructure:"type"`
	Value string `mapstructure:"value"`
	Label string `mapstructure:"label"`
	Line  string `mapstructure:"line"`
}

// RawConfig is the typed view of a resolved raw config, for plugin code
// that renders device files. The open document remains the source of
// truth; unknown keys are simply not represented here.
type RawConfig struct {
	IP       string `mapstructure:"ip"`
	HTTPPort int    `mapstructure:"http_port"`
	TFTPPort int    `mapstructure:"tftp_port"`
	Protocol string `mapstructure:"protocol"`

	Locale   string `mapstructure:"locale"`
	Timezone string `mapstructure:"timezone"`

	NTPEnabled bool   `mapstructure:"ntp_enabled"`
	NTPIP      string `mapstructure:"ntp_ip"`

	VLANEnabled bool `mapstructure:"vlan_enabled"`
	VLANID      int  `mapstructure:"vlan_id"`

	SyslogEnabled bool   `mapstructure:"syslog_enabled"`
	SyslogIP      string `mapstructure:"syslog_ip"`
	SyslogPort    int    `mapstructure:"syslog_port"`
	SyslogLevel   string `mapstructure:"level"`

	SIPProxyIP     string `mapstructure:"sip_proxy_ip"`
	SIPRegistrarIP string `mapstructure:"sip_registrar_ip"`
	SIPTransport   string `mapstructure:"sip_transport"`
	SIPSRTPMode    string `mapstructure:"sip_srtp_mode"`

	SIPLines         map[string]SIPLine         `mapstructure:"sip_lines"`
	SCCPCallManagers map[string]SCCPCallManager `mapstructure:"sccp_call_managers"`
	Funckeys         map[string]Funckey         `mapstructure:"funckeys"`
}

// DecodeRawConfig decodes a resolved raw config into its typed view.
// Numeric fields accept both JSON floats and in-process ints.
func DecodeRawConfig(raw persist.Document) (*RawConfig, error) {
	var out RawConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(map[string]interface{}(raw)); err != nil {
		return nil, err
	}
	return &out, nil
}
