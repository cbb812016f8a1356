// Package devices implements the document layer of the provisioning
// engine: device records, config trees with raw-config resolution, and
// the identification pipeline that turns incoming phone requests into
// device documents.
package devices

import (
	"reflect"

	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// ReconfigurationKeys are the device fields whose change requires the
// device to be deconfigured and configured again.
var ReconfigurationKeys = []string{"plugin", "config", "mac", "ip", "vendor", "model", "version"}

// NeedsReconfiguration reports whether newDevice differs from oldDevice
// on at least one reconfiguration-relevant field.
func NeedsReconfiguration(oldDevice, newDevice persist.Document) bool {
	for _, key := range ReconfigurationKeys {
		oldValue, oldOK := oldDevice[key]
		newValue, newOK := newDevice[key]
		if oldOK != newOK {
			return true
		}
		if oldOK && !reflect.DeepEqual(oldValue, newValue) {
			return true
		}
	}
	return false
}

var deviceStringKeys = []string{"id", "tenant_uuid", "mac", "ip", "sn", "vendor", "model", "version", "plugin", "config", "added"}

// NormalizeDevice rewrites the mac and ip fields of device to their
// normalized form. It returns an error if either field is present but
// malformed. Other fields are left untouched.
func NormalizeDevice(device persist.Document) error {
	if value, ok := device["mac"]; ok {
		mac, ok := value.(string)
		if !ok {
			return util.NewInvalidParameterError("mac", value, "not a string")
		}
		normMAC, err := util.NormMAC(mac)
		if err != nil {
			return util.NewInvalidParameterError("mac", mac, err.Error())
		}
		device["mac"] = normMAC
	}
	if value, ok := device["ip"]; ok {
		ip, ok := value.(string)
		if !ok {
			return util.NewInvalidParameterError("ip", value, "not a string")
		}
		normIP, err := util.NormIP(ip)
		if err != nil {
			return util.NewInvalidParameterError("ip", ip, err.Error())
		}
		device["ip"] = normIP
	}
	return nil
}

// CheckDevice validates the structure of a device document. The mac and
// ip fields, when present, must already be in normalized form.
func CheckDevice(device persist.Document) error {
	for _, key := range deviceStringKeys {
		if value, ok := device[key]; ok {
			if _, ok := value.(string); !ok {
				return util.NewInvalidParameterError(key, value, "not a string")
			}
		}
	}
	for _, key := range []string{"configured", "is_new"} {
		if value, ok := device[key]; ok {
			if _, ok := value.(bool); !ok {
				return util.NewInvalidParameterError(key, value, "not a boolean")
			}
		}
	}
	if mac, ok := device["mac"].(string); ok && !util.IsNormMAC(mac) {
		return util.NewInvalidParameterError("mac", mac, "not normalized")
	}
	if ip, ok := device["ip"].(string); ok && !util.IsNormIP(ip) {
		return util.NewInvalidParameterError("ip", ip, "not normalized")
	}
	return nil
}
