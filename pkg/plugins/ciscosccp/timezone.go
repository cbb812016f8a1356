package ciscosccp

import (
	"sort"
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/tzinform"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// defaultTimezoneValue is used when nothing better matches.
const defaultTimezoneValue = "Eastern Standard/Daylight Time"

// zoneMap maps IANA timezone names to the timeZone parameter values
// the firmware understands. Some values carry a trailing space the
// firmware expects verbatim.
var zoneMap = map[string]string{
	"Etc/GMT+12":          "Dateline Standard Time",
	"Pacific/Samoa":       "Samoa Standard Time ",
	"US/Hawaii":           "Hawaiian Standard Time ",
	"US/Alaska":           "Alaskan Standard/Daylight Time",
	"US/Pacific":          "Pacific Standard/Daylight Time",
	"US/Mountain":         "Mountain Standard/Daylight Time",
	"Etc/GMT+7":           "US Mountain Standard Time",
	"US/Central":          "Central Standard/Daylight Time",
	"America/Mexico_City": "Mexico Standard/Daylight Time",
	"US/Eastern":          "Eastern Standard/Daylight Time",
	"Etc/GMT+5":           "US Eastern Standard Time",
	"Canada/Atlantic":     "Atlantic Standard/Daylight Time",
	"Etc/GMT+4":           "SA Western Standard Time",
	"Canada/Newfoundland": "Newfoundland Standard/Daylight Time",
	"America/Sao_Paulo":   "South America Standard/Daylight Time",
	"Etc/GMT+3":           "SA Eastern Standard Time",
	"Etc/GMT+2":           "Mid-Atlantic Standard/Daylight Time",
	"Atlantic/Azores":     "Azores Standard/Daylight Time",
	"Europe/London":       "GMT Standard/Daylight Time",
	"Etc/GMT":             "Greenwich Standard Time",
	"Egypt":               "Egypt Standard/Daylight Time",
	"Europe/Athens":       "E. Europe Standard/Daylight Time",
	"Europe/Paris":        "Central Europe Standard/Daylight Time",
	"Africa/Johannesburg": "South Africa Standard Time ",
	"Asia/Jerusalem":      "Jerusalem Standard/Daylight Time",
	"Asia/Riyadh":         "Saudi Arabia Standard Time",
	"Europe/Moscow":       "Russian Standard/Daylight Time",
	"Iran":                "Iran Standard/Daylight Time",
	"Etc/GMT-4":           "Arabian Standard Time",
	"Asia/Kabul":          "Afghanistan Standard Time ",
	"Etc/GMT-5":           "West Asia Standard Time",
	"Asia/Calcutta":       "India Standard Time",
	"Etc/GMT-6":           "Central Asia Standard Time ",
	"Etc/GMT-7":           "SE Asia Standard Time",
	"Asia/Taipei":         "Taipei Standard Time",
	"Asia/Tokyo":          "Tokyo Standard Time",
	"Australia/ACT":       "Cen. Australia Standard/Daylight Time",
	"Australia/Brisbane":  "AUS Central Standard Time",
	"Etc/GMT-10":          "West Pacific Standard Time",
	"Australia/Tasmania":  "Tasmania Standard/Daylight Time",
	"Etc/GMT-11":          "Central Pacific Standard Time",
	"Etc/GMT-12":          "Fiji Standard Time",
}

var (
	tzOnce sync.Once
	tzMap  map[int]map[string]string
)

// timezoneMap indexes the firmware values by UTC offset and DST rule.
// Built lazily since it resolves every name through the timezone
// database.
func timezoneMap() map[int]map[string]string {
	tzOnce.Do(func() {
		tzMap = make(map[int]map[string]string)
		for name, value := range zoneMap {
			info, err := tzinform.Get(name)
			if err != nil {
				util.Warnf("ciscosccp: %v", err)
				continue
			}
			rules, ok := tzMap[info.UTCOffsetMinutes]
			if !ok {
				rules = make(map[string]string)
				tzMap[info.UTCOffsetMinutes] = rules
			}
			rule := ""
			if info.DST != nil {
				rule = info.DST.Rule()
			}
			rules[rule] = value
		}
	})
	return tzMap
}

// timezoneValue maps a timezone description onto the closest firmware
// value.
func timezoneValue(info *tzinform.Info) string {
	zones := timezoneMap()
	offset := info.UTCOffsetMinutes
	rules, ok := zones[offset]
	if !ok {
		// No offset match. Try finding one relatively close.
		for _, shift := range []int{30, -30, 60, -60} {
			if r, found := zones[offset+shift]; found {
				rules = r
				ok = true
				break
			}
		}
	}
	if !ok {
		return defaultTimezoneValue
	}
	rule := ""
	if info.DST != nil {
		rule = info.DST.Rule()
	}
	if value, found := rules[rule]; found {
		return value
	}
	// No DST rule match. Fall back on all-standard time, then on an
	// arbitrary rule as a last resort.
	if value, found := rules[""]; found {
		return value
	}
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return rules[keys[0]]
}
