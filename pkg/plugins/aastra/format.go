package aastra

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wazo-pbx/xivo-provisioning/pkg/tzinform"
)

// Phone menu labels, per language.
var phraseBook = map[string]map[string]string{
	"en": {
		"voicemail":         "Voicemail",
		"fwd_unconditional": "Unconditional forward",
		"dnd":               "D.N.D",
		"local_directory":   "Directory",
		"callers":           "Callers",
		"services":          "Services",
		"pickup_call":       "Call pickup",
		"remote_directory":  "Directory",
	},
	"fr": {
		"voicemail":         "Messagerie",
		"fwd_unconditional": "Renvoi inconditionnel",
		"dnd":               "N.P.D",
		"local_directory":   "Repertoire",
		"callers":           "Appels",
		"services":          "Services",
		"pickup_call":       "Interception",
		"remote_directory":  "Annuaire",
	},
}

const defaultLanguage = "en"

// menuLabels returns the phone menu labels for a locale, falling back
// to English for languages without a translation.
func menuLabels(locale string) map[string]string {
	lang, _, _ := strings.Cut(locale, "_")
	if labels, ok := phraseBook[lang]; ok {
		return labels
	}
	return phraseBook[defaultLanguage]
}

// Numeric parameter encodings from the Aastra administration guide.
var (
	syslogLevels = map[string]int{
		"critical": 1,
		"error":    3,
		"warning":  7,
		"info":     39,
		"debug":    65535,
	}
	sipTransports = map[string]int{"udp": 1, "tcp": 2, "tls": 4}
	srtpModes     = map[string]int{"disabled": 0, "preferred": 1, "required": 2}
)

const (
	defaultSyslogLevel  = 1
	defaultSIPTransport = 1
	defaultSRTPMode     = 0
)

func numericOrDefault(table map[string]int, key interface{}, def int) int {
	if s, ok := key.(string); ok {
		if v, ok := table[s]; ok {
			return v
		}
	}
	return def
}

// expmodKeyType maps a key number beyond the phone's own keys onto the
// M675i expansion modules, 60 keys each, three modules at most.
func expmodKeyType(keynum int) string {
	if keynum > 180 {
		return ""
	}
	return fmt.Sprintf("expmod%d key%d", (keynum-1)/60+1, (keynum-1)%60+1)
}

// keyType returns the configuration parameter prefix of function key
// keynum on the given model, or "" when the model has no such key.
func keyType(model string, keynum int) string {
	switch model {
	case "6730i", "6731i":
		if keynum <= 8 {
			return fmt.Sprintf("prgkey%d", keynum)
		}
	case "6739i":
		if keynum <= 55 {
			return fmt.Sprintf("softkey%d", keynum)
		}
		return expmodKeyType(keynum - 55)
	case "6753i":
		if keynum <= 6 {
			return fmt.Sprintf("prgkey%d", keynum)
		}
		return expmodKeyType(keynum - 6)
	case "6755i":
		if keynum <= 6 {
			return fmt.Sprintf("prgkey%d", keynum)
		}
		keynum -= 6
		if keynum <= 20 {
			return fmt.Sprintf("softkey%d", keynum)
		}
		return expmodKeyType(keynum - 20)
	case "6757i":
		// The 6757i has 6 top keys and 6 bottom keys. 10 functions are
		// programmable on the top row and 20 on the bottom row.
		if keynum <= 10 {
			return fmt.Sprintf("topsoftkey%d", keynum)
		}
		keynum -= 10
		if keynum <= 20 {
			return fmt.Sprintf("softkey%d", keynum)
		}
		return expmodKeyType(keynum - 20)
	}
	return ""
}

// formatFunctionKeys renders the funckeys mapping of a raw config into
// function key parameter lines for the given model.
func formatFunctionKeys(funckeys map[string]interface{}, model string) string {
	if model == "" {
		return ""
	}
	nums := make([]int, 0, len(funckeys))
	for no := range funckeys {
		n, err := strconv.Atoi(no)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	var lines []string
	for _, n := range nums {
		fk, ok := funckeys[strconv.Itoa(n)].(map[string]interface{})
		if !ok {
			continue
		}
		prefix := keyType(model, n)
		if prefix == "" {
			continue
		}
		fkType, _ := fk["type"].(string)
		if fkType != "speeddial" && fkType != "blf" {
			continue
		}
		value := stringValue(fk["value"])
		label := stringValue(fk["label"])
		if label == "" {
			label = value
		}
		line := stringValue(fk["line"])
		if line == "" {
			line = "1"
		}
		lines = append(lines,
			fmt.Sprintf("%s type: %s", prefix, fkType),
			fmt.Sprintf("%s label: %s", prefix, label),
			fmt.Sprintf("%s value: %s", prefix, value),
			fmt.Sprintf("%s line: %s", prefix, line))
	}
	return strings.Join(lines, "\n")
}

func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// formatTimezone renders the timezone parameters for an IANA timezone
// name, or "" when the name is unknown.
func formatTimezone(name string) string {
	info, err := tzinform.Get(name)
	if err != nil {
		return ""
	}
	return formatTimezoneInfo(info)
}

func formatTimezoneInfo(info *tzinform.Info) string {
	lines := []string{
		"time zone name: Custom",
		fmt.Sprintf("time zone minutes: %d", -info.UTCOffsetMinutes),
	}
	if info.DST == nil {
		lines = append(lines, "dst config: 0")
	} else {
		lines = append(lines,
			"dst config: 3",
			fmt.Sprintf("dst minutes: %d", min(info.DST.SaveMinutes, 60)),
			// One parameter covers both boundaries.
			"dst [start|end] relative date: 1")
		lines = append(lines, formatDSTChange("start", info.DST.Start)...)
		lines = append(lines, formatDSTChange("end", info.DST.End)...)
	}
	return strings.Join(lines, "\n")
}

func formatDSTChange(boundary string, change tzinform.DSTChange) []string {
	week := change.Week
	if week == 5 {
		week = -1
	}
	return []string{
		fmt.Sprintf("dst %s month: %d", boundary, change.Month),
		fmt.Sprintf("dst %s hour: %d", boundary, min(change.Minutes/60, 23)),
		fmt.Sprintf("dst %s week: %d", boundary, week),
		fmt.Sprintf("dst %s day: %d", boundary, change.Weekday),
	}
}
