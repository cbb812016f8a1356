// Package localization holds the process locale used to pick localized
// variants of user-facing strings, notably configure-service parameter
// descriptions and plugin-generated phone menus.
package localization

import (
	"regexp"
	"strings"
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// localeRe accepts the usual language or language_TERRITORY forms,
// "fr" and "fr_FR" style.
var localeRe = regexp.MustCompile(`^[a-zA-Z]{2,3}(_[a-zA-Z]{2,8})*$`)

var (
	mu     sync.RWMutex
	locale string
)

// SetLocale sets the process locale. The empty string clears it.
func SetLocale(value string) error {
	if value != "" && !localeRe.MatchString(value) {
		return util.NewInvalidParameterError("locale", value, "not a valid locale")
	}
	mu.Lock()
	defer mu.Unlock()
	locale = value
	return nil
}

// Locale returns the process locale, or the empty string when unset.
func Locale() string {
	mu.RLock()
	defer mu.RUnlock()
	return locale
}

// Language returns the language part of the locale, "fr" for "fr_FR".
func Language() string {
	l := Locale()
	if i := strings.IndexByte(l, '_'); i >= 0 {
		return l[:i]
	}
	return l
}

// IsFrench reports whether the process language is French.
func IsFrench() bool {
	return strings.EqualFold(Language(), "fr")
}

// Reset clears the process locale.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	locale = ""
}
