package util

import (
	"fmt"
	"strconv"
	"strings"
)

func isHexDigit(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'f' || b >= 'A' && b <= 'F'
}

// NormMAC returns the normalized form of a MAC address: lowercase hex
// digit pairs separated by colons. Accepted input formats are
// "aa:bb:cc:dd:ee:ff", "aa-bb-cc-dd-ee-ff", "aabb.ccdd.eeff",
// "aabbccddeeff" and variants with unpadded digits like "a:b:c:d:e:f".
func NormMAC(mac string) (string, error) {
	mac = strings.TrimSpace(mac)
	if mac == "" {
		return "", fmt.Errorf("empty MAC address")
	}

	var digits []byte
	if strings.ContainsAny(mac, ":-.") {
		tokens := strings.FieldsFunc(mac, func(r rune) bool {
			return r == ':' || r == '-' || r == '.'
		})
		for _, token := range tokens {
			switch len(token) {
			case 1:
				digits = append(digits, '0', token[0])
			case 2, 4:
				digits = append(digits, token...)
			default:
				return "", fmt.Errorf("invalid MAC address: %q", mac)
			}
		}
	} else {
		digits = []byte(mac)
	}

	if len(digits) != 12 {
		return "", fmt.Errorf("invalid MAC address: %q", mac)
	}
	for i, d := range digits {
		if !isHexDigit(d) {
			return "", fmt.Errorf("invalid MAC address: %q", mac)
		}
		if d >= 'A' && d <= 'F' {
			digits[i] = d + 'a' - 'A'
		}
	}

	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.Write(digits[i : i+2])
	}
	return b.String(), nil
}

// IsNormMAC reports whether mac is already in normalized form.
func IsNormMAC(mac string) bool {
	normed, err := NormMAC(mac)
	return err == nil && normed == mac
}

// FormatMAC re-renders a normalized MAC address with the given digit-pair
// separator and case. Plugins use this to derive device filenames, for
// example FormatMAC(mac, "", true) for "SEP<MAC>.cnf.xml" names.
func FormatMAC(mac, separator string, uppercase bool) string {
	pairs := strings.Split(mac, ":")
	joined := strings.Join(pairs, separator)
	if uppercase {
		return strings.ToUpper(joined)
	}
	return joined
}

// NormIP returns the normalized form of a dotted-quad IPv4 address,
// with no leading zeros in any byte.
func NormIP(ip string) (string, error) {
	tokens := strings.Split(strings.TrimSpace(ip), ".")
	if len(tokens) != 4 {
		return "", fmt.Errorf("invalid IP address: %q", ip)
	}
	var bytes [4]int
	for i, token := range tokens {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n > 255 {
			return "", fmt.Errorf("invalid IP address: %q", ip)
		}
		bytes[i] = n
	}
	return fmt.Sprintf("%d.%d.%d.%d", bytes[0], bytes[1], bytes[2], bytes[3]), nil
}

// IsNormIP reports whether ip is already in normalized form.
func IsNormIP(ip string) bool {
	normed, err := NormIP(ip)
	return err == nil && normed == ip
}
