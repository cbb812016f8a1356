package rest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// parseSelector decodes the q/q64 query parameters into a selector.
// q64 is base64-encoded JSON and wins over q when both are present.
func parseSelector(query url.Values) (persist.Selector, error) {
	raw := query.Get("q")
	if q64 := query.Get("q64"); q64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(q64)
		if err != nil {
			return nil, util.NewInvalidParameterError("q64", q64, err.Error())
		}
		raw = string(decoded)
	}
	if raw == "" {
		return nil, nil
	}
	var selector persist.Selector
	if err := json.Unmarshal([]byte(raw), &selector); err != nil {
		return nil, util.NewInvalidParameterError("q", raw, err.Error())
	}
	return selector, nil
}

// parseFindOptions decodes the fields/skip/limit/sort/sort_ord query
// parameters.
func parseFindOptions(query url.Values) (*persist.FindOptions, error) {
	opts := &persist.FindOptions{}
	if fields := query.Get("fields"); fields != "" {
		opts.Fields = strings.Split(fields, ",")
	}
	var err error
	if opts.Skip, err = parseIntParam(query, "skip"); err != nil {
		return nil, err
	}
	if opts.Limit, err = parseIntParam(query, "limit"); err != nil {
		return nil, err
	}
	if sort := query.Get("sort"); sort != "" {
		opts.Sort = sort
		opts.SortOrder = persist.Ascending
		switch ord := query.Get("sort_ord"); ord {
		case "", "ASC":
		case "DESC":
			opts.SortOrder = persist.Descending
		default:
			return nil, util.NewInvalidParameterError("sort_ord", ord, "must be ASC or DESC")
		}
	}
	return opts, nil
}

func parseIntParam(query url.Values, name string) (int, error) {
	raw := query.Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, util.NewInvalidParameterError(name, raw, "not a non-negative integer")
	}
	return value, nil
}

// decodeDHCPOptions turns the wire form of DHCP options, strings like
// "066.31.30.2e.30.2e.31", into option code to raw byte string.
func decodeDHCPOptions(raw []string) (map[int]string, error) {
	options := make(map[int]string, len(raw))
	for _, option := range raw {
		code, value, err := decodeDHCPOption(option)
		if err != nil {
			return nil, err
		}
		options[code] = value
	}
	return options, nil
}

func decodeDHCPOption(option string) (int, string, error) {
	if len(option) < 3 {
		return 0, "", util.NewInvalidParameterError("options", option, "too short")
	}
	code, err := strconv.Atoi(option[:3])
	if err != nil || code < 0 || code > 255 {
		return 0, "", util.NewInvalidParameterError("options", option, "bad option code")
	}
	rest := option[3:]
	var value strings.Builder
	for len(rest) > 0 {
		if rest[0] != '.' || len(rest) < 3 {
			return 0, "", util.NewInvalidParameterError("options", option, "malformed byte sequence")
		}
		b, err := strconv.ParseUint(rest[1:3], 16, 8)
		if err != nil {
			return 0, "", util.NewInvalidParameterError("options", option, fmt.Sprintf("bad byte %q", rest[1:3]))
		}
		value.WriteByte(byte(b))
		rest = rest[3:]
	}
	return code, value.String(), nil
}
