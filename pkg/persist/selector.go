package persist

import (
	"reflect"
	"strings"
)

// Selector is a document query. Each entry matches one field, addressed
// by a dotted path into nested mappings. A plain value matches by
// equality; a mapping value holds operators:
//
//	Selector{"mac": "00:11:22:33:44:55"}
//	Selector{"config": map[string]interface{}{"$in": []interface{}{"a", "b"}}}
//	Selector{"ip": "1.2.3.4", "id": map[string]interface{}{"$ne": "dev1"}}
//
// An empty selector matches every document.
type Selector map[string]interface{}

// Matches reports whether doc satisfies every entry of the selector.
func (s Selector) Matches(doc Document) bool {
	for key, cond := range s {
		value, ok := lookupPath(doc, key)
		if !matchValue(value, ok, cond) {
			return false
		}
	}
	return true
}

func lookupPath(doc Document, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matchValue(value interface{}, present bool, cond interface{}) bool {
	if ops, ok := operatorMap(cond); ok {
		for op, arg := range ops {
			switch op {
			case "$in":
				if !present || !valueIn(value, arg) {
					return false
				}
			case "$ne":
				// An absent field is "not equal" to any value.
				if present && equalValue(value, arg) {
					return false
				}
			default:
				return false
			}
		}
		return true
	}
	return present && equalValue(value, cond)
}

// operatorMap reports whether cond is an operator mapping, i.e. a map
// whose keys all start with '$'.
func operatorMap(cond interface{}) (map[string]interface{}, bool) {
	m, ok := cond.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func valueIn(value, arg interface{}) bool {
	list, ok := arg.([]interface{})
	if !ok {
		return false
	}
	for _, e := range list {
		if equalValue(value, e) {
			return true
		}
	}
	return false
}

// equalValue compares two document values. Numbers compare by value
// across int/float representations since JSON decoding yields float64
// while in-process documents typically hold ints.
func equalValue(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
