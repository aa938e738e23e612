package docvalue

import (
	"encoding/json"
	"sort"
)

// MarshalCanonical produces JSON with object keys sorted, used by the
// snapshot checksum and diff (§4.6: "canonical JSON serialisation ... sort
// object keys") and by the inventory mapper for a host's stored raw scan
// data and each container's env. The teacher reimplements
// this same routine once in internal/crypto (for signed-order payloads)
// and once in internal/healing (for rules-bundle verification); this
// module centralizes it since both call sites in this codebase need the
// identical guarantee and neither involves an external signature scheme
// that would justify keeping them duplicated.
func MarshalCanonical(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kJSON...)
			buf = append(buf, ':')
			vJSON, err := MarshalCanonical(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vJSON...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []interface{}:
		buf := []byte("[")
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemJSON, err := MarshalCanonical(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemJSON...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(v)
	}
}

// CanonicalJSONOf round-trips v through encoding/json first so that struct
// values (not just map[string]interface{}) get canonicalized consistently.
func CanonicalJSONOf(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return MarshalCanonical(generic)
}
