package util

import "encoding/json"

// MustJSON marshals v, panicking on failure. Only used for payloads built
// from maps and plain structs, which cannot fail to marshal.
func MustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
