package store

import "encoding/json"

// Canonical renders v as deterministic JSON: encoding/json already emits
// object keys in sorted order and no insignificant whitespace, which is
// exactly the canonical encoding spec.md §4.7/§9 requires so that Find
// can match workflow submissions by content across independent clients.
func Canonical(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
