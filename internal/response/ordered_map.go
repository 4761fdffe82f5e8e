package response

import (
	"bytes"
	"encoding/json"
	"slices"
)

// OrderedMap is a JSON object that keeps its keys in insertion order.
// Syntax tree payloads use it so "type" always comes first.
type OrderedMap struct {
	fields []field
}

type field struct {
	key   string
	value interface{}
}

// NewOrderedMap returns an empty map.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{fields: make([]field, 0, 4)}
}

func (om *OrderedMap) index(key string) int {
	return slices.IndexFunc(om.fields, func(f field) bool { return f.key == key })
}

// Set stores value under key and returns om. An existing key keeps its position.
func (om *OrderedMap) Set(key string, value interface{}) *OrderedMap {
	if i := om.index(key); i >= 0 {
		om.fields[i].value = value
		return om
	}
	om.fields = append(om.fields, field{key: key, value: value})
	return om
}

// Get returns the value stored under key.
func (om *OrderedMap) Get(key string) (interface{}, bool) {
	if i := om.index(key); i >= 0 {
		return om.fields[i].value, true
	}
	return nil, false
}

// Keys returns the keys in insertion order.
func (om *OrderedMap) Keys() []string {
	keys := make([]string, len(om.fields))
	for i, f := range om.fields {
		keys[i] = f.key
	}
	return keys
}

// Delete removes key.
func (om *OrderedMap) Delete(key string) {
	if i := om.index(key); i >= 0 {
		om.fields = slices.Delete(om.fields, i, i+1)
	}
}

// MarshalJSON writes the fields in order without HTML escaping, so string
// literals such as "<b>" survive unchanged.
func (om *OrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteByte('{')
	for i, f := range om.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(f.key); err != nil {
			return nil, err
		}
		trimNewline(&buf)
		buf.WriteByte(':')
		if err := enc.Encode(f.value); err != nil {
			return nil, err
		}
		trimNewline(&buf)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// trimNewline drops the newline json.Encoder appends after each value.
func trimNewline(buf *bytes.Buffer) {
	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
}
