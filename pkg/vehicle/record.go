// Package vehicle holds the shared row model: attribute records built from
// dataset rows and the make/model/year identity used to look them up.
package vehicle

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Well-known dataset columns.
const (
	ColMake  = "Make"
	ColModel = "Model"
	ColYear  = "Year"
)

// Record is an ordered mapping from column name to raw cell value.
// Records have no exported mutators, so copies may share storage safely.
type Record struct {
	keys   []string
	values map[string]string
}

// NewRecord zips header with fields by position. Fields beyond the header are
// dropped; header columns without a field are left absent.
func NewRecord(header, fields []string) Record {
	n := len(fields)
	if n > len(header) {
		n = len(header)
	}
	r := Record{
		keys:   make([]string, 0, n),
		values: make(map[string]string, n),
	}
	for i := 0; i < n; i++ {
		r.set(header[i], fields[i])
	}
	return r
}

// RecordFromPairs builds a record from alternating key, value arguments.
// It is mostly useful in tests and fixtures.
func RecordFromPairs(kv ...string) Record {
	if len(kv)%2 != 0 {
		panic("vehicle: RecordFromPairs needs an even number of arguments")
	}
	r := Record{values: make(map[string]string, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		r.set(kv[i], kv[i+1])
	}
	return r
}

// set keeps the first position of a repeated column and the last value.
func (r *Record) set(key, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value stored under key.
func (r Record) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the column names in header order.
func (r Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of columns present.
func (r Record) Len() int { return len(r.keys) }

// IsZero reports whether the record has no columns.
func (r Record) IsZero() bool { return len(r.keys) == 0 }

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := Record{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]string, len(r.values)),
	}
	copy(out.keys, r.keys)
	for k, v := range r.values {
		out.values[k] = v
	}
	return out
}

// Map returns the record as a plain map. Column order is lost.
func (r Record) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the record as a JSON object preserving column order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of string values, keeping key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	*r = Record{}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil // null
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("vehicle: record must be a JSON object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("vehicle: unexpected record key %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("vehicle: value for %q: %w", key, err)
		}
		r.set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
