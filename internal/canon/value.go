// Package canon implements the broker's schemaless value type and its
// RFC-8785-style canonical JSON encoding, used for audit snapshots,
// proposal parameters, and approval binding hashes.
package canon

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags the dynamic shape held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged union over the JSON data model, used anywhere the
// spec calls for a "schemaless value" (proposal parameters, audit
// snapshots). It is immutable by convention: callers must not mutate
// the slices/maps returned by Array()/Object() in place.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Number(n float64) Value     { return Value{kind: KindNumber, n: n} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Array(v []Value) Value      { return Value{kind: KindArray, arr: v} }
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) Bool() bool { return v.b }
func (v Value) Number() float64 { return v.n }
func (v Value) String() string { return v.s }
func (v Value) Array() []Value { return v.arr }
func (v Value) Object() map[string]Value { return v.obj }

// Get walks a dotted field path ("parameters.campaignId") through nested
// objects, returning (zero Value, false) if any segment is missing or
// not an object.
func (v Value) Get(path string) (Value, bool) {
	cur := v
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			if cur.kind != KindObject {
				return Value{}, false
			}
			next, ok := cur.obj[seg]
			if !ok {
				return Value{}, false
			}
			cur = next
			start = i + 1
		}
	}
	return cur, true
}

// New converts an arbitrary decoded-JSON-shaped Go value (as produced by
// encoding/json.Unmarshal into interface{}, or hand-built
// map[string]interface{}/[]interface{}/primitives) into a Value.
func New(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case string:
		return String(t), nil
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			ev, err := New(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = ev
		}
		return Array(out), nil
	case []Value:
		return Array(t), nil
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := New(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = ev
		}
		return Object(out), nil
	case map[string]Value:
		return Object(t), nil
	case Value:
		return t, nil
	default:
		return Value{}, fmt.Errorf("canon: unsupported value type %T", x)
	}
}

// ToInterface converts a Value back to the plain interface{} shape
// encoding/json expects, for JSON marshaling outside this package.
func (v Value) ToInterface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToInterface()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.ToInterface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON lets Value appear as an ordinary field in structs that
// round-trip through encoding/json (store records, wire payloads).
// It is independent of the RFC-8785 Canonicalize path used for hashing.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToInterface())
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x interface{}
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	parsed, err := New(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// sortedKeys returns an object's keys in ascending byte order, the
// canonicalization order mandated by RFC 8785.
func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
