// Package cbor maps CBOR (RFC 8949) onto a dynamic value model on top of
// github.com/fxamacker/cbor/v2. Well-formedness, strings, numbers and floats
// are handled by fxamacker; this package keeps map order and exposes tags and
// simple values to caller supplied handlers.
//
// Decoded values use these Go types:
//
//	unsigned integers  int64, or uint64 above math.MaxInt64
//	negative integers  int64, or *big.Int below math.MinInt64
//	byte strings       []byte
//	text strings       string
//	arrays             []any
//	maps               *Map (pairs kept in encounter order)
//	tags               Tag, or whatever DecOptions.TagHandler returns
//	floats             float64
//	false, true        bool
//	null               nil
//	undefined          Undefined
//	other simple       Simple, or whatever DecOptions.SimpleHandler returns
//
// Marshal accepts the same types plus the other Go integer and float kinds
// and map[string]any, which is written with sorted keys. Text must be valid
// UTF-8.
package cbor

import "math/big"

// Undefined is the CBOR undefined simple value (0xf7).
type Undefined struct{}

// Simple is a CBOR simple value without a predefined meaning.
type Simple uint8

// Tag is a tagged data item left uninterpreted by the decoder.
type Tag struct {
	Number  uint64
	Content any
}

// Pair is one key/value entry of a Map.
type Pair struct {
	Key   any
	Value any
}

// Map is an ordered CBOR map. Unlike Go maps it keeps the order in which
// pairs were added or decoded, which is what goes on the wire.
type Map struct {
	pairs []Pair
}

// NewMap returns a map holding pairs in the given order.
func NewMap(pairs ...Pair) *Map {
	m := &Map{pairs: make([]Pair, 0, len(pairs))}
	m.pairs = append(m.pairs, pairs...)

	return m
}

// Len returns the number of pairs.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}

	return len(m.pairs)
}

// Pairs returns the pairs in wire order. The slice must not be modified.
func (m *Map) Pairs() []Pair {
	if m == nil {
		return nil
	}

	return m.pairs
}

// Set replaces the value of an existing key or appends a new pair.
func (m *Map) Set(key, value any) *Map {
	for i := range m.pairs {
		if keyEqual(m.pairs[i].Key, key) {
			m.pairs[i].Value = value
			return m
		}
	}

	m.pairs = append(m.pairs, Pair{Key: key, Value: value})

	return m
}

// Get returns the value of the first pair with the given key.
func (m *Map) Get(key any) (any, bool) {
	if m == nil {
		return nil, false
	}

	for _, p := range m.pairs {
		if keyEqual(p.Key, key) {
			return p.Value, true
		}
	}

	return nil, false
}

// Delete removes every pair with the given key.
func (m *Map) Delete(key any) {
	kept := m.pairs[:0]
	for _, p := range m.pairs {
		if !keyEqual(p.Key, key) {
			kept = append(kept, p)
		}
	}

	m.pairs = kept
}

// keyEqual compares keys of scalar kinds. Integer keys compare by value
// regardless of their Go type.
func keyEqual(a, b any) bool {
	if ai, ok := toInt64(a); ok {
		bi, ok := toInt64(b)
		return ok && ai == bi
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case uint64:
		bv, ok := b.(uint64)
		return ok && av == bv
	case Simple:
		bv, ok := b.(Simple)
		return ok && av == bv
	case *big.Int:
		bv, ok := b.(*big.Int)
		return ok && av.Cmp(bv) == 0
	}

	return false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}

	return 0, false
}
