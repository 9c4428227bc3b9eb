package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Parameter is one key/value pair of a command payload
type Parameter struct {
	Key   string
	Value interface{}
}

// Parameters is an insertion-ordered payload mapping. Order is preserved on the
// wire for the binary and text formats, so it is kept as a slice.
type Parameters []Parameter

// Params builds Parameters from alternating key/value arguments
func Params(kv ...interface{}) Parameters {
	p := make(Parameters, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		p = p.Set(key, kv[i+1])
	}
	return p
}

// Get returns the value stored under key
func (p Parameters) Get(key string) (interface{}, bool) {
	for _, param := range p {
		if param.Key == key {
			return param.Value, true
		}
	}
	return nil, false
}

// Has reports whether key is present
func (p Parameters) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Set replaces the value under key in place, or appends it
func (p Parameters) Set(key string, value interface{}) Parameters {
	for i := range p {
		if p[i].Key == key {
			p[i].Value = value
			return p
		}
	}
	return append(p, Parameter{Key: key, Value: value})
}

// Keys returns keys in insertion order
func (p Parameters) Keys() []string {
	keys := make([]string, len(p))
	for i, param := range p {
		keys[i] = param.Key
	}
	return keys
}

// Float returns the numeric value under key
func (p Parameters) Float(key string) (float64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// Map returns an unordered copy
func (p Parameters) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(p))
	for _, param := range p {
		m[param.Key] = param.Value
	}
	return m
}

// Clone returns a copy that does not share the backing array
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	clone := make(Parameters, len(p))
	copy(clone, p)
	return clone
}

// MarshalJSON encodes the parameters as a JSON object in insertion order
func (p Parameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, param := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(param.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(param.Value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", param.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping key order. Integral numbers
// become int64 and other numbers float64.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("parameters must be a JSON object")
	}

	out := Parameters{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("invalid parameter key %v", tok)
		}
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("parameter %q: %w", key, err)
		}
		out = out.Set(key, normalizeNumbers(raw))
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []interface{}:
		for i := range val {
			val[i] = normalizeNumbers(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = normalizeNumbers(val[k])
		}
		return val
	default:
		return v
	}
}

// ToFloat coerces loosely typed numeric values
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
