package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Engines exchange values with Go as JSON text. Values JSON cannot carry
// travel as single-key marker objects:
//
//	{"$ww_bin": n}      bytes parked in an engine global, slot n
//	{"$bytes": [...]}   bytes inline, when no slot transfer is available
//	{"$num": "NaN"}     non-finite numbers
//
// Object keys of user data that start with "$" get one more "$" on the wire
// so they can never be read as a marker.
const (
	markerBin   = "$ww_bin"
	markerBytes = "$bytes"
	markerNum   = "$num"
)

var jsonAPI = jsoniter.Config{
	UseNumber:              true,
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// PutFunc parks a byte slice where the script can pick it up and returns its
// slot number.
type PutFunc func(data []byte) (int, error)

// GetFunc fetches the byte slice the script parked in slot n.
type GetFunc func(n int) ([]byte, error)

// ToJSON is Default.ToJSON.
func ToJSON(v any, put PutFunc) (string, error) { return Default.ToJSON(v, put) }

// FromJSON is Default.FromJSON.
func FromJSON(text string, get GetFunc) (any, error) { return Default.FromJSON(text, get) }

// ToJSON renders a codec value as JSON text for the script. When put is nil
// byte slices are inlined.
func (c *Codec) ToJSON(v any, put PutFunc) (string, error) {
	j := jsonWalker{maxDepth: c.opts.MaxDepth, put: put}
	prepared, err := j.to(reflect.ValueOf(v), 0)
	if err != nil {
		return "", err
	}
	return jsonAPI.MarshalToString(prepared)
}

// FromJSON parses JSON text produced by the script into a codec value.
// Integral numbers become int64, all others float64.
func (c *Codec) FromJSON(text string, get GetFunc) (any, error) {
	if text == "" {
		return nil, nil
	}
	var raw any
	if err := jsonAPI.UnmarshalFromString(text, &raw); err != nil {
		return nil, fmt.Errorf("parsing script value: %w", err)
	}
	j := jsonWalker{maxDepth: c.opts.MaxDepth, get: get}
	return j.from(raw, 0)
}

type jsonWalker struct {
	maxDepth int
	put      PutFunc
	get      GetFunc
}

func escapeKey(k string) string {
	if strings.HasPrefix(k, "$") {
		return "$" + k
	}
	return k
}

func unescapeKey(k string) string {
	if strings.HasPrefix(k, "$$") {
		return k[1:]
	}
	return k
}

func (j jsonWalker) to(v reflect.Value, depth int) (any, error) {
	if depth > j.maxDepth {
		return nil, fmt.Errorf("value nested deeper than %d", j.maxDepth)
	}
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		return j.to(v.Elem(), depth)
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		switch {
		case math.IsNaN(f):
			return map[string]any{markerNum: "NaN"}, nil
		case math.IsInf(f, 1):
			return map[string]any{markerNum: "Infinity"}, nil
		case math.IsInf(f, -1):
			return map[string]any{markerNum: "-Infinity"}, nil
		}
		return f, nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			b := v.Bytes()
			if j.put == nil {
				ints := make([]int, len(b))
				for i, c := range b {
					ints[i] = int(c)
				}
				return map[string]any{markerBytes: ints}, nil
			}
			n, err := j.put(b)
			if err != nil {
				return nil, fmt.Errorf("transferring bytes: %w", err)
			}
			return map[string]any{markerBin: n}, nil
		}
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		out := make([]any, v.Len())
		for i := range out {
			item, err := j.to(v.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", v.Type().Key())
		}
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			item, err := j.to(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			out[escapeKey(iter.Key().String())] = item
		}
		return out, nil
	default:
		return v.Interface(), nil
	}
}

func (j jsonWalker) from(v any, depth int) (any, error) {
	if depth > j.maxDepth {
		return nil, fmt.Errorf("value nested deeper than %d", j.maxDepth)
	}
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", t, err)
		}
		return f, nil
	case []any:
		for i, item := range t {
			conv, err := j.from(item, depth+1)
			if err != nil {
				return nil, err
			}
			t[i] = conv
		}
		return t, nil
	case map[string]any:
		if len(t) == 1 {
			if b, ok, err := j.marker(t); ok || err != nil {
				return b, err
			}
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			conv, err := j.from(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[unescapeKey(k)] = conv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (j jsonWalker) marker(m map[string]any) (any, bool, error) {
	if n, ok := m[markerBin].(json.Number); ok {
		if j.get == nil {
			return nil, true, fmt.Errorf("binary slot %s without a transfer channel", n)
		}
		slot, err := n.Int64()
		if err != nil {
			return nil, true, fmt.Errorf("bad binary slot %q", n)
		}
		b, err := j.get(int(slot))
		if err != nil {
			return nil, true, err
		}
		if b == nil {
			b = []byte{}
		}
		return b, true, nil
	}
	if arr, ok := m[markerBytes].([]any); ok {
		b := make([]byte, len(arr))
		for i, item := range arr {
			n, ok := item.(json.Number)
			if !ok {
				return nil, true, fmt.Errorf("bad byte at index %d", i)
			}
			c, err := n.Int64()
			if err != nil || c < 0 || c > 255 {
				return nil, true, fmt.Errorf("bad byte %q at index %d", n, i)
			}
			b[i] = byte(c)
		}
		return b, true, nil
	}
	if s, ok := m[markerNum].(string); ok {
		switch s {
		case "NaN":
			return math.NaN(), true, nil
		case "Infinity":
			return math.Inf(1), true, nil
		case "-Infinity":
			return math.Inf(-1), true, nil
		}
	}
	return nil, false, nil
}
