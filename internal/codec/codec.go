// Package codec encodes structured values into self-describing Buffers and
// decodes them back.
//
// Wire layout:
//
//	+------+------+---------+-------+----------------+-------------+
//	| 'W'  | 'W'  | version | flags | length (u32be) | value ...   |
//	+------+------+---------+-------+----------------+-------------+
//
// length is the size of the value region exactly as stored. Flag bit 0
// marks a brotli-compressed value region. The value region is a tree of
// tagged items; see the tag constants below.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"

	"github.com/andybalholm/brotli"

	"github.com/cryguy/webworker/internal/core"
)

const (
	magic0 = 'W'
	magic1 = 'W'

	// Version is the only wire version this package reads and writes.
	Version = 1

	// HeaderSize is the fixed size of the header preceding the value region.
	HeaderSize = 8

	flagBrotli  = 1 << 0
	knownFlags  = flagBrotli
	brotliLevel = 5
)

const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
	tagBytes
	tagArray
	tagMap
)

// Options tunes a Codec.
type Options struct {
	MaxPayloadBytes   int // upper bound for the decoded value region
	CompressThreshold int // compress value regions larger than this, 0 disables
	MaxDepth          int // nesting limit
}

// Codec encodes and decodes structured values. The zero value is not
// usable; construct one with New or use Default.
type Codec struct {
	opts Options
}

// Default is a Codec built from core.DefaultConfig.
var Default = FromConfig(core.DefaultConfig())

// New returns a Codec with the given options. Unset limits get defaults.
func New(opts Options) *Codec {
	def := core.DefaultConfig()
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.CompressThreshold < 0 {
		opts.CompressThreshold = 0
	}
	return &Codec{opts: opts}
}

// FromConfig returns a Codec configured from cfg.
func FromConfig(cfg core.Config) *Codec {
	return New(Options{
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		CompressThreshold: cfg.CompressThreshold,
		MaxDepth:          cfg.MaxDepth,
	})
}

// Encode serializes v into a new Buffer owned by the caller.
func (c *Codec) Encode(v any) (*Buffer, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	return NewBuffer(data), nil
}

// Decode takes ownership of b, releases it, and returns the decoded value.
func (c *Codec) Decode(b *Buffer) (any, error) {
	data, err := b.Take()
	if err != nil {
		return nil, &core.ProtocolError{Op: "decode", Reason: "buffer unavailable", Err: err}
	}
	return c.Unmarshal(data)
}

// Marshal encodes v into header + value bytes.
func (c *Codec) Marshal(v any) ([]byte, error) {
	e := &encoder{maxDepth: c.opts.MaxDepth}
	e.buf.Write(make([]byte, HeaderSize))
	if err := e.encode(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	out := e.buf.Bytes()
	region := out[HeaderSize:]
	if len(region) > c.opts.MaxPayloadBytes {
		return nil, fmt.Errorf("encoded value is %d bytes, limit is %d", len(region), c.opts.MaxPayloadBytes)
	}

	var flags byte
	if c.opts.CompressThreshold > 0 && len(region) > c.opts.CompressThreshold {
		var zbuf bytes.Buffer
		zbuf.Write(out[:HeaderSize])
		w := brotli.NewWriterLevel(&zbuf, brotliLevel)
		if _, err := w.Write(region); err != nil {
			return nil, fmt.Errorf("compressing value: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compressing value: %w", err)
		}
		if zbuf.Len() < len(out) {
			out = zbuf.Bytes()
			flags |= flagBrotli
		}
	}

	length := len(out) - HeaderSize
	if uint64(length) > math.MaxUint32 {
		return nil, fmt.Errorf("encoded value too large: %d bytes", length)
	}
	out[0] = magic0
	out[1] = magic1
	out[2] = Version
	out[3] = flags
	binary.BigEndian.PutUint32(out[4:HeaderSize], uint32(length))
	return out, nil
}

// Unmarshal validates the header of data and decodes the value region.
func (c *Codec) Unmarshal(data []byte) (any, error) {
	if len(data) < HeaderSize {
		return nil, protoErr("header truncated: %d bytes", len(data))
	}
	if data[0] != magic0 || data[1] != magic1 {
		return nil, protoErr("bad magic %#x%02x", data[0], data[1])
	}
	if data[2] != Version {
		return nil, protoErr("unsupported version %d", data[2])
	}
	flags := data[3]
	if flags&^knownFlags != 0 {
		return nil, protoErr("unknown flags %#x", flags)
	}
	length := binary.BigEndian.Uint32(data[4:HeaderSize])
	if uint64(len(data)-HeaderSize) != uint64(length) {
		return nil, protoErr("declared length %d, have %d bytes", length, len(data)-HeaderSize)
	}
	if int64(length) > int64(c.opts.MaxPayloadBytes) {
		return nil, protoErr("value region of %d bytes exceeds %d", length, c.opts.MaxPayloadBytes)
	}
	region := data[HeaderSize:]

	if flags&flagBrotli != 0 {
		r := io.LimitReader(brotli.NewReader(bytes.NewReader(region)), int64(c.opts.MaxPayloadBytes)+1)
		plain, err := io.ReadAll(r)
		if err != nil {
			return nil, &core.ProtocolError{Op: "decode", Reason: "corrupt compressed value", Err: err}
		}
		if len(plain) > c.opts.MaxPayloadBytes {
			return nil, protoErr("decompressed value exceeds %d bytes", c.opts.MaxPayloadBytes)
		}
		region = plain
	}

	d := &decoder{data: region, maxDepth: c.opts.MaxDepth}
	v, err := d.decode(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, protoErr("%d trailing bytes after value", len(d.data)-d.pos)
	}
	return v, nil
}

// Marshal encodes v with the Default codec.
func Marshal(v any) ([]byte, error) { return Default.Marshal(v) }

// Unmarshal decodes data with the Default codec.
func Unmarshal(data []byte) (any, error) { return Default.Unmarshal(data) }

func protoErr(format string, args ...any) error {
	return &core.ProtocolError{Op: "decode", Reason: fmt.Sprintf(format, args...)}
}

type encoder struct {
	buf      bytes.Buffer
	scratch  [binary.MaxVarintLen64]byte
	maxDepth int
}

func (e *encoder) encode(v reflect.Value, depth int) error {
	if depth > e.maxDepth {
		return fmt.Errorf("value nested deeper than %d", e.maxDepth)
	}
	if !v.IsValid() {
		e.buf.WriteByte(tagNil)
		return nil
	}
	if n, ok := v.Interface().(interface{ Int64() (int64, error) }); ok && v.Kind() == reflect.String {
		// json.Number
		if i, err := n.Int64(); err == nil {
			e.writeInt(i)
			return nil
		}
		if f, ok := v.Interface().(interface{ Float64() (float64, error) }); ok {
			if x, err := f.Float64(); err == nil {
				e.writeFloat(x)
				return nil
			}
		}
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			e.buf.WriteByte(tagNil)
			return nil
		}
		return e.encode(v.Elem(), depth)
	case reflect.Bool:
		if v.Bool() {
			e.buf.WriteByte(tagTrue)
		} else {
			e.buf.WriteByte(tagFalse)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.writeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return fmt.Errorf("unsigned value %d overflows int64", u)
		}
		e.writeInt(int64(u))
	case reflect.Float32, reflect.Float64:
		e.writeFloat(v.Float())
	case reflect.String:
		e.buf.WriteByte(tagString)
		e.writeString(v.String())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			e.buf.WriteByte(tagBytes)
			b := v.Bytes()
			e.writeUvarint(uint64(len(b)))
			e.buf.Write(b)
			return nil
		}
		if v.Kind() == reflect.Slice && v.IsNil() {
			e.buf.WriteByte(tagNil)
			return nil
		}
		e.buf.WriteByte(tagArray)
		e.writeUvarint(uint64(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := e.encode(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unsupported map key type %s", v.Type().Key())
		}
		if v.IsNil() {
			e.buf.WriteByte(tagNil)
			return nil
		}
		keys := make([]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			keys = append(keys, iter.Key().String())
		}
		sort.Strings(keys)
		e.buf.WriteByte(tagMap)
		e.writeUvarint(uint64(len(keys)))
		for _, k := range keys {
			e.writeString(k)
			kv := reflect.ValueOf(k).Convert(v.Type().Key())
			if err := e.encode(v.MapIndex(kv), depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported value type %s", v.Type())
	}
	return nil
}

func (e *encoder) writeInt(i int64) {
	e.buf.WriteByte(tagInt)
	n := binary.PutVarint(e.scratch[:], i)
	e.buf.Write(e.scratch[:n])
}

func (e *encoder) writeFloat(f float64) {
	e.buf.WriteByte(tagFloat)
	binary.BigEndian.PutUint64(e.scratch[:8], math.Float64bits(f))
	e.buf.Write(e.scratch[:8])
}

func (e *encoder) writeUvarint(u uint64) {
	n := binary.PutUvarint(e.scratch[:], u)
	e.buf.Write(e.scratch[:n])
}

func (e *encoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.buf.WriteString(s)
}

type decoder struct {
	data     []byte
	pos      int
	maxDepth int
}

func (d *decoder) decode(depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, protoErr("value nested deeper than %d", d.maxDepth)
	}
	if d.pos >= len(d.data) {
		return nil, protoErr("value truncated at offset %d", d.pos)
	}
	tag := d.data[d.pos]
	d.pos++

	switch tag {
	case tagNil:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		i, n := binary.Varint(d.data[d.pos:])
		if n <= 0 {
			return nil, protoErr("bad integer at offset %d", d.pos)
		}
		d.pos += n
		return i, nil
	case tagFloat:
		if len(d.data)-d.pos < 8 {
			return nil, protoErr("float truncated at offset %d", d.pos)
		}
		bits := binary.BigEndian.Uint64(d.data[d.pos:])
		d.pos += 8
		return math.Float64frombits(bits), nil
	case tagString:
		b, err := d.readBlock()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagBytes:
		b, err := d.readBlock()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case tagArray:
		n, err := d.readCount()
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			item, err := d.decode(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case tagMap:
		n, err := d.readCount()
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, n)
		for i := 0; i < n; i++ {
			k, err := d.readBlock()
			if err != nil {
				return nil, err
			}
			item, err := d.decode(depth + 1)
			if err != nil {
				return nil, err
			}
			m[string(k)] = item
		}
		return m, nil
	default:
		return nil, protoErr("unknown tag %#x at offset %d", tag, d.pos-1)
	}
}

// readCount reads an element count. Every element takes at least one byte,
// so a count larger than the remaining input is rejected before allocating.
func (d *decoder) readCount() (int, error) {
	u, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		return 0, protoErr("bad count at offset %d", d.pos)
	}
	d.pos += n
	if u > uint64(len(d.data)-d.pos) {
		return 0, protoErr("count %d exceeds remaining %d bytes", u, len(d.data)-d.pos)
	}
	return int(u), nil
}

func (d *decoder) readBlock() ([]byte, error) {
	u, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		return nil, protoErr("bad length at offset %d", d.pos)
	}
	d.pos += n
	if u > uint64(len(d.data)-d.pos) {
		return nil, protoErr("length %d exceeds remaining %d bytes", u, len(d.data)-d.pos)
	}
	b := d.data[d.pos : d.pos+int(u)]
	d.pos += int(u)
	return b, nil
}
