// Package fieldmap converts typed struct fields to and from the
// map[string]string shape Redis hashes store. It is the single place that
// knows how each field kind is encoded:
//
//	bool    "0" / "1"
//	int     base-10
//	float   strconv 'g', 64-bit
//	time    Unix milliseconds, base-10 ("" and "0" mean zero time)
//	json    encoding/json for lists/maps
//
// Decoding is strict: a malformed value poisons the Decoder and Err returns
// the first failure. Callers treat that as a corrupt cache entry.
package fieldmap

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Encoder accumulates fields for one hash write.
type Encoder struct {
	m map[string]string
}

func NewEncoder() *Encoder {
	return &Encoder{m: make(map[string]string, 16)}
}

func (e *Encoder) Str(k, v string)           { e.m[k] = v }
func (e *Encoder) Int(k string, v int)       { e.m[k] = strconv.Itoa(v) }
func (e *Encoder) Int64(k string, v int64)   { e.m[k] = strconv.FormatInt(v, 10) }
func (e *Encoder) Float(k string, v float64) { e.m[k] = strconv.FormatFloat(v, 'g', -1, 64) }

func (e *Encoder) Bool(k string, v bool) {
	if v {
		e.m[k] = "1"
	} else {
		e.m[k] = "0"
	}
}

// Time stores Unix milliseconds; the zero time encodes as "0".
func (e *Encoder) Time(k string, v time.Time) {
	if v.IsZero() {
		e.m[k] = "0"
		return
	}
	e.m[k] = strconv.FormatInt(v.UnixMilli(), 10)
}

// JSON stores v as a JSON document. Encoding failures are deferred to Map.
func (e *Encoder) JSON(k string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		// json.Marshal only fails on unsupported types; store a null so the
		// field stays present and decodable.
		e.m[k] = "null"
		return
	}
	e.m[k] = string(b)
}

// Map returns the accumulated fields.
func (e *Encoder) Map() map[string]string { return e.m }

// Decoder reads typed fields out of a hash. Missing fields decode to zero
// values (hashes written by older versions may lack newer fields); malformed
// values record an error retrievable via Err.
type Decoder struct {
	m   map[string]string
	err error
}

func NewDecoder(m map[string]string) *Decoder {
	return &Decoder{m: m}
}

func (d *Decoder) fail(k, kind, raw string) {
	if d.err == nil {
		d.err = fmt.Errorf("fieldmap: field %q: malformed %s value %q", k, kind, raw)
	}
}

func (d *Decoder) Str(k string) string { return d.m[k] }

func (d *Decoder) Int(k string) int {
	v, ok := d.m[k]
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		d.fail(k, "int", v)
		return 0
	}
	return n
}

func (d *Decoder) Float(k string) float64 {
	v, ok := d.m[k]
	if !ok || v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		d.fail(k, "float", v)
		return 0
	}
	return f
}

func (d *Decoder) Bool(k string) bool {
	v, ok := d.m[k]
	if !ok || v == "" {
		return false
	}
	switch v {
	case "0":
		return false
	case "1":
		return true
	default:
		d.fail(k, "bool", v)
		return false
	}
}

func (d *Decoder) Time(k string) time.Time {
	v, ok := d.m[k]
	if !ok || v == "" || v == "0" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		d.fail(k, "time", v)
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// JSON unmarshals the field into out. A missing or empty field leaves out
// untouched.
func (d *Decoder) JSON(k string, out any) {
	v, ok := d.m[k]
	if !ok || v == "" {
		return
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		d.fail(k, "json", v)
	}
}

// Err returns the first decode failure, or nil.
func (d *Decoder) Err() error { return d.err }
