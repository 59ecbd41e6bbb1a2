package dolibarr

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record gives typed access to one upstream object. Conversion failures are
// sticky: the first malformed field is kept and reported by Err, later reads
// return zero values.
type Record struct {
	fields map[string]json.RawMessage
	loc    *time.Location
	err    error
}

// Decode parses raw as a JSON object. Dates are interpreted in UTC.
func Decode(raw json.RawMessage) (*Record, error) {
	return DecodeIn(raw, time.UTC)
}

// DecodeIn parses raw, resolving calendar dates in loc (the upstream server zone).
func DecodeIn(raw json.RawMessage, loc *time.Location) (*Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &UpstreamDataError{Field: "record", Raw: truncate(string(raw)), Err: err}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Record{fields: fields, loc: loc}, nil
}

// Err returns the first normalization failure.
func (r *Record) Err() error { return r.err }

func (r *Record) fail(field, raw string, err error) {
	if r.err == nil {
		r.err = &UpstreamDataError{Field: field, Raw: raw, Err: err}
	}
}

// scalar returns the field as text. JSON null, false and absent fields are empty.
func (r *Record) scalar(name string) (string, bool) {
	raw, ok := r.fields[name]
	if !ok {
		return "", false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			r.fail(name, string(raw), err)
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	if bytes.Equal(raw, []byte("true")) {
		return "1", true
	}
	if raw[0] == '{' || raw[0] == '[' {
		r.fail(name, truncate(string(raw)), nil)
		return "", false
	}
	return string(raw), true
}

// String returns the first non-empty value among names.
func (r *Record) String(names ...string) string {
	for _, name := range names {
		if v, ok := r.scalar(name); ok {
			return v
		}
	}
	return ""
}

// ID returns a reference field as text; "0" means no reference.
func (r *Record) ID(names ...string) string {
	v := r.String(names...)
	if v == "0" {
		return ""
	}
	return v
}

// Int parses the first non-empty integer field among names. Empty is 0.
func (r *Record) Int(names ...string) int {
	for _, name := range names {
		v, ok := r.scalar(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			// integers sometimes arrive as "1.0"
			d, derr := decimal.NewFromString(v)
			if derr != nil || !d.Equal(d.Truncate(0)) {
				r.fail(name, v, err)
				return 0
			}
			return int(d.IntPart())
		}
		return n
	}
	return 0
}

// Bool reads the upstream "0"/"1" flags.
func (r *Record) Bool(names ...string) bool {
	return r.Int(names...) != 0
}

// Decimal parses a decimal string or number. Empty is zero.
func (r *Record) Decimal(name string) decimal.Decimal {
	v, ok := r.scalar(name)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.fail(name, v, err)
		return decimal.Zero
	}
	return d
}

// Time converts Unix seconds to a UTC instant. Empty is nil.
func (r *Record) Time(name string) *time.Time {
	sec, ok := r.unix(name)
	if !ok {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

var dateLayouts = []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

// Date converts Unix seconds, or a "YYYY-MM-DD[ hh:mm:ss]" string, to a
// calendar date in the upstream zone. Empty is nil.
func (r *Record) Date(names ...string) *time.Time {
	for _, name := range names {
		v, ok := r.scalar(name)
		if !ok {
			continue
		}
		var local time.Time
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			if sec == 0 {
				continue
			}
			local = time.Unix(sec, 0).In(r.loc)
		} else {
			parsed, perr := parseLocal(v, r.loc)
			if perr != nil {
				r.fail(name, v, perr)
				return nil
			}
			local = parsed
		}
		d := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
		return &d
	}
	return nil
}

func parseLocal(v string, loc *time.Location) (time.Time, error) {
	var err error
	for _, layout := range dateLayouts {
		var t time.Time
		if t, err = time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func (r *Record) unix(name string) (int64, bool) {
	v, ok := r.scalar(name)
	if !ok {
		return 0, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(name, v, err)
		return 0, false
	}
	if sec == 0 {
		return 0, false
	}
	return sec, true
}

// Children decodes an embedded array of objects such as invoice lines.
func (r *Record) Children(name string) []*Record {
	raw, ok := r.fields[name]
	if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		r.fail(name, truncate(string(raw)), err)
		return nil
	}
	out := make([]*Record, 0, len(items))
	for i, item := range items {
		child, err := DecodeIn(item, r.loc)
		if err != nil {
			r.fail(name+"["+strconv.Itoa(i)+"]", truncate(string(item)), err)
			return nil
		}
		out = append(out, child)
	}
	return out
}
