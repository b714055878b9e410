package cdc

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Correction rewrites a raw column value before it is assigned to a field.
// Sources disagree on units for some column types (day counts vs. epoch
// millis for DATE being the usual offender), so they are fixed per column.
type Correction func(v any) (any, error)

// DecoderOption configures a Decoder.
type DecoderOption func(*decoderOptions)

type decoderOptions struct {
	corrections map[string]Correction
	strict      bool
}

// WithColumnCorrection applies fn to the named column before assignment.
func WithColumnCorrection(column string, fn Correction) DecoderOption {
	return func(o *decoderOptions) {
		o.corrections[column] = fn
	}
}

// WithStrictColumns makes Decode fail when a mapped column is missing from
// the record instead of leaving the field zero.
func WithStrictColumns() DecoderOption {
	return func(o *decoderOptions) {
		o.strict = true
	}
}

// Decoder turns a RecordPart into a T. Field resolution happens once in
// NewDecoder; Decode only walks the prepared plan.
//
// Fields map to columns through a `cdc:"column"` tag, falling back to the
// snake_case form of the field name. `cdc:"-"` skips a field.
type Decoder[T any] struct {
	fields []fieldPlan
	opts   decoderOptions
}

type fieldPlan struct {
	column     string
	index      int
	typ        reflect.Type
	correction Correction
}

var timeType = reflect.TypeOf(time.Time{})

// NewDecoder builds a decoder for the struct type T.
func NewDecoder[T any](opts ...DecoderOption) (*Decoder[T], error) {
	o := decoderOptions{corrections: make(map[string]Correction)}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	t := reflect.TypeOf(zero)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("decoder target must be a struct, got %v", t)
	}

	d := &Decoder[T]{opts: o}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		column := f.Tag.Get("cdc")
		if column == "-" {
			continue
		}
		if column == "" {
			column = snakeCase(f.Name)
		}
		d.fields = append(d.fields, fieldPlan{
			column:     column,
			index:      i,
			typ:        f.Type,
			correction: o.corrections[column],
		})
	}

	for column := range o.corrections {
		if !d.hasColumn(column) {
			return nil, fmt.Errorf("correction registered for unmapped column %q", column)
		}
	}
	return d, nil
}

func (d *Decoder[T]) hasColumn(column string) bool {
	for _, f := range d.fields {
		if f.column == column {
			return true
		}
	}
	return false
}

// Decode converts part into a T.
func (d *Decoder[T]) Decode(part RecordPart) (T, error) {
	var out T
	if part == nil {
		return out, &SchemaIncompatibleError{Reason: "record part is absent"}
	}

	rv := reflect.ValueOf(&out).Elem()
	for _, f := range d.fields {
		raw, ok := part[f.column]
		if !ok {
			if d.opts.strict {
				return out, &SchemaIncompatibleError{Column: f.column, Reason: "column missing from record"}
			}
			continue
		}
		if f.correction != nil {
			corrected, err := f.correction(raw)
			if err != nil {
				return out, &SchemaIncompatibleError{Column: f.column, Reason: err.Error()}
			}
			raw = corrected
		}
		if err := assign(rv.Field(f.index), raw); err != nil {
			return out, &SchemaIncompatibleError{Column: f.column, Reason: err.Error()}
		}
	}
	return out, nil
}

func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	src := reflect.ValueOf(v)
	if dst.Kind() == reflect.Pointer {
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		switch x := v.(type) {
		case []byte:
			dst.SetString(string(x))
			return nil
		case fmt.Stringer:
			dst.SetString(x.String())
			return nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(src)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil
	case reflect.Bool:
		if n, err := toInt64(src); err == nil {
			dst.SetBool(n != 0)
			return nil
		}
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			if s, ok := v.(string); ok {
				dst.SetBytes([]byte(s))
				return nil
			}
		}
	case reflect.Struct:
		if dst.Type() == timeType {
			t, err := toTime(v)
			if err != nil {
				return err
			}
			dst.Set(reflect.ValueOf(t))
			return nil
		}
	}
	return fmt.Errorf("cannot assign %T to %s", v, dst.Type())
}

func toInt64(v reflect.Value) (int64, error) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("value %v is not integral", f)
		}
		return int64(f), nil
	case reflect.String:
		return strconv.ParseInt(v.String(), 10, 64)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return strconv.ParseInt(string(v.Bytes()), 10, 64)
		}
	case reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot convert %s to integer", v.Type())
}

func toFloat64(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.String:
		return strconv.ParseFloat(v.String(), 64)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return strconv.ParseFloat(string(v.Bytes()), 64)
		}
	}
	return 0, fmt.Errorf("cannot convert %s to float", v.Type())
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(v any) (time.Time, error) {
	var s string
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time", v)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time value %q", s)
}

// DaysToTime interprets an integer column as days since the Unix epoch.
func DaysToTime(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	days, err := toInt64(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return time.Unix(days*86400, 0).UTC(), nil
}

// MillisToTime interprets an integer column as milliseconds since the Unix
// epoch.
func MillisToTime(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	ms, err := toInt64(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func snakeCase(name string) string {
	var sb strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
