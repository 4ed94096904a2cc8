package indexes

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/anvilcms/anvil/schema"
)

// Value is an indexable scalar. Numeric values order numerically and
// sort before all strings; everything else orders byte-wise.
type Value struct {
	raw     string
	num     float64
	numeric bool
}

func NewValue(raw string) Value {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Value{raw: raw, num: f, numeric: true}
	}
	return Value{raw: raw}
}

func NumberValue(f float64) Value {
	return Value{raw: strconv.FormatFloat(f, 'g', -1, 64), num: f, numeric: true}
}

func (v Value) String() string {
	return v.raw
}

// encode produces order-preserving bytes: 'n' + sortable float bits
// for numbers, 's' + raw bytes for strings.
func (v Value) encode() []byte {
	if v.numeric {
		bits := math.Float64bits(v.num)
		if v.num >= 0 || bits == 0 {
			bits |= 1 << 63
		} else {
			bits = ^bits
		}
		out := make([]byte, 9)
		out[0] = 'n'
		binary.BigEndian.PutUint64(out[1:], bits)
		return out
	}
	return append([]byte{'s'}, v.raw...)
}

// Extractor pulls zero, one or many scalar values out of a decoded
// document.
type Extractor func(doc schema.Doc) []Value

// Descriptor declares a value index on a kind.
type Descriptor struct {
	Kind    schema.GVK
	Name    string
	Extract Extractor
	Multi   bool
	Unique  bool
}

// Field is the common extractor: a dotted path into the document.
// A scalar leaf yields one value, an array leaf one value per scalar
// element, a missing or non-scalar leaf none.
func Field(path string) Extractor {
	return func(doc schema.Doc) []Value {
		leaf, ok := schema.Lookup(doc, path)
		if !ok {
			return nil
		}
		scalars := schema.Scalars(leaf)
		values := make([]Value, 0, len(scalars))
		for _, s := range scalars {
			values = append(values, NewValue(s))
		}
		return values
	}
}

func (d *Descriptor) extract(doc schema.Doc) []Value {
	values := d.Extract(doc)
	if !d.Multi && len(values) > 1 {
		values = values[:1]
	}
	return values
}
