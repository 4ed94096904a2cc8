package schema

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/anvilcms/anvil/anvil_errors"
)

// Doc is a decoded canonical document. Numbers stay json.Number so
// 64-bit integers survive the round trip.
type Doc = map[string]any

func DecodeDoc(data []byte) (Doc, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Doc
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(anvil_errors.ErrDecodingFailure, err.Error())
	}
	return doc, nil
}

// Lookup resolves a dotted path ("spec.slug", "status.phase") inside
// a document.
func Lookup(doc Doc, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Scalar renders a leaf value the way selectors and indices compare
// it. Objects and null have no scalar form.
func Scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// Scalars flattens a leaf into its scalar values: one for a scalar
// leaf, many for an array leaf, none for anything else.
func Scalars(v any) []string {
	if list, ok := v.([]any); ok {
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := Scalar(item); ok {
				out = append(out, s)
			}
		}
		return out
	}
	if s, ok := Scalar(v); ok {
		return []string{s}
	}
	return nil
}
