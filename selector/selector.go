// Package selector parses and evaluates the two textual predicate
// grammars of the extension store: label selectors over metadata
// labels and field selectors over dotted paths of the decoded value.
// Clauses are ANDed. The package only evaluates; turning clauses into
// index lookups is the registry's job.
package selector

import (
	"slices"
	"strconv"

	"github.com/anvilcms/anvil/schema"
)

type Operator string

const (
	Equals         Operator = "="
	NotEquals      Operator = "!="
	In             Operator = "in"
	NotIn          Operator = "notin"
	Exists         Operator = "exists"
	DoesNotExist   Operator = "!"
	LessThan       Operator = "<"
	LessOrEqual    Operator = "<="
	GreaterThan    Operator = ">"
	GreaterOrEqual Operator = ">="
)

// Requirement is one clause: key, operator and zero or more values.
type Requirement struct {
	Key    string
	Op     Operator
	Values []string
}

type Selector []Requirement

func (s Selector) Empty() bool {
	return len(s) == 0
}

// MatchesLabels evaluates the selector against a label map. Negative
// operators match rows that lack the key entirely, and a selector of
// only absent-key clauses therefore matches unlabeled rows.
func (s Selector) MatchesLabels(labels map[string]string) bool {
	for _, req := range s {
		v, ok := labels[req.Key]
		if !req.matchScalar(v, ok) {
			return false
		}
	}
	return true
}

// MatchesDoc evaluates the selector against a decoded document,
// resolving each key as a dotted path. Array leaves match positive
// clauses if any element does, negative clauses only if all do.
func (s Selector) MatchesDoc(doc schema.Doc) bool {
	for _, req := range s {
		if !req.MatchesDoc(doc) {
			return false
		}
	}
	return true
}

func (r Requirement) MatchesDoc(doc schema.Doc) bool {
	v, ok := schema.Lookup(doc, r.Key)
	if !ok {
		return r.matchScalar("", false)
	}
	scalars := schema.Scalars(v)
	if len(scalars) == 0 {
		return r.matchScalar("", false)
	}
	if r.negative() {
		for _, s := range scalars {
			if !r.matchScalar(s, true) {
				return false
			}
		}
		return true
	}
	for _, s := range scalars {
		if r.matchScalar(s, true) {
			return true
		}
	}
	return false
}

func (r Requirement) negative() bool {
	return r.Op == NotEquals || r.Op == NotIn || r.Op == DoesNotExist
}

func (r Requirement) matchScalar(value string, present bool) bool {
	switch r.Op {
	case Exists:
		return present
	case DoesNotExist:
		return !present
	case Equals:
		return present && value == r.Values[0]
	case NotEquals:
		return !present || value != r.Values[0]
	case In:
		return present && slices.Contains(r.Values, value)
	case NotIn:
		return !present || !slices.Contains(r.Values, value)
	case LessThan, LessOrEqual, GreaterThan, GreaterOrEqual:
		if !present {
			return false
		}
		c := Compare(value, r.Values[0])
		switch r.Op {
		case LessThan:
			return c < 0
		case LessOrEqual:
			return c <= 0
		case GreaterThan:
			return c > 0
		default:
			return c >= 0
		}
	}
	return false
}

// Compare orders two scalar renderings: numbers numerically,
// everything else byte-wise. The same rule orders the single-value
// index, so residual evaluation, decoded sorting and index range scans
// agree.
func Compare(a, b string) int {
	fa, erra := strconv.ParseFloat(a, 64)
	fb, errb := strconv.ParseFloat(b, 64)
	if erra == nil && errb == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
