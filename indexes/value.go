package indexes

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/anvilcms/anvil/anvil_errors"
)

// valueEq answers eq(v) on a value index, in local-name order.
func valueEq(reader pebble.Reader, kid, iid uint64, v Value) ([]string, error) {
	return scanLocals(reader, valueEqPrefix(kid, iid, v))
}

// valueIn is the sorted union of eq lookups; for a multi-valued
// index this is contains_any.
func valueIn(reader pebble.Reader, kid, iid uint64, values []Value) ([]string, error) {
	var union []string
	for _, v := range values {
		locals, err := valueEq(reader, kid, iid, v)
		if err != nil {
			return nil, err
		}
		union = append(union, locals...)
	}
	return sortedUnique(union), nil
}

// valueContainsAll intersects eq lookups: local names whose extracted
// set covers every given value.
func valueContainsAll(reader pebble.Reader, kid, iid uint64, values []Value) ([]string, error) {
	var result []string
	for i, v := range values {
		locals, err := valueEq(reader, kid, iid, v)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result = locals
		} else {
			result = intersectSorted(result, locals)
		}
		if len(result) == 0 {
			return nil, nil
		}
	}
	return result, nil
}

// valueRange scans [lo, hi] in scalar order. Nil bounds are open;
// inclusive flags pick whether the bound value itself is admitted.
// Results come back sorted by local name.
func valueRange(reader pebble.Reader, kid, iid uint64, lo, hi *Value, loInc, hiInc bool) ([]string, error) {
	lower := valuePrefix(kid, iid)
	if lo != nil {
		if loInc {
			lower = valueEqPrefix(kid, iid, *lo)
		} else {
			lower = prefixEnd(valueEqPrefix(kid, iid, *lo))
		}
	}
	upper := prefixEnd(valuePrefix(kid, iid))
	if hi != nil {
		if hiInc {
			upper = prefixEnd(valueEqPrefix(kid, iid, *hi))
		} else {
			upper = valueEqPrefix(kid, iid, *hi)
		}
	}
	it, err := reader.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	defer it.Close()
	var locals []string
	for valid := it.First(); valid; valid = it.Next() {
		locals = append(locals, localNameOf(it.Key()))
	}
	return sortedUnique(locals), nil
}

// scanOrdered yields local names in scalar order (duplicates from a
// multi-valued index dropped on first occurrence), for index-backed
// sorting.
func scanOrdered(reader pebble.Reader, kid, iid uint64, desc bool) ([]string, error) {
	prefix := valuePrefix(kid, iid)
	it, err := reader.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	defer it.Close()
	seen := make(map[string]struct{})
	var locals []string
	advance := it.First
	step := it.Next
	if desc {
		advance = it.Last
		step = it.Prev
	}
	for valid := advance(); valid; valid = step() {
		local := localNameOf(it.Key())
		if _, dup := seen[local]; dup {
			continue
		}
		seen[local] = struct{}{}
		locals = append(locals, local)
	}
	return locals, nil
}

// uniqueOwner returns the local name currently holding a value in a
// unique index, if any.
func uniqueOwner(reader pebble.Reader, kid, iid uint64, v Value) (string, bool, error) {
	locals, err := valueEq(reader, kid, iid, v)
	if err != nil {
		return "", false, err
	}
	if len(locals) == 0 {
		return "", false, nil
	}
	return locals[0], true, nil
}

// applyValueDiff applies the minimal change between old and new
// extracted values to the batch.
func applyValueDiff(batch *pebble.Batch, kid, iid uint64, localName string, old, new []Value) error {
	oldSet := make(map[string]Value, len(old))
	for _, v := range old {
		oldSet[v.raw] = v
	}
	newSet := make(map[string]Value, len(new))
	for _, v := range new {
		newSet[v.raw] = v
	}
	for raw, v := range oldSet {
		if _, keep := newSet[raw]; !keep {
			if err := batch.Delete(valueKey(kid, iid, v, localName), nil); err != nil {
				return err
			}
		}
	}
	for raw, v := range newSet {
		if _, had := oldSet[raw]; !had {
			if err := batch.Set(valueKey(kid, iid, v, localName), nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func intersectSorted(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func subtractSorted(a, b []string) []string {
	var out []string
	j := 0
	for _, x := range a {
		for j < len(b) && b[j] < x {
			j++
		}
		if j < len(b) && b[j] == x {
			continue
		}
		out = append(out, x)
	}
	return out
}
