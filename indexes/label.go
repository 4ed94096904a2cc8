package indexes

import (
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/anvilcms/anvil/anvil_errors"
)

// scanLocals collects the trailing local names of every key in
// [prefix, prefixEnd). Keys under one fixed prefix are already in
// local-name order; the caller sorts when prefixes are mixed.
func scanLocals(reader pebble.Reader, prefix []byte) ([]string, error) {
	it, err := reader.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	defer it.Close()
	var locals []string
	for valid := it.First(); valid; valid = it.Next() {
		locals = append(locals, localNameOf(it.Key()))
	}
	return locals, nil
}

func scanMembership(reader pebble.Reader, kid uint64) ([]string, error) {
	prefix := membershipPrefix(kid)
	it, err := reader.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	defer it.Close()
	var locals []string
	for valid := it.First(); valid; valid = it.Next() {
		locals = append(locals, string(it.Key()[len(prefix):]))
	}
	return locals, nil
}

// labelEquals answers equals(k, v): local names carrying the exact
// label pair, in local-name order.
func labelEquals(reader pebble.Reader, kid uint64, key, value string) ([]string, error) {
	return scanLocals(reader, labelValuePrefix(kid, key, value))
}

// labelIn answers in(k, {v...}): the sorted union over the values.
func labelIn(reader pebble.Reader, kid uint64, key string, values []string) ([]string, error) {
	var union []string
	for _, value := range values {
		locals, err := labelEquals(reader, kid, key, value)
		if err != nil {
			return nil, err
		}
		union = append(union, locals...)
	}
	return sortedUnique(union), nil
}

// labelExists answers exists(k): local names carrying the key with
// any value.
func labelExists(reader pebble.Reader, kid uint64, key string) ([]string, error) {
	locals, err := scanLocals(reader, labelKeyPrefix(kid, key))
	if err != nil {
		return nil, err
	}
	return sortedUnique(locals), nil
}

// applyLabelDiff applies the minimal change set between two label
// maps to the batch.
func applyLabelDiff(batch *pebble.Batch, kid uint64, localName string, old, new map[string]string) error {
	for k, v := range old {
		if nv, ok := new[k]; !ok || nv != v {
			if err := batch.Delete(labelKey(kid, k, v, localName), nil); err != nil {
				return err
			}
		}
	}
	for k, v := range new {
		if ov, ok := old[k]; !ok || ov != v {
			if err := batch.Set(labelKey(kid, k, v, localName), nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedUnique(locals []string) []string {
	if len(locals) < 2 {
		return locals
	}
	sort.Strings(locals)
	out := locals[:1]
	for _, l := range locals[1:] {
		if l != out[len(out)-1] {
			out = append(out, l)
		}
	}
	return out
}
