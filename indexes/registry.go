package indexes

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/schema"
	"github.com/anvilcms/anvil/selector"
)

// Registry holds the value indexes declared per kind and turns
// selectors into ordered index lookups plus a residual predicate.
// Registration happens at boot; Freeze flips the registry read-only
// before the first write is admitted.
type Registry struct {
	mu     sync.Mutex
	kinds  *xsync.MapOf[schema.GVK, *kindIndexes]
	byID   *xsync.MapOf[uint64, schema.GVK]
	frozen atomic.Bool
}

type kindIndexes struct {
	ordered []*Descriptor
	byName  map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		kinds: xsync.NewMapOf[schema.GVK, *kindIndexes](),
		byID:  xsync.NewMapOf[uint64, schema.GVK](),
	}
}

// Register declares a value index. Idempotent by (kind, name); a
// second registration with the same id is ignored. Fails after
// Freeze.
func (r *Registry) Register(d Descriptor) error {
	if r.frozen.Load() {
		return errors.Wrap(anvil_errors.ErrValidation, "registry is frozen")
	}
	if d.Name == "" || d.Extract == nil {
		return errors.Wrap(anvil_errors.ErrValidation, "index descriptor needs a name and an extractor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ki, _ := r.kinds.LoadOrStore(d.Kind, &kindIndexes{byName: make(map[string]*Descriptor)})
	if _, dup := ki.byName[d.Name]; dup {
		return nil
	}
	desc := d
	ki.byName[d.Name] = &desc
	ki.ordered = append(ki.ordered, &desc)
	r.byID.Store(KindID(d.Kind), d.Kind)
	return nil
}

// Freeze is the one-time barrier after boot registrations.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

func (r *Registry) Descriptors(kind schema.GVK) []*Descriptor {
	if ki, ok := r.kinds.Load(kind); ok {
		return ki.ordered
	}
	return nil
}

func (r *Registry) Descriptor(kind schema.GVK, name string) (*Descriptor, bool) {
	if ki, ok := r.kinds.Load(kind); ok {
		d, ok := ki.byName[name]
		return d, ok
	}
	return nil, false
}

// Kinds lists every kind that has at least one declared index or has
// been touched by registration.
func (r *Registry) Kinds() []schema.GVK {
	var out []schema.GVK
	r.kinds.Range(func(k schema.GVK, _ *kindIndexes) bool {
		out = append(out, k)
		return true
	})
	return out
}

func (r *Registry) KindByID(kid uint64) (schema.GVK, bool) {
	return r.byID.Load(kid)
}

// idSet is one materialized index lookup during planning.
type idSet struct {
	ids      []string
	negative bool
}

// IdsMatching plans and executes a selector pair against the indexes:
// equality-shaped clauses with coverage become sorted id sets, the
// smallest set is intersected first, negative clauses subtract from
// the membership universe, and clauses with no coverage come back as
// the residual for post-filtering over decoded values. The result is
// ordered by local name.
func (r *Registry) IdsMatching(reader pebble.Reader, kind schema.GVK, labels, fields selector.Selector) (ids []string, residual selector.Selector, err error) {
	kid := KindID(kind)
	var positives []idSet
	var negatives []idSet

	for _, req := range labels {
		set, covered, err := r.labelLookup(reader, kid, req)
		if err != nil {
			return nil, nil, err
		}
		if !covered {
			residual = append(residual, req)
			continue
		}
		if set.negative {
			negatives = append(negatives, set)
		} else {
			positives = append(positives, set)
		}
	}
	for _, req := range fields {
		set, covered, err := r.fieldLookup(reader, kid, kind, req)
		if err != nil {
			return nil, nil, err
		}
		if !covered {
			residual = append(residual, req)
			continue
		}
		positives = append(positives, set)
	}

	if len(positives) > 0 {
		// most selective first
		sort.Slice(positives, func(i, j int) bool {
			return len(positives[i].ids) < len(positives[j].ids)
		})
		ids = positives[0].ids
		for _, set := range positives[1:] {
			ids = intersectSorted(ids, set.ids)
			if len(ids) == 0 {
				break
			}
		}
	} else {
		ids, err = scanMembership(reader, kid)
		if err != nil {
			return nil, nil, err
		}
	}
	for _, set := range negatives {
		ids = subtractSorted(ids, set.ids)
	}
	return ids, residual, nil
}

// labelLookup covers every label-selector operator through the label
// index. Negative operators come back as the set to subtract.
func (r *Registry) labelLookup(reader pebble.Reader, kid uint64, req selector.Requirement) (idSet, bool, error) {
	switch req.Op {
	case selector.Equals:
		ids, err := labelEquals(reader, kid, req.Key, req.Values[0])
		return idSet{ids: ids}, true, err
	case selector.In:
		ids, err := labelIn(reader, kid, req.Key, req.Values)
		return idSet{ids: ids}, true, err
	case selector.Exists:
		ids, err := labelExists(reader, kid, req.Key)
		return idSet{ids: ids}, true, err
	case selector.NotEquals:
		ids, err := labelEquals(reader, kid, req.Key, req.Values[0])
		return idSet{ids: ids, negative: true}, true, err
	case selector.NotIn:
		ids, err := labelIn(reader, kid, req.Key, req.Values)
		return idSet{ids: ids, negative: true}, true, err
	case selector.DoesNotExist:
		ids, err := labelExists(reader, kid, req.Key)
		return idSet{ids: ids, negative: true}, true, err
	}
	return idSet{}, false, nil
}

// fieldLookup covers equality and in for any declared index, range
// operators only for single-valued ones. A range clause with no
// ordered index is a selector error, not a silent full scan.
func (r *Registry) fieldLookup(reader pebble.Reader, kid uint64, kind schema.GVK, req selector.Requirement) (idSet, bool, error) {
	desc, ok := r.Descriptor(kind, req.Key)
	switch req.Op {
	case selector.Equals:
		if !ok {
			return idSet{}, false, nil
		}
		ids, err := valueEq(reader, kid, IndexID(desc.Name), NewValue(req.Values[0]))
		return idSet{ids: ids}, true, err
	case selector.In:
		if !ok {
			return idSet{}, false, nil
		}
		values := make([]Value, 0, len(req.Values))
		for _, raw := range req.Values {
			values = append(values, NewValue(raw))
		}
		ids, err := valueIn(reader, kid, IndexID(desc.Name), values)
		return idSet{ids: ids}, true, err
	case selector.LessThan, selector.LessOrEqual, selector.GreaterThan, selector.GreaterOrEqual:
		if !ok || desc.Multi {
			return idSet{}, false, errors.Wrapf(anvil_errors.ErrMalformedSelector,
				"range clause on %q requires a single-value index", req.Key)
		}
		v := NewValue(req.Values[0])
		var lo, hi *Value
		loInc, hiInc := false, false
		switch req.Op {
		case selector.LessThan:
			hi = &v
		case selector.LessOrEqual:
			hi, hiInc = &v, true
		case selector.GreaterThan:
			lo = &v
		case selector.GreaterOrEqual:
			lo, loInc = &v, true
		}
		ids, err := valueRange(reader, kid, IndexID(desc.Name), lo, hi, loInc, hiInc)
		return idSet{ids: ids}, true, err
	default:
		// != and notin on fields are residual-only
		return idSet{}, false, nil
	}
}

// OrderBy yields the member local names in the scalar order of the
// named index. Reports false when the kind has no such index.
func (r *Registry) OrderBy(reader pebble.Reader, kind schema.GVK, indexName string, desc bool, member []string) ([]string, bool, error) {
	d, ok := r.Descriptor(kind, indexName)
	if !ok {
		return nil, false, nil
	}
	ordered, err := scanOrdered(reader, KindID(kind), IndexID(d.Name), desc)
	if err != nil {
		return nil, true, err
	}
	in := make(map[string]struct{}, len(member))
	for _, local := range member {
		in[local] = struct{}{}
	}
	out := make([]string, 0, len(member))
	for _, local := range ordered {
		if _, ok := in[local]; ok {
			out = append(out, local)
			delete(in, local)
		}
	}
	// rows without the indexed field trail, in name order
	var rest []string
	for local := range in {
		rest = append(rest, local)
	}
	sort.Strings(rest)
	return append(out, rest...), true, nil
}
