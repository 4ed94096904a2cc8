package anvil

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/schema"
	"github.com/anvilcms/anvil/search"
	"github.com/anvilcms/anvil/selector"
	"github.com/anvilcms/anvil/store"
)

// ListOptions filters, sorts and paginates a list call. Selectors use
// the textual grammars; Search is free text routed to the fulltext
// engine and intersected with the selector results.
type ListOptions struct {
	LabelSelector string
	FieldSelector string
	Search        string

	// SortField names a declared value index, or any dotted path for a
	// decoded-value sort. Empty falls back to the DB's DefaultSortField,
	// then to local-name order (or relevance when Search is set).
	SortField string
	SortDesc  bool

	// Page is 1-based; Size clamps to the DB's MaxPageSize.
	Page int
	Size int
}

type ListResult[T any] struct {
	Items   []T
	Total   int
	Page    int
	Size    int
	HasNext bool
}

// List runs a snapshot-consistent query: one substrate snapshot feeds
// the index lookups, the residual filter and the row reads, so
// concurrent writes never show up mid-page.
func (c *Client[T, P]) List(ctx context.Context, opts ListOptions) (ListResult[T], error) {
	var out ListResult[T]
	if c.db.closed.Load() {
		return out, anvil_errors.ErrClosed
	}
	labels, err := selector.Parse(opts.LabelSelector)
	if err != nil {
		return out, err
	}
	fields, err := selector.ParseFields(opts.FieldSelector)
	if err != nil {
		return out, err
	}

	snap := c.db.st.Snapshot()
	defer snap.Close()

	ids, residual, err := c.db.reg.IdsMatching(snap, c.gvk, labels, fields)
	if err != nil {
		return out, err
	}

	var relevance map[string]int
	if opts.Search != "" {
		hits, err := c.db.binding.Query(ctx, search.Query{
			DocTypes: []string{c.gvk.DocType()},
			Text:     opts.Search,
		})
		if err != nil {
			return out, err
		}
		relevance = make(map[string]int, len(hits))
		for rank, hit := range hits {
			relevance[hit.LocalName] = rank
		}
		ids = filterByHits(ids, relevance)
	}

	matched := make([]string, 0, len(ids))
	rows := make(map[string]store.Row, len(ids))
	docs := make(map[string]schema.Doc, len(ids))
	for _, local := range ids {
		row, err := c.db.st.GetFrom(ctx, snap, schema.RowName(c.gvk, local))
		if errors.Is(err, anvil_errors.ErrNotFound) {
			// an index entry can briefly outlive its row
			continue
		}
		if err != nil {
			return out, err
		}
		doc, err := schema.DecodeDoc(row.Data)
		if err != nil {
			return out, err
		}
		if !residual.Empty() && !residual.MatchesDoc(doc) {
			continue
		}
		matched = append(matched, local)
		rows[local] = row
		docs[local] = doc
	}

	sortField := opts.SortField
	if sortField == "" {
		sortField = c.db.opts.DefaultSortField
	}
	switch {
	case sortField != "":
		ordered, byIndex, err := c.db.reg.OrderBy(snap, c.gvk, sortField, opts.SortDesc, matched)
		if err != nil {
			return out, err
		}
		if byIndex {
			matched = ordered
		} else {
			sortDecoded(matched, docs, sortField, opts.SortDesc)
		}
	case relevance != nil:
		sort.SliceStable(matched, func(i, j int) bool {
			return relevance[matched[i]] < relevance[matched[j]]
		})
	default:
		// IdsMatching already yields local-name order
	}

	size := opts.Size
	if size <= 0 {
		size = c.db.opts.DefaultPageSize
	}
	if size > c.db.opts.MaxPageSize {
		size = c.db.opts.MaxPageSize
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}
	total := len(matched)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	items := make([]T, 0, end-start)
	for _, local := range matched[start:end] {
		var value T
		if err := schema.Decode(rows[local], P(&value)); err != nil {
			return out, err
		}
		items = append(items, value)
	}
	return ListResult[T]{
		Items:   items,
		Total:   total,
		Page:    page,
		Size:    size,
		HasNext: end < total,
	}, nil
}

func filterByHits(ids []string, relevance map[string]int) []string {
	out := ids[:0]
	for _, local := range ids {
		if _, hit := relevance[local]; hit {
			out = append(out, local)
		}
	}
	return out
}

// sortDecoded orders by a dotted path of the decoded values, the
// fallback when no index covers the sort field. Rows without the field
// trail in name order, matching the index-backed sort.
func sortDecoded(matched []string, docs map[string]schema.Doc, path string, desc bool) {
	key := func(local string) (string, bool) {
		leaf, ok := schema.Lookup(docs[local], path)
		if !ok {
			return "", false
		}
		scalars := schema.Scalars(leaf)
		if len(scalars) == 0 {
			return "", false
		}
		return scalars[0], true
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, aok := key(matched[i])
		b, bok := key(matched[j])
		if aok != bok {
			return aok
		}
		if !aok {
			return matched[i] < matched[j]
		}
		if c := selector.Compare(a, b); c != 0 {
			if desc {
				return c > 0
			}
			return c < 0
		}
		return matched[i] < matched[j]
	})
}
