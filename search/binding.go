package search

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/indexes"
	"github.com/anvilcms/anvil/schema"
	"github.com/anvilcms/anvil/utils"
)

// Route declares which document fields of a kind feed the engine.
type Route struct {
	Kind   schema.GVK
	Fields []string
}

// Binding connects the store's post-commit events to an Engine. Rows
// of kinds with no route never reach the engine.
type Binding struct {
	engine Engine
	routes map[string][]string
	log    utils.Logger
}

func NewBinding(engine Engine, routes []Route, log utils.Logger) *Binding {
	byType := make(map[string][]string, len(routes))
	for _, r := range routes {
		byType[r.Kind.DocType()] = r.Fields
	}
	return &Binding{engine: engine, routes: byType, log: log}
}

// HandleEvent feeds one committed mutation to the engine. Indexing
// errors are logged, never surfaced to the writer: the row commit
// already happened and search is allowed to lag.
func (b *Binding) HandleEvent(ctx context.Context, ev indexes.Event) {
	if b.engine == nil {
		return
	}
	docType := ev.Kind.DocType()
	fields, routed := b.routes[docType]
	if !routed {
		return
	}
	var err error
	switch ev.Op {
	case indexes.OpDeleted:
		err = b.engine.Remove(ctx, docType, ev.Name)
	default:
		doc, derr := schema.DecodeDoc(ev.Data)
		if derr != nil {
			b.log.ErrorCtx(ctx, "search feed skipping undecodable payload",
				"kind", ev.Kind.String(), "name", ev.Name, "error", derr.Error())
			return
		}
		err = b.engine.Index(ctx, Document{
			DocType:   docType,
			LocalName: ev.Name,
			Fields:    routedFields(doc, fields),
		})
	}
	if err != nil {
		b.log.ErrorCtx(ctx, "search feed failed",
			"kind", ev.Kind.String(), "name", ev.Name, "op", string(ev.Op), "error", err.Error())
	}
}

func routedFields(doc schema.Doc, fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, path := range fields {
		leaf, ok := schema.Lookup(doc, path)
		if !ok {
			continue
		}
		if scalars := schema.Scalars(leaf); len(scalars) > 0 {
			out[path] = strings.Join(scalars, " ")
		}
	}
	return out
}

// Query runs a fulltext query, failing fast when the engine is down.
func (b *Binding) Query(ctx context.Context, q Query) ([]Hit, error) {
	if b.engine == nil || !b.engine.Available() {
		return nil, anvil_errors.ErrSearchUnavailable
	}
	hits, err := b.engine.Search(ctx, q)
	if err != nil {
		return nil, errors.Wrap(anvil_errors.ErrSearchUnavailable, err.Error())
	}
	return hits, nil
}

// Routed reports whether the kind feeds the engine at all.
func (b *Binding) Routed(kind schema.GVK) bool {
	_, ok := b.routes[kind.DocType()]
	return ok
}
