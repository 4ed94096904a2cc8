package anvil

import "github.com/anvilcms/anvil/indexes"

// Mutation events surface through the root package so callers of the
// typed client never import indexes directly.
type (
	Op    = indexes.Op
	Event = indexes.Event
)

const (
	OpCreated  = indexes.OpCreated
	OpUpdated  = indexes.OpUpdated
	OpDeleting = indexes.OpDeleting
	OpDeleted  = indexes.OpDeleted
)
