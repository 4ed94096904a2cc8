package anvil

import (
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anvilcms/anvil/indexes"
	"github.com/anvilcms/anvil/search"
	"github.com/anvilcms/anvil/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// Options configures an open store. Zero value works; SetDefaults
// fills the gaps.
type Options struct {
	Logger utils.Logger

	// MaxPageSize caps list page sizes; requests beyond it clamp.
	MaxPageSize int
	// DefaultPageSize applies when a list request carries no size.
	DefaultPageSize int
	// WatchBuffer bounds each subscriber's event buffer; a subscriber
	// that falls behind it is terminated with ErrLagged.
	WatchBuffer int
	// RebuildParallelism bounds concurrent row repair during an index
	// rebuild.
	RebuildParallelism int
	// DefaultSortField orders lists that name no sort field themselves.
	// Empty means local-name order.
	DefaultSortField string

	PebbleWriteOptions *pebble.WriteOptions

	// Metrics, when set, receives the index-manager families, watch
	// counters and a pebble collector.
	Metrics prometheus.Registerer

	// Indexes declares the value indexes, registered before the first
	// write is admitted.
	Indexes []indexes.Descriptor

	// Search plugs a fulltext engine; nil installs the in-process
	// engine when SearchRoutes is non-empty.
	Search       search.Engine
	SearchRoutes []search.Route
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = maxPageSize
	}
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = defaultPageSize
	}
	if o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = o.MaxPageSize
	}
	if o.WatchBuffer <= 0 {
		o.WatchBuffer = 128
	}
	if o.RebuildParallelism <= 0 {
		o.RebuildParallelism = 4
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = pebble.Sync
	}
	if o.Search == nil && len(o.SearchRoutes) > 0 {
		o.Search = search.NewMemoryEngine()
	}
}
