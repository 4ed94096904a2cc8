package anvil

import (
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/indexes"
	"github.com/anvilcms/anvil/schema"
	"github.com/anvilcms/anvil/selector"
)

var watchTerminations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "anvil",
	Subsystem: "watch",
	Name:      "terminations",
}, []string{"reason"})

func watchCollectors() []prometheus.Collector {
	return []prometheus.Collector{watchTerminations}
}

// Watch is one subscriber's event stream. Events arrive in per-row
// commit order; a subscriber that stops draining is cut off with
// ErrLagged and must re-list and re-watch.
type Watch struct {
	id  string
	hub *hub
	ch  chan Event

	// mu serializes sends against close, so a publish racing a
	// termination can never hit a closed channel
	mu     sync.Mutex
	closed bool
	err    error
}

// Events yields the stream. The channel closes on Stop, on DB close
// and on lag; Err tells which.
func (w *Watch) Events() <-chan Event {
	return w.ch
}

func (w *Watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watch) Stop() {
	w.hub.drop(w.id)
	w.terminate(nil, "stopped")
}

// send reports false only when the buffer is full; a closed watch
// swallows the event.
func (w *Watch) send(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return true
	}
	select {
	case w.ch <- ev:
		return true
	default:
		return false
	}
}

func (w *Watch) terminate(err error, reason string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.err = err
	w.mu.Unlock()
	watchTerminations.WithLabelValues(reason).Inc()
	close(w.ch)
}

type subscriber struct {
	watch *Watch
	kind  schema.GVK
	sel   selector.Selector
}

// hub fans post-commit events out to subscribers. Publish happens
// under the manager's per-name lock, which gives every subscriber the
// per-row total order; the send itself never blocks.
type hub struct {
	buffer int
	subs   *xsync.MapOf[string, *subscriber]
}

func newHub(buffer int) *hub {
	return &hub{
		buffer: buffer,
		subs:   xsync.NewMapOf[string, *subscriber](),
	}
}

func (h *hub) subscribe(kind schema.GVK, sel selector.Selector) *Watch {
	w := &Watch{
		id:  uuid.NewString(),
		hub: h,
		ch:  make(chan Event, h.buffer),
	}
	h.subs.Store(w.id, &subscriber{watch: w, kind: kind, sel: sel})
	return w
}

func (h *hub) drop(id string) {
	h.subs.Delete(id)
}

func (h *hub) publish(ev indexes.Event) {
	h.subs.Range(func(id string, sub *subscriber) bool {
		if sub.kind != ev.Kind {
			return true
		}
		if !sub.sel.Empty() && !matchesEvent(sub.sel, ev) {
			return true
		}
		if !sub.watch.send(ev) {
			h.subs.Delete(id)
			sub.watch.terminate(anvil_errors.ErrLagged, "lagged")
		}
		return true
	})
}

func (h *hub) closeAll() {
	h.subs.Range(func(id string, sub *subscriber) bool {
		h.subs.Delete(id)
		sub.watch.terminate(anvil_errors.ErrClosed, "closed")
		return true
	})
}

// matchesEvent evaluates a label selector against the event payload.
// Undecodable payloads pass through; the subscriber sees the row it
// would otherwise silently miss.
func matchesEvent(sel selector.Selector, ev indexes.Event) bool {
	doc, err := schema.DecodeDoc(ev.Data)
	if err != nil {
		return true
	}
	meta, err := schema.DocMetadata(doc)
	if err != nil {
		return true
	}
	return sel.MatchesLabels(meta.Labels)
}
