package anvil

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/indexes"
	"github.com/anvilcms/anvil/schema"
	"github.com/anvilcms/anvil/selector"
)

// objectPtr constrains P to be *T with the schema.Object capability
// set, so the client can allocate fresh values on decode.
type objectPtr[T any] interface {
	*T
	schema.Object
}

// Client is the typed façade over one kind. Cheap to construct, safe
// for concurrent use; all state lives in the DB.
type Client[T any, P objectPtr[T]] struct {
	db  *DB
	gvk schema.GVK
}

func NewClient[T any, P objectPtr[T]](db *DB) *Client[T, P] {
	var zero T
	return &Client[T, P]{db: db, gvk: P(&zero).GroupVersionKind()}
}

func (c *Client[T, P]) Kind() schema.GVK {
	return c.gvk
}

// Create stores a new value. The caller leaves metadata.version unset;
// the stored value comes back with version 1 and a creation timestamp.
func (c *Client[T, P]) Create(ctx context.Context, obj P) error {
	if c.db.closed.Load() {
		return anvil_errors.ErrClosed
	}
	meta := obj.Meta()
	if meta == nil {
		return errors.Wrap(anvil_errors.ErrValidation, "value has no metadata block")
	}
	if meta.VersionOrZero() != 0 {
		return errors.Wrap(anvil_errors.ErrValidation, "create requires an unset version")
	}
	if meta.CreationTimestamp == nil {
		now := time.Now().UTC()
		meta.CreationTimestamp = &now
	}
	meta.SetVersion(1)
	row, err := schema.Encode(obj)
	if err != nil {
		meta.Version = nil
		return err
	}
	if _, err := c.db.man.Put(ctx, row, 0, indexes.OpCreated); err != nil {
		meta.Version = nil
		return err
	}
	return nil
}

// Update CAS-writes the value: metadata.version must carry the version
// the caller read. On success the value advances to version+1. An
// update that drains the last finalizer off a soft-deleted row
// hard-deletes it instead.
func (c *Client[T, P]) Update(ctx context.Context, obj P) error {
	if c.db.closed.Load() {
		return anvil_errors.ErrClosed
	}
	meta := obj.Meta()
	if meta == nil {
		return errors.Wrap(anvil_errors.ErrValidation, "value has no metadata block")
	}
	expected := meta.VersionOrZero()
	if expected == 0 {
		return errors.Wrap(anvil_errors.ErrValidation, "update requires the observed version")
	}
	if meta.Deleting() && len(meta.Finalizers) == 0 {
		return c.db.man.Delete(ctx, schema.RowName(c.gvk, meta.Name), expected, indexes.OpDeleted)
	}
	meta.SetVersion(expected + 1)
	row, err := schema.Encode(obj)
	if err != nil {
		meta.SetVersion(expected)
		return err
	}
	if _, err := c.db.man.Put(ctx, row, expected, indexes.OpUpdated); err != nil {
		meta.SetVersion(expected)
		return err
	}
	return nil
}

// Fetch reads one value by local name.
func (c *Client[T, P]) Fetch(ctx context.Context, localName string) (P, error) {
	if c.db.closed.Load() {
		return nil, anvil_errors.ErrClosed
	}
	row, err := c.db.st.Get(ctx, schema.RowName(c.gvk, localName))
	if err != nil {
		return nil, err
	}
	var value T
	obj := P(&value)
	if err := schema.Decode(row, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Delete removes the value. With finalizers pending it only stamps the
// deletion timestamp (OpDeleting); the row disappears once an update
// drains the finalizer set. Deleting an absent row is not an error.
func (c *Client[T, P]) Delete(ctx context.Context, localName string) error {
	err := c.delete(ctx, localName)
	if errors.Is(err, anvil_errors.ErrNotFound) {
		return nil
	}
	return err
}

// DeleteStrict is Delete that surfaces ErrNotFound.
func (c *Client[T, P]) DeleteStrict(ctx context.Context, localName string) error {
	return c.delete(ctx, localName)
}

func (c *Client[T, P]) delete(ctx context.Context, localName string) error {
	if c.db.closed.Load() {
		return anvil_errors.ErrClosed
	}
	obj, err := c.Fetch(ctx, localName)
	if err != nil {
		return err
	}
	meta := obj.Meta()
	expected := meta.VersionOrZero()
	if len(meta.Finalizers) == 0 {
		return c.db.man.Delete(ctx, schema.RowName(c.gvk, localName), expected, indexes.OpDeleted)
	}
	if meta.Deleting() {
		return nil
	}
	now := time.Now().UTC()
	meta.DeletionTimestamp = &now
	meta.SetVersion(expected + 1)
	row, err := schema.Encode(obj)
	if err != nil {
		return err
	}
	_, err = c.db.man.Put(ctx, row, expected, indexes.OpDeleting)
	return err
}

// Watch subscribes to the kind's post-commit events, optionally
// filtered by a label selector. Events for one row arrive in commit
// order.
func (c *Client[T, P]) Watch(labelSelector string) (*Watch, error) {
	if c.db.closed.Load() {
		return nil, anvil_errors.ErrClosed
	}
	sel, err := selector.Parse(labelSelector)
	if err != nil {
		return nil, err
	}
	return c.db.hub.subscribe(c.gvk, sel), nil
}
