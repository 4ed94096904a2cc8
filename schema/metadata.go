package schema

import (
	"slices"
	"time"
)

// TypeMeta names the schema of a value on the wire. The converter
// fills it in on encode, so zero values are fine in caller code.
type TypeMeta struct {
	APIVersion string `json:"apiVersion,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// Metadata is embedded in every typed value.
//
// Version is owned by the store: create with nil, carry the stored
// value back on update. Labels and annotations are string maps;
// finalizers is a set of named cleanup obligations that keep a
// soft-deleted row visible until drained.
type Metadata struct {
	Name              string            `json:"name"`
	Version           *int64            `json:"version,omitempty"`
	CreationTimestamp *time.Time        `json:"creationTimestamp,omitempty"`
	DeletionTimestamp *time.Time        `json:"deletionTimestamp,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	Finalizers        []string          `json:"finalizers,omitempty"`
}

// Object is the capability set the typed client requires: a value
// that statically reports its GVK and exposes its metadata block.
type Object interface {
	GroupVersionKind() GVK
	Meta() *Metadata
}

func (m *Metadata) VersionOrZero() int64 {
	if m.Version == nil {
		return 0
	}
	return *m.Version
}

func (m *Metadata) SetVersion(v int64) {
	m.Version = &v
}

// Deleting reports whether the row is soft-deleted.
func (m *Metadata) Deleting() bool {
	return m.DeletionTimestamp != nil
}

func (m *Metadata) HasFinalizer(name string) bool {
	return slices.Contains(m.Finalizers, name)
}

func (m *Metadata) AddFinalizer(name string) {
	if !m.HasFinalizer(name) {
		m.Finalizers = append(m.Finalizers, name)
	}
}

func (m *Metadata) RemoveFinalizer(name string) {
	m.Finalizers = slices.DeleteFunc(m.Finalizers, func(f string) bool { return f == name })
}
