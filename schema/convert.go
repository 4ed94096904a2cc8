package schema

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/store"
)

// Encode turns a typed value into a store row. The payload is
// canonical JSON: object keys sorted, numbers untouched, apiVersion
// and kind stamped from the value's GVK. Encoding is deterministic
// and side-effect-free; the same value always yields the same bytes.
func Encode(obj Object) (store.Row, error) {
	gvk := obj.GroupVersionKind()
	meta := obj.Meta()
	if meta == nil || meta.Name == "" {
		return store.Row{}, errors.Wrap(anvil_errors.ErrEncodingFailure, "value has no local name")
	}
	if err := ValidateLocalName(meta.Name); err != nil {
		return store.Row{}, err
	}
	if err := ValidateLabels(meta.Labels); err != nil {
		return store.Row{}, err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return store.Row{}, errors.Wrap(anvil_errors.ErrEncodingFailure, err.Error())
	}
	doc, err := DecodeDoc(raw)
	if err != nil {
		return store.Row{}, errors.Wrap(anvil_errors.ErrEncodingFailure, err.Error())
	}
	doc["apiVersion"] = gvk.APIVersion()
	doc["kind"] = gvk.Kind
	if _, ok := doc["metadata"]; !ok {
		return store.Row{}, errors.Wrap(anvil_errors.ErrEncodingFailure, "value has no metadata block")
	}
	// encoding/json sorts map keys, which makes the payload canonical
	data, err := json.Marshal(doc)
	if err != nil {
		return store.Row{}, errors.Wrap(anvil_errors.ErrEncodingFailure, err.Error())
	}
	name := RowName(gvk, meta.Name)
	if err := ValidateRowName(name); err != nil {
		return store.Row{}, err
	}
	return store.Row{Name: name, Data: data, Version: meta.VersionOrZero()}, nil
}

// Decode fills a typed value from a row. The row's version column is
// authoritative and overwrites whatever the payload carries. The
// embedded name must agree with the row name's localName component.
func Decode(row store.Row, into Object) error {
	if err := json.Unmarshal(row.Data, into); err != nil {
		return errors.Wrapf(anvil_errors.ErrDecodingFailure, "row %s: %s", row.Name, err.Error())
	}
	meta := into.Meta()
	if meta == nil || meta.Name != LocalName(row.Name) {
		return errors.Wrapf(anvil_errors.ErrDecodingFailure,
			"row %s: embedded name %q does not match", row.Name, meta.Name)
	}
	if row.Version != 0 {
		meta.SetVersion(row.Version)
	}
	return nil
}

// DocGVK reads apiVersion/kind out of a decoded document.
func DocGVK(doc Doc) (GVK, error) {
	apiVersion, _ := Lookup(doc, "apiVersion")
	kind, _ := Lookup(doc, "kind")
	av, _ := apiVersion.(string)
	k, _ := kind.(string)
	return ParseAPIVersion(av, k)
}

// DocMetadata projects the metadata block of a decoded document.
func DocMetadata(doc Doc) (Metadata, error) {
	raw, ok := doc["metadata"]
	if !ok {
		return Metadata{}, errors.Wrap(anvil_errors.ErrDecodingFailure, "document has no metadata")
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return Metadata{}, errors.Wrap(anvil_errors.ErrDecodingFailure, err.Error())
	}
	var meta Metadata
	if err := json.Unmarshal(buf, &meta); err != nil {
		return Metadata{}, errors.Wrap(anvil_errors.ErrDecodingFailure, err.Error())
	}
	return meta, nil
}
