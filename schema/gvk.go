// Package schema defines the typed value model of the extension store:
// group/version/kind identification, the metadata block every value
// embeds, the row name grammar and the canonical converter between
// typed values and stored rows.
package schema

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/anvilcms/anvil/anvil_errors"
)

// GVK is the group/version/kind triple identifying a value schema.
type GVK struct {
	Group   string
	Version string
	Kind    string
}

func (g GVK) String() string {
	return g.Group + "/" + g.Version + "/" + g.Kind
}

func (g GVK) APIVersion() string {
	return g.Group + "/" + g.Version
}

// DocType is the fulltext-engine handle for the kind.
func (g GVK) DocType() string {
	return strings.ToLower(g.Kind) + "." + g.Group
}

// GroupVersionPrefix is the shared row-name prefix of all rows in the
// group/version namespace, trailing slash included.
func (g GVK) GroupVersionPrefix() string {
	return g.Group + "/" + g.Version + "/"
}

func ParseAPIVersion(apiVersion, kind string) (GVK, error) {
	group, version, ok := strings.Cut(apiVersion, "/")
	if !ok || group == "" || version == "" || kind == "" {
		return GVK{}, errors.Wrapf(anvil_errors.ErrValidation,
			"bad apiVersion/kind %q/%q", apiVersion, kind)
	}
	return GVK{Group: group, Version: version, Kind: kind}, nil
}
