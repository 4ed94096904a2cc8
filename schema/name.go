package schema

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/anvilcms/anvil/anvil_errors"
)

// Row names are <group>/<version>/<localName>: a DNS-style group, an
// API version label and the per-kind identifier.
const MaxRowNameLen = 255

var (
	groupRe   = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9-]*)+$`)
	versionRe = regexp.MustCompile(`^v[0-9]+(alpha|beta)?[0-9]*$`)
	localRe   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

func RowName(gvk GVK, localName string) string {
	return gvk.Group + "/" + gvk.Version + "/" + localName
}

// LocalName returns the trailing segment of a row name.
func LocalName(rowName string) string {
	if i := strings.LastIndexByte(rowName, '/'); i >= 0 {
		return rowName[i+1:]
	}
	return rowName
}

func SplitRowName(rowName string) (group, version, localName string, err error) {
	parts := strings.Split(rowName, "/")
	if len(parts) != 3 {
		return "", "", "", errors.Wrapf(anvil_errors.ErrValidation, "bad row name %q", rowName)
	}
	return parts[0], parts[1], parts[2], nil
}

func ValidateLocalName(localName string) error {
	if !localRe.MatchString(localName) {
		return errors.Wrapf(anvil_errors.ErrValidation, "bad local name %q", localName)
	}
	return nil
}

func ValidateRowName(rowName string) error {
	if len(rowName) > MaxRowNameLen {
		return errors.Wrapf(anvil_errors.ErrValidation, "row name longer than %d bytes", MaxRowNameLen)
	}
	group, version, local, err := SplitRowName(rowName)
	if err != nil {
		return err
	}
	if !groupRe.MatchString(group) {
		return errors.Wrapf(anvil_errors.ErrValidation, "bad group %q", group)
	}
	if !versionRe.MatchString(version) {
		return errors.Wrapf(anvil_errors.ErrValidation, "bad version %q", version)
	}
	return ValidateLocalName(local)
}

func hasUnsafeChars(text string) bool {
	for _, l := range text {
		if l < ' ' {
			return true
		}
	}
	return false
}

// ValidateLabels rejects control characters in keys and values; index
// keys embed them NUL-separated.
func ValidateLabels(labels map[string]string) error {
	for k, v := range labels {
		if k == "" || hasUnsafeChars(k) || hasUnsafeChars(v) {
			return errors.Wrapf(anvil_errors.ErrValidation, "bad label %q=%q", k, v)
		}
	}
	return nil
}
