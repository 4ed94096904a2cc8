package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvilcms/anvil/anvil_errors"
)

type postSpec struct {
	Title string   `json:"title"`
	Slug  string   `json:"slug,omitempty"`
	Tags  []string `json:"tags,omitempty"`
	Rank  int64    `json:"rank,omitempty"`
}

type testPost struct {
	TypeMeta
	Metadata Metadata `json:"metadata"`
	Spec     postSpec `json:"spec"`
}

func (p *testPost) GroupVersionKind() GVK {
	return GVK{Group: "blog.anvil.dev", Version: "v1", Kind: "Post"}
}

func (p *testPost) Meta() *Metadata { return &p.Metadata }

func TestEncodeStampsTypeAndName(t *testing.T) {
	post := &testPost{
		Metadata: Metadata{Name: "hello"},
		Spec:     postSpec{Title: "Hello"},
	}
	row, err := Encode(post)
	require.NoError(t, err)
	assert.Equal(t, "blog.anvil.dev/v1/hello", row.Name)

	doc, err := DecodeDoc(row.Data)
	require.NoError(t, err)
	apiVersion, _ := Lookup(doc, "apiVersion")
	kind, _ := Lookup(doc, "kind")
	assert.Equal(t, "blog.anvil.dev/v1", apiVersion)
	assert.Equal(t, "Post", kind)
}

func TestEncodeIsDeterministic(t *testing.T) {
	post := &testPost{
		Metadata: Metadata{
			Name:   "hello",
			Labels: map[string]string{"visible": "true", "category": "news"},
		},
		Spec: postSpec{Title: "Hello", Tags: []string{"a", "b"}},
	}
	first, err := Encode(post)
	require.NoError(t, err)
	second, err := Encode(post)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
}

func TestRoundTrip(t *testing.T) {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	post := &testPost{
		Metadata: Metadata{
			Name:              "round-trip",
			CreationTimestamp: &created,
			Labels:            map[string]string{"visible": "true"},
			Annotations:       map[string]string{"note": "kept"},
			Finalizers:        []string{"cleanup.anvil.dev"},
		},
		Spec: postSpec{Title: "Round Trip", Slug: "round-trip", Tags: []string{"x", "y"}, Rank: 42},
	}
	post.Metadata.SetVersion(7)

	row, err := Encode(post)
	require.NoError(t, err)

	var decoded testPost
	require.NoError(t, Decode(row, &decoded))
	assert.Equal(t, post.Spec, decoded.Spec)
	assert.Equal(t, post.Metadata.Labels, decoded.Metadata.Labels)
	assert.Equal(t, post.Metadata.Annotations, decoded.Metadata.Annotations)
	assert.Equal(t, post.Metadata.Finalizers, decoded.Metadata.Finalizers)
	assert.Equal(t, int64(7), decoded.Metadata.VersionOrZero())
	assert.True(t, created.Equal(*decoded.Metadata.CreationTimestamp))
}

func TestEncodeRejectsBadNames(t *testing.T) {
	post := &testPost{Spec: postSpec{Title: "x"}}
	for _, name := range []string{"", "UPPER", "dash-", "-dash", "dot.ted", "with space"} {
		post.Metadata.Name = name
		_, err := Encode(post)
		assert.Error(t, err, "name %q", name)
	}
}

func TestEncodeRejectsUnsafeLabels(t *testing.T) {
	post := &testPost{
		Metadata: Metadata{
			Name:   "hello",
			Labels: map[string]string{"bad\x00key": "v"},
		},
	}
	_, err := Encode(post)
	assert.ErrorIs(t, err, anvil_errors.ErrValidation)
}

func TestDecodeRejectsNameMismatch(t *testing.T) {
	post := &testPost{Metadata: Metadata{Name: "hello"}}
	row, err := Encode(post)
	require.NoError(t, err)
	row.Name = "blog.anvil.dev/v1/other"

	var decoded testPost
	err = Decode(row, &decoded)
	assert.ErrorIs(t, err, anvil_errors.ErrDecodingFailure)
}

func TestValidateRowName(t *testing.T) {
	good := []string{
		"blog.anvil.dev/v1/hello",
		"blog.anvil.dev/v1alpha1/a",
		"news.example.org/v2beta3/some-long-name",
	}
	for _, name := range good {
		assert.NoError(t, ValidateRowName(name), name)
	}
	bad := []string{
		"noslashes",
		"blog.anvil.dev/hello",
		"single/v1/hello",
		"blog.anvil.dev/version1/hello",
		"blog.anvil.dev/v1/Hello",
		"blog.anvil.dev/v1/",
	}
	for _, name := range bad {
		assert.Error(t, ValidateRowName(name), name)
	}
}

func TestLookupAndScalars(t *testing.T) {
	doc, err := DecodeDoc([]byte(`{"spec":{"rank":9007199254740993,"tags":["a","b"],"nested":{"deep":"x"}}}`))
	require.NoError(t, err)

	leaf, ok := Lookup(doc, "spec.nested.deep")
	require.True(t, ok)
	s, ok := Scalar(leaf)
	require.True(t, ok)
	assert.Equal(t, "x", s)

	// integers beyond float53 survive as json.Number
	rank, ok := Lookup(doc, "spec.rank")
	require.True(t, ok)
	s, _ = Scalar(rank)
	assert.Equal(t, "9007199254740993", s)

	tags, _ := Lookup(doc, "spec.tags")
	assert.Equal(t, []string{"a", "b"}, Scalars(tags))

	_, ok = Lookup(doc, "spec.missing.path")
	assert.False(t, ok)
}
