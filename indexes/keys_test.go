package indexes

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anvilcms/anvil/schema"
)

func TestEscapedSegmentsPreserveOrder(t *testing.T) {
	segments := []string{"", "a", "ab", "b"}
	var escaped [][]byte
	for _, s := range segments {
		escaped = append(escaped, escAppend(nil, []byte(s)))
	}
	for i := 1; i < len(escaped); i++ {
		assert.Negative(t, bytes.Compare(escaped[i-1], escaped[i]),
			"%q should sort before %q", segments[i-1], segments[i])
	}
}

func TestLocalNameRecovery(t *testing.T) {
	kid := KindID(schema.GVK{Group: "blog.anvil.dev", Version: "v1", Kind: "Post"})
	assert.Equal(t, "hello", localNameOf(labelKey(kid, "category", "news", "hello")))
	assert.Equal(t, "hello", localNameOf(valueKey(kid, IndexID("spec.slug"), NewValue("welcome"), "hello")))
}

func TestValueEncodingOrder(t *testing.T) {
	// numeric order, not byte order: 5 < 10
	assert.Negative(t, bytes.Compare(NewValue("5").encode(), NewValue("10").encode()))
	assert.Negative(t, bytes.Compare(NewValue("-3").encode(), NewValue("2").encode()))
	// numbers sort before strings
	assert.Negative(t, bytes.Compare(NewValue("99").encode(), NewValue("abc").encode()))
	assert.Negative(t, bytes.Compare(NewValue("abc").encode(), NewValue("abd").encode()))
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{'I', 'G'}, prefixEnd([]byte{'I', 'F'}))
	assert.Equal(t, []byte{0x01, 0x03}, prefixEnd([]byte{0x01, 0x02, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}
