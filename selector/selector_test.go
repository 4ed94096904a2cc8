package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/schema"
)

func TestParseClauses(t *testing.T) {
	sel, err := Parse("visible=true,category in (news,tech),archived!=yes,draft,!hidden")
	require.NoError(t, err)
	require.Len(t, sel, 5)
	assert.Equal(t, Requirement{Key: "visible", Op: Equals, Values: []string{"true"}}, sel[0])
	assert.Equal(t, Requirement{Key: "category", Op: In, Values: []string{"news", "tech"}}, sel[1])
	assert.Equal(t, Requirement{Key: "archived", Op: NotEquals, Values: []string{"yes"}}, sel[2])
	assert.Equal(t, Requirement{Key: "draft", Op: Exists}, sel[3])
	assert.Equal(t, Requirement{Key: "hidden", Op: DoesNotExist}, sel[4])
}

func TestParseDoubleEquals(t *testing.T) {
	sel, err := Parse("visible==true")
	require.NoError(t, err)
	assert.Equal(t, Equals, sel[0].Op)
}

func TestParseEmptyMatchesEverything(t *testing.T) {
	sel, err := Parse("")
	require.NoError(t, err)
	assert.True(t, sel.Empty())
	assert.True(t, sel.MatchesLabels(nil))
	assert.True(t, sel.MatchesLabels(map[string]string{"any": "thing"}))
}

func TestParseKeywordsAsValues(t *testing.T) {
	sel, err := Parse("op in (in,notin,plain)")
	require.NoError(t, err)
	assert.Equal(t, []string{"in", "notin", "plain"}, sel[0].Values)
}

func TestParseErrorsCarryOffsets(t *testing.T) {
	cases := []struct {
		input  string
		offset int
	}{
		{"visible=", 8},
		{"=true", 0},
		{"a in (", 6},
		{"a in (x,", 8},
		{"a in x", 5},
		{"a,,b", 2},
		{"a,", 2},
		{"!", 1},
	}
	for _, tc := range cases {
		_, err := Parse(tc.input)
		require.Error(t, err, tc.input)
		assert.ErrorIs(t, err, anvil_errors.ErrMalformedSelector, tc.input)
		var serr *Error
		require.ErrorAs(t, err, &serr, tc.input)
		assert.Equal(t, tc.offset, serr.Offset, tc.input)
	}
}

func TestRangeOperatorsOnlyInFieldSelectors(t *testing.T) {
	_, err := Parse("rank>3")
	assert.ErrorIs(t, err, anvil_errors.ErrMalformedSelector)

	sel, err := ParseFields("spec.rank>=3,spec.rank<10")
	require.NoError(t, err)
	assert.Equal(t, GreaterOrEqual, sel[0].Op)
	assert.Equal(t, LessThan, sel[1].Op)
}

func TestMatchesLabelsNegativesAdmitAbsentKeys(t *testing.T) {
	sel, err := Parse("archived!=yes")
	require.NoError(t, err)
	assert.True(t, sel.MatchesLabels(nil))
	assert.True(t, sel.MatchesLabels(map[string]string{"archived": "no"}))
	assert.False(t, sel.MatchesLabels(map[string]string{"archived": "yes"}))

	sel, err = Parse("category notin (news)")
	require.NoError(t, err)
	assert.True(t, sel.MatchesLabels(nil))
	assert.False(t, sel.MatchesLabels(map[string]string{"category": "news"}))

	sel, err = Parse("!hidden")
	require.NoError(t, err)
	assert.True(t, sel.MatchesLabels(map[string]string{"other": "x"}))
	assert.False(t, sel.MatchesLabels(map[string]string{"hidden": "1"}))
}

func TestMatchesLabelsConjunction(t *testing.T) {
	sel, err := Parse("visible=true,category in (news,tech)")
	require.NoError(t, err)
	assert.True(t, sel.MatchesLabels(map[string]string{"visible": "true", "category": "news"}))
	assert.False(t, sel.MatchesLabels(map[string]string{"visible": "true", "category": "art"}))
	assert.False(t, sel.MatchesLabels(map[string]string{"category": "news"}))
}

func TestMatchesDocArrays(t *testing.T) {
	doc, err := schema.DecodeDoc([]byte(`{"spec":{"tags":["a","b","c"],"rank":5}}`))
	require.NoError(t, err)

	sel, err := ParseFields("spec.tags in (b)")
	require.NoError(t, err)
	assert.True(t, sel.MatchesDoc(doc))

	sel, err = ParseFields("spec.tags notin (b)")
	require.NoError(t, err)
	assert.False(t, sel.MatchesDoc(doc))

	sel, err = ParseFields("spec.tags notin (z)")
	require.NoError(t, err)
	assert.True(t, sel.MatchesDoc(doc))
}

func TestMatchesDocRanges(t *testing.T) {
	doc, err := schema.DecodeDoc([]byte(`{"spec":{"rank":5,"slug":"welcome"}}`))
	require.NoError(t, err)

	sel, err := ParseFields("spec.rank>4,spec.rank<=5")
	require.NoError(t, err)
	assert.True(t, sel.MatchesDoc(doc))

	sel, err = ParseFields("spec.rank>10")
	require.NoError(t, err)
	assert.False(t, sel.MatchesDoc(doc))

	// numbers compare numerically, not byte-wise
	sel, err = ParseFields("spec.rank<10")
	require.NoError(t, err)
	assert.True(t, sel.MatchesDoc(doc))

	sel, err = ParseFields("spec.missing>1")
	require.NoError(t, err)
	assert.False(t, sel.MatchesDoc(doc))
}

func TestCompare(t *testing.T) {
	assert.Negative(t, Compare("5", "10"))
	assert.Positive(t, Compare("b", "a"))
	assert.Zero(t, Compare("5", "5.0"))
	// mixed operands fall back to byte order
	assert.Positive(t, Compare("x", "10"))
}
