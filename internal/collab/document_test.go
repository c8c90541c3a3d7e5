package collab

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postwork/api/internal/apperr"
)

func TestDocumentApply(t *testing.T) {
	doc := NewDocument("a\nb\nc")

	require.NoError(t, doc.Apply(Edit{Pos: 2, Delete: 1, Insert: "x"}))
	assert.Equal(t, "a\nx\nc", doc.Text())

	require.NoError(t, doc.Apply(Edit{Pos: doc.Len(), Insert: "\nd"}))
	assert.Equal(t, "a\nx\nc\nd", doc.Text())
	assert.Equal(t, 4, doc.LineCount())
}

func TestDocumentApplyCountsRunes(t *testing.T) {
	doc := NewDocument("héllo")
	require.NoError(t, doc.Apply(Edit{Pos: 2, Delete: 3, Insert: "y"}))
	assert.Equal(t, "héy", doc.Text())
}

func TestDocumentRejectsOutOfRangeEdit(t *testing.T) {
	doc := NewDocument("abc")
	for _, edit := range []Edit{
		{Pos: -1},
		{Pos: 4},
		{Pos: 2, Delete: 2},
		{Pos: 0, Delete: -1},
		{Pos: 1, Delete: math.MaxInt},
		{Pos: 3, Delete: math.MaxInt},
	} {
		err := doc.Apply(edit)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "%+v", edit)
	}
	assert.Equal(t, "abc", doc.Text())
}

func TestAnchorFollowsInsertedLinesAbove(t *testing.T) {
	doc := NewDocument("a\nb\nc")
	token := doc.AddAnchor(2, 2)

	require.NoError(t, doc.Apply(Edit{Pos: 0, Insert: "new\n"}))
	line, endLine, ok := doc.AnchorLines(token)
	require.True(t, ok)
	assert.Equal(t, 3, line)
	assert.Equal(t, 3, endLine)
}

func TestAnchorInsertAtRangeStartPushesDown(t *testing.T) {
	doc := NewDocument("a\nb\nc")
	token := doc.AddAnchor(2, 2)

	require.NoError(t, doc.Apply(Edit{Pos: 2, Insert: "z\n"}))
	line, _, ok := doc.AnchorLines(token)
	require.True(t, ok)
	assert.Equal(t, 3, line)
	assert.Equal(t, "a\nz\nb\nc", doc.Text())
}

func TestAnchorGrowsWithEditsInside(t *testing.T) {
	doc := NewDocument("a\nb\nc\nd")
	token := doc.AddAnchor(2, 3)

	require.NoError(t, doc.Apply(Edit{Pos: 3, Insert: "\nb2"}))
	line, endLine, ok := doc.AnchorLines(token)
	require.True(t, ok)
	assert.Equal(t, 2, line)
	assert.Equal(t, 4, endLine)
}

func TestAnchorCollapsesWhenRangeDeleted(t *testing.T) {
	doc := NewDocument("a\nb\nc\nd")
	token := doc.AddAnchor(2, 3)

	require.NoError(t, doc.Apply(Edit{Pos: 1, Delete: 4}))
	assert.Equal(t, "a\nd", doc.Text())
	line, endLine, ok := doc.AnchorLines(token)
	require.True(t, ok)
	assert.Equal(t, 1, line)
	assert.Equal(t, 1, endLine)
}

func TestAnchorSurvivesDocumentTruncation(t *testing.T) {
	doc := NewDocument("a\nb\nc")
	token := doc.AddAnchor(3, 3)

	require.NoError(t, doc.Apply(Edit{Pos: 0, Delete: doc.Len()}))
	line, endLine, ok := doc.AnchorLines(token)
	require.True(t, ok)
	assert.Equal(t, 1, line)
	assert.Equal(t, 1, endLine)
}

func TestPlaceAnchorClampsLines(t *testing.T) {
	doc := NewDocument("a\nb")
	doc.PlaceAnchor("anc_fixed", 7, 9)

	line, endLine, ok := doc.AnchorLines("anc_fixed")
	require.True(t, ok)
	assert.Equal(t, 2, line)
	assert.Equal(t, 2, endLine)

	doc.RemoveAnchor("anc_fixed")
	_, _, ok = doc.AnchorLines("anc_fixed")
	assert.False(t, ok)
}

func TestCloneIsIndependent(t *testing.T) {
	doc := NewDocument("a\nb")
	token := doc.AddAnchor(2, 2)
	copied := doc.clone()

	require.NoError(t, copied.Apply(Edit{Pos: 0, Insert: "x\n"}))
	assert.Equal(t, "a\nb", doc.Text())
	line, _, _ := doc.AnchorLines(token)
	assert.Equal(t, 2, line)
	line, _, _ = copied.AnchorLines(token)
	assert.Equal(t, 3, line)
}
