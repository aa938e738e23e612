package docvalue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAndField(t *testing.T) {
	raw := []byte(`{"os":{"hostname":"h1","memory_mb":2048},"disks":[]}`)
	doc, err := Decode(raw)
	require.NoError(t, err)

	os := ExpectObject(Field(doc, "os"))
	assert.Equal(t, "h1", SafeString(os["hostname"], ""))
	assert.Equal(t, 2048, SafeInt(os["memory_mb"], 0))
	assert.Empty(t, ExpectArray(Field(doc, "disks")))
}

func TestFieldAbsentIsNilNotPanic(t *testing.T) {
	doc, err := Decode([]byte(`{"os":{}}`))
	require.NoError(t, err)

	assert.Nil(t, Field(doc, "missing"))
	assert.Equal(t, "fallback", SafeString(Field(doc, "missing"), "fallback"))
	assert.Equal(t, 0, SafeInt(Field(doc, "missing"), 0))
}

func TestPathWalksNestedObjects(t *testing.T) {
	doc, err := Decode([]byte(`{"a":{"b":{"c":42}}}`))
	require.NoError(t, err)

	assert.Equal(t, 42, SafeInt(Path(doc, "a.b.c"), 0))
	assert.Nil(t, Path(doc, "a.b.missing"))
	assert.Nil(t, Path(doc, "x.y.z"))
}

func TestSafeIntPtrPreservesUnset(t *testing.T) {
	// §9 Open Question: unset usePct must be distinguishable from zero.
	assert.Nil(t, SafeIntPtr(nil))
	n := SafeIntPtr(float64(0))
	require.NotNil(t, n)
	assert.Equal(t, 0, *n)
	n90 := SafeIntPtr(float64(90))
	require.NotNil(t, n90)
	assert.Equal(t, 90, *n90)
}

func TestSafeStringSliceSkipsNonStrings(t *testing.T) {
	doc, err := Decode([]byte(`{"tags":["a",1,"b",null]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, SafeStringSlice(Field(doc, "tags")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hel", Truncate("hello", 3))
	assert.Equal(t, "", Truncate("hello", 0))
}
