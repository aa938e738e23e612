package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bmetallica/systemmap/internal/model"
)

func TestStrFallsBackWhenFieldAbsent(t *testing.T) {
	obj := map[string]interface{}{"name": "nginx"}
	assert.Equal(t, "nginx", str(obj, "name", "default"))
	assert.Equal(t, "default", str(obj, "missing", "default"))
}

func TestNumCoercesJSONNumberAndNumericString(t *testing.T) {
	obj := map[string]interface{}{"port": float64(8080), "pid": "1234", "bogus": "nope"}
	assert.Equal(t, int64(8080), num(obj, "port"))
	assert.Equal(t, int64(1234), num(obj, "pid"))
	assert.Equal(t, int64(0), num(obj, "bogus"))
	assert.Equal(t, int64(0), num(obj, "absent"))
}

func TestBooleanFallsBackOnMissingOrWrongType(t *testing.T) {
	obj := map[string]interface{}{"is_expired": true}
	assert.True(t, boolean(obj, "is_expired", false))
	assert.False(t, boolean(obj, "missing", false))
	assert.True(t, boolean(obj, "missing", true))
}

func TestIntPtrPreservesNilVsZero(t *testing.T) {
	obj := map[string]interface{}{"use_pct": float64(0)}
	ptr := intPtr(obj, "use_pct")
	if assert.NotNil(t, ptr) {
		assert.Equal(t, 0, *ptr)
	}
	assert.Nil(t, intPtr(obj, "absent"))
}

func TestIsInterestingUnitState(t *testing.T) {
	assert.True(t, isInterestingUnitState("active"))
	assert.True(t, isInterestingUnitState("failed"))
	assert.False(t, isInterestingUnitState("inactive"))
	assert.False(t, isInterestingUnitState("dead"))
}

func TestServiceItemKeyDedupesIdenticalListeners(t *testing.T) {
	a := model.Service{Name: "nginx", Port: 443, Protocol: "tcp"}
	b := model.Service{Name: "nginx", Port: 443, Protocol: "tcp"}
	c := model.Service{Name: "nginx", Port: 8443, Protocol: "tcp"}
	assert.Equal(t, a.ItemKey(), b.ItemKey())
	assert.NotEqual(t, a.ItemKey(), c.ItemKey())
}

func TestCanonicalAndChecksumIsDeterministic(t *testing.T) {
	root := map[string]interface{}{"b": 1.0, "a": "x"}
	canonA, sumA, err := canonicalAndChecksum(root)
	assert.NoError(t, err)
	canonB, sumB, err := canonicalAndChecksum(root)
	assert.NoError(t, err)
	assert.Equal(t, canonA, canonB)
	assert.Equal(t, sumA, sumB)
	assert.Equal(t, `{"a":"x","b":1}`, string(canonA))
}
