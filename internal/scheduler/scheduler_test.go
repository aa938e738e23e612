package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostRegistrationKeyIsStablePerHost(t *testing.T) {
	assert.Equal(t, "host:42", hostRegistrationKey(42))
	assert.Equal(t, hostRegistrationKey(7), hostRegistrationKey(7))
	assert.NotEqual(t, hostRegistrationKey(1), hostRegistrationKey(2))
}

func TestNetworkScanRegistrationKeyIncludesSubnetAndExpression(t *testing.T) {
	key := networkScanRegistrationKey("10.0.0.0/24", "*/15 * * * *")
	assert.Equal(t, "net:10.0.0.0/24|*/15 * * * *", key)
}

func TestNetworkScanRegistrationKeyDiffersByExpression(t *testing.T) {
	a := networkScanRegistrationKey("10.0.0.0/24", "0 * * * *")
	b := networkScanRegistrationKey("10.0.0.0/24", "0 0 * * *")
	assert.NotEqual(t, a, b)
}
