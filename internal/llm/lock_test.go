package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockStaleAfterIs45Minutes(t *testing.T) {
	assert.Equal(t, 45*time.Minute, lockStaleAfter)
}

func TestErrLockedHasStableMessage(t *testing.T) {
	assert.Equal(t, "llm lock is held", ErrLocked.Error())
}

func TestNewLockCarriesHostID(t *testing.T) {
	l := NewLock(nil, 7)
	assert.Equal(t, int64(7), l.hostID)
}
