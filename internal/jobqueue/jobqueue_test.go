package jobqueue

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigsHasFourQueues(t *testing.T) {
	cfgs := DefaultConfigs()
	require.Len(t, cfgs, 4)
	assert.Equal(t, 3, cfgs[QueueServerScan].Concurrency)
	assert.Equal(t, 1, cfgs[QueueNetworkScan].Concurrency)
	assert.Equal(t, 1, cfgs[QueueProcessMap].Concurrency)
	assert.Equal(t, 1, cfgs[QueueAIAnalysis].Concurrency)
}

func TestDefaultConfigsServerScanHasRateLimitAndRetries(t *testing.T) {
	cfg := DefaultConfigs()[QueueServerScan]
	require.NotNil(t, cfg.RateLimit)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryBackoffBase)
}

func TestDefaultConfigsProcessMapHasNoRetry(t *testing.T) {
	cfg := DefaultConfigs()[QueueProcessMap]
	assert.Nil(t, cfg.RateLimit)
	assert.Equal(t, 1, cfg.MaxAttempts)
}

func TestTruncateFailureLeavesShortStringsUntouched(t *testing.T) {
	assert.Equal(t, "boom", truncateFailure("boom"))
}

func TestTruncateFailureCapsAt2000Chars(t *testing.T) {
	long := strings.Repeat("x", 5000)
	out := truncateFailure(long)
	assert.Len(t, out, failureCaptureLimit)
}

func TestComputeBackoffDoublesPerAttempt(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, 5*time.Second, computeBackoff(base, 1))
	assert.Equal(t, 10*time.Second, computeBackoff(base, 2))
	assert.Equal(t, 20*time.Second, computeBackoff(base, 3))
}
