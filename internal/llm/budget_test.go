package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBudgetTrackerChecksDailyCap(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{DailyBudgetUSD: 0.01, MaxCallsPerHour: 100, MaxConcurrentCalls: 1})
	assert.NoError(t, b.CheckBudget())
	b.RecordCost("anthropic", 1_000_000, 1_000_000)
	assert.Error(t, b.CheckBudget())
}

func TestBudgetTrackerChecksHourlyCap(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{DailyBudgetUSD: 1000, MaxCallsPerHour: 1, MaxConcurrentCalls: 1})
	assert.NoError(t, b.CheckBudget())
	b.RecordCost("anthropic", 10, 10)
	assert.Error(t, b.CheckBudget())
}

func TestBudgetTrackerConcurrencyLimit(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{DailyBudgetUSD: 1000, MaxCallsPerHour: 1000, MaxConcurrentCalls: 1})
	release, ok := b.TryAcquire()
	assert.True(t, ok)
	_, ok = b.TryAcquire()
	assert.False(t, ok)
	release()
	_, ok = b.TryAcquire()
	assert.True(t, ok)
}

func TestCalculateCostUsesProviderPricing(t *testing.T) {
	assert.Equal(t, 0.0, calculateCost("ollama", 1_000_000, 1_000_000))
	assert.Greater(t, calculateCost("anthropic", 1_000_000, 0), 0.0)
}

func TestDefaultBudgetConfigFillsZeroes(t *testing.T) {
	b := NewBudgetTracker(BudgetConfig{})
	stats := b.Stats()
	assert.Equal(t, 10.00, stats.DailyBudgetUSD)
	assert.Equal(t, 60, stats.MaxCallsPerHour)
}
