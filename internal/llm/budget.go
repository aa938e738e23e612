package llm

import (
	"fmt"
	"sync"
	"time"
)

// providerPricingPerMTok is USD per million tokens, input/output, used only
// for cost accounting against the daily budget — not for provider billing.
var providerPricingPerMTok = map[string][2]float64{
	"anthropic": {0.80, 4.00},
	"openai":    {0.15, 0.60},
	"ollama":    {0, 0},
}

// BudgetTracker enforces a daily spend cap, an hourly call-rate cap, and a
// concurrency cap on calls made through the configured provider, so a
// misbehaving rule or a flood of anomaly_check triggers can't run up an
// unbounded cloud API bill.
type BudgetTracker struct {
	mu sync.Mutex

	dailyBudgetUSD     float64
	maxCallsPerHour    int
	maxConcurrentCalls int

	dailySpendUSD float64
	dailyDate     string
	hourlyCalls   int
	hourlyReset   time.Time

	sem chan struct{}
}

// BudgetConfig holds budget configuration sourced from llm_settings.
type BudgetConfig struct {
	DailyBudgetUSD     float64
	MaxCallsPerHour    int
	MaxConcurrentCalls int
}

// DefaultBudgetConfig returns sane defaults for an unconfigured site.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyBudgetUSD:     10.00,
		MaxCallsPerHour:    60,
		MaxConcurrentCalls: 3,
	}
}

// NewBudgetTracker creates a new budget tracker.
func NewBudgetTracker(cfg BudgetConfig) *BudgetTracker {
	if cfg.DailyBudgetUSD <= 0 {
		cfg.DailyBudgetUSD = 10.00
	}
	if cfg.MaxCallsPerHour <= 0 {
		cfg.MaxCallsPerHour = 60
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 3
	}
	return &BudgetTracker{
		dailyBudgetUSD:     cfg.DailyBudgetUSD,
		maxCallsPerHour:    cfg.MaxCallsPerHour,
		maxConcurrentCalls: cfg.MaxConcurrentCalls,
		dailyDate:          time.Now().UTC().Format("2006-01-02"),
		hourlyReset:        time.Now().UTC().Add(time.Hour),
		sem:                make(chan struct{}, cfg.MaxConcurrentCalls),
	}
}

// CheckBudget returns nil if a call is within budget, or an error explaining
// why not.
func (b *BudgetTracker) CheckBudget() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()

	if b.dailySpendUSD >= b.dailyBudgetUSD {
		return fmt.Errorf("daily llm budget exhausted: $%.4f of $%.2f spent", b.dailySpendUSD, b.dailyBudgetUSD)
	}
	if b.hourlyCalls >= b.maxCallsPerHour {
		return fmt.Errorf("hourly llm rate limit: %d of %d calls used", b.hourlyCalls, b.maxCallsPerHour)
	}
	return nil
}

// TryAcquire tries to acquire a concurrency slot without blocking. Returns a
// release function and true if acquired, nil and false otherwise.
func (b *BudgetTracker) TryAcquire() (func(), bool) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, true
	default:
		return nil, false
	}
}

// RecordCost records the cost of a completed call for the given provider and
// increments the hourly counter.
func (b *BudgetTracker) RecordCost(provider string, inputTokens, outputTokens int) float64 {
	cost := calculateCost(provider, inputTokens, outputTokens)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	b.dailySpendUSD += cost
	b.hourlyCalls++
	return cost
}

func calculateCost(provider string, inputTokens, outputTokens int) float64 {
	pricing, ok := providerPricingPerMTok[provider]
	if !ok {
		pricing = providerPricingPerMTok["anthropic"]
	}
	inputCost := float64(inputTokens) / 1_000_000 * pricing[0]
	outputCost := float64(outputTokens) / 1_000_000 * pricing[1]
	return inputCost + outputCost
}

// BudgetStats reports current budget state for operator introspection.
type BudgetStats struct {
	DailySpendUSD   float64
	DailyBudgetUSD  float64
	DailyRemaining  float64
	HourlyCalls     int
	MaxCallsPerHour int
}

// Stats returns current budget statistics.
func (b *BudgetTracker) Stats() BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()

	return BudgetStats{
		DailySpendUSD:   b.dailySpendUSD,
		DailyBudgetUSD:  b.dailyBudgetUSD,
		DailyRemaining:  b.dailyBudgetUSD - b.dailySpendUSD,
		HourlyCalls:     b.hourlyCalls,
		MaxCallsPerHour: b.maxCallsPerHour,
	}
}

// resetIfNeeded resets daily and hourly counters when their windows expire.
// Must be called with mu held.
func (b *BudgetTracker) resetIfNeeded() {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")

	if today != b.dailyDate {
		b.dailySpendUSD = 0
		b.dailyDate = today
	}
	if now.After(b.hourlyReset) {
		b.hourlyCalls = 0
		b.hourlyReset = now.Add(time.Hour)
	}
}
