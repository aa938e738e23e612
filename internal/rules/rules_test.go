package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bmetallica/systemmap/internal/model"
)

func TestMatchSSLExpiryTriggersAtOrBelowThreshold(t *testing.T) {
	cond := model.RuleCondition{Kind: model.ConditionSSLExpiry, DaysLeft: 14}
	f := facts{sslCerts: []model.SslCert{{Path: "/etc/ssl/a.pem", DaysLeft: 30}, {Path: "/etc/ssl/b.pem", DaysLeft: 5}}}
	matched, detail := matchSSLExpiry(cond, f)
	require.True(t, matched)
	assert.Contains(t, detail, "/etc/ssl/b.pem")
}

func TestMatchSSLExpiryNoMatchWhenAllHealthy(t *testing.T) {
	cond := model.RuleCondition{Kind: model.ConditionSSLExpiry, DaysLeft: 14}
	f := facts{sslCerts: []model.SslCert{{Path: "/etc/ssl/a.pem", DaysLeft: 90}}}
	matched, _ := matchSSLExpiry(cond, f)
	assert.False(t, matched)
}

func TestMatchSSLExpiryZeroThresholdMatchesExpiredOnly(t *testing.T) {
	cond := model.RuleCondition{Kind: model.ConditionSSLExpiry, DaysLeft: 0}
	f := facts{sslCerts: []model.SslCert{{Path: "/etc/ssl/a.pem", DaysLeft: 5, IsExpired: false}}}
	matched, _ := matchSSLExpiry(cond, f)
	assert.False(t, matched)

	f.sslCerts[0] = model.SslCert{Path: "/etc/ssl/b.pem", DaysLeft: 0, IsExpired: true}
	matched, detail := matchSSLExpiry(cond, f)
	require.True(t, matched)
	assert.Contains(t, detail, "/etc/ssl/b.pem")
}

func TestMatchSSLExpiryBoundaryFiresBothZeroAndGenericRules(t *testing.T) {
	cert := model.SslCert{Path: "/etc/ssl/c.pem", DaysLeft: 0, IsExpired: true}
	f := facts{sslCerts: []model.SslCert{cert}}

	zeroMatched, _ := matchSSLExpiry(model.RuleCondition{Kind: model.ConditionSSLExpiry, DaysLeft: 0}, f)
	genericMatched, _ := matchSSLExpiry(model.RuleCondition{Kind: model.ConditionSSLExpiry, DaysLeft: 14}, f)
	assert.True(t, zeroMatched)
	assert.True(t, genericMatched)
}

func TestMatchDiskUsageIgnoresUnsetUsePct(t *testing.T) {
	cond := model.RuleCondition{Kind: model.ConditionDiskUsage, ThresholdPct: 90}
	f := facts{mounts: []model.Mount{{MountPoint: "/data"}}}
	matched, _ := matchDiskUsage(cond, f)
	assert.False(t, matched)
}

func TestMatchDiskUsageTriggersAtThreshold(t *testing.T) {
	pct := 95
	cond := model.RuleCondition{Kind: model.ConditionDiskUsage, ThresholdPct: 90}
	f := facts{mounts: []model.Mount{{MountPoint: "/", UsePct: &pct}}}
	matched, detail := matchDiskUsage(cond, f)
	require.True(t, matched)
	assert.Contains(t, detail, "/")
}

func TestMatchSystemdFailedDetectsAnyFailedUnit(t *testing.T) {
	cond := model.RuleCondition{Kind: model.ConditionSystemdFailed}
	f := facts{systemdUnits: []model.SystemdUnit{{Name: "nginx.service", ActiveState: "active"}, {Name: "cron.service", ActiveState: "failed"}}}
	matched, detail := matchSystemdFailed(cond, f)
	require.True(t, matched)
	assert.Contains(t, detail, "cron.service")
}

func TestMatchDiffCountRespectsCategoryFilter(t *testing.T) {
	cat := "mounts"
	cond := model.RuleCondition{Kind: model.ConditionDiffCount, Category: &cat, Threshold: 1}
	f := facts{diffEvents: []model.DiffEvent{
		{Category: "mounts", ChangeType: model.ChangeModified},
		{Category: "mounts", ChangeType: model.ChangeAdded},
		{Category: "interfaces", ChangeType: model.ChangeModified},
	}}
	matched, detail := matchDiffCount(cond, f)
	require.True(t, matched)
	assert.Contains(t, detail, "2")
}

func TestMatchDiffCountTrueWhenAtThreshold(t *testing.T) {
	cond := model.RuleCondition{Kind: model.ConditionDiffCount, Threshold: 2}
	f := facts{diffEvents: []model.DiffEvent{{Category: "mounts"}, {Category: "interfaces"}}}
	matched, _ := matchDiffCount(cond, f)
	assert.True(t, matched)
}

func TestMatchDiffCountFalseBelowThreshold(t *testing.T) {
	cond := model.RuleCondition{Kind: model.ConditionDiffCount, Threshold: 3}
	f := facts{diffEvents: []model.DiffEvent{{Category: "mounts"}, {Category: "interfaces"}}}
	matched, _ := matchDiffCount(cond, f)
	assert.False(t, matched)
}

func TestMatchServiceMissingTrueWhenAbsent(t *testing.T) {
	cond := model.RuleCondition{Kind: model.ConditionServiceMissing, ServiceName: "postgresql"}
	f := facts{services: []model.Service{{Name: "nginx", Port: 80}}}
	matched, detail := matchServiceMissing(cond, f)
	require.True(t, matched)
	assert.Contains(t, detail, "postgresql")
}

func TestMatchServiceMissingFalseWhenPresent(t *testing.T) {
	cond := model.RuleCondition{Kind: model.ConditionServiceMissing, ServiceName: "nginx"}
	f := facts{services: []model.Service{{Name: "nginx", Port: 80}}}
	matched, _ := matchServiceMissing(cond, f)
	assert.False(t, matched)
}

func TestInCooldownTrueWithinWindow(t *testing.T) {
	now := time.Now()
	last := now.Add(-5 * time.Minute)
	rule := &model.AlertRule{CooldownMinutes: 30, LastTriggeredAt: &last}
	assert.True(t, inCooldown(rule, now))
}

func TestInCooldownFalseAfterWindowElapses(t *testing.T) {
	now := time.Now()
	last := now.Add(-time.Hour)
	rule := &model.AlertRule{CooldownMinutes: 30, LastTriggeredAt: &last}
	assert.False(t, inCooldown(rule, now))
}

func TestInCooldownFalseWhenNeverTriggered(t *testing.T) {
	rule := &model.AlertRule{CooldownMinutes: 30}
	assert.False(t, inCooldown(rule, time.Now()))
}

func TestDecodeConditionRoundTripsDiskUsage(t *testing.T) {
	raw := []byte("threshold_pct: 85\n")
	cond, err := decodeCondition(model.ConditionDiskUsage, raw)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionDiskUsage, cond.Kind)
	assert.Equal(t, 85, cond.ThresholdPct)
}

func TestDecodeConditionRoundTripsDiffCountWithChangeType(t *testing.T) {
	raw := []byte("threshold: 3\nchange_type: removed\n")
	cond, err := decodeCondition(model.ConditionDiffCount, raw)
	require.NoError(t, err)
	require.NotNil(t, cond.ChangeType)
	assert.Equal(t, model.ChangeRemoved, *cond.ChangeType)
	assert.Equal(t, 3, cond.Threshold)
}

func TestEvaluateConditionDispatchesByKind(t *testing.T) {
	f := facts{systemdUnits: []model.SystemdUnit{{Name: "x", ActiveState: "failed"}}}
	matched, _ := evaluateCondition(model.RuleCondition{Kind: model.ConditionSystemdFailed}, f)
	assert.True(t, matched)
}

func TestDefaultRulesYAMLParsesToEightRules(t *testing.T) {
	var defs []defaultRule
	require.NoError(t, yaml.Unmarshal([]byte(defaultRulesYAML), &defs))
	require.Len(t, defs, 8)

	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	assert.Equal(t, []string{
		"ssl-certificate-expiring", "ssl-certificate-expired",
		"disk-usage-critical", "disk-usage-warning",
		"systemd-unit-failed", "new-user-account",
		"service-removed", "container-change",
	}, names)

	assert.Equal(t, "ssl_expiry", defs[0].Condition.Kind)
	assert.Equal(t, 14, defs[0].Condition.DaysLeft)
	assert.Equal(t, "ssl_expiry", defs[1].Condition.Kind)
	assert.Equal(t, 0, defs[1].Condition.DaysLeft)
	assert.Equal(t, 90, defs[2].Condition.ThresholdPct)
	assert.Equal(t, 80, defs[3].Condition.ThresholdPct)
}
