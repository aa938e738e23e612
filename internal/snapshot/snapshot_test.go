package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmetallica/systemmap/internal/model"
)

func TestStableSubsetExcludesProcessesAndMeta(t *testing.T) {
	root := map[string]interface{}{
		"_meta":     map[string]interface{}{"start_epoch_ms": 1.0},
		"_meta_end": map[string]interface{}{"end_epoch_ms": 2.0},
		"processes": []interface{}{"x"},
		"mounts":    []interface{}{"y"},
	}
	out := stableSubset(root)
	assert.NotContains(t, out, "_meta")
	assert.NotContains(t, out, "_meta_end")
	assert.NotContains(t, out, "processes")
	assert.Contains(t, out, "mounts")
}

func TestDiffDocumentsDetectsAddedRemovedModified(t *testing.T) {
	prev := map[string]interface{}{
		"mounts": []interface{}{
			map[string]interface{}{"mountpoint": "/", "use_pct": 50.0},
			map[string]interface{}{"mountpoint": "/var", "use_pct": 10.0},
		},
	}
	cur := map[string]interface{}{
		"mounts": []interface{}{
			map[string]interface{}{"mountpoint": "/", "use_pct": 95.0},
			map[string]interface{}{"mountpoint": "/data", "use_pct": 5.0},
		},
	}
	events := diffDocuments(1, 1, prev, cur)
	require.Len(t, events, 3)

	byKey := map[string]model.DiffEvent{}
	for _, e := range events {
		byKey[e.ItemKey] = e
	}
	assert.Equal(t, model.ChangeModified, byKey["/"].ChangeType)
	assert.Equal(t, model.SeverityCritical, byKey["/"].Severity)
	assert.Equal(t, model.ChangeRemoved, byKey["/var"].ChangeType)
	assert.Equal(t, model.ChangeAdded, byKey["/data"].ChangeType)
}

func TestDiffDocumentsNoChangesProducesNoEvents(t *testing.T) {
	doc := map[string]interface{}{
		"interfaces": []interface{}{map[string]interface{}{"name": "eth0"}},
	}
	events := diffDocuments(1, 1, doc, doc)
	assert.Empty(t, events)
}

func TestSeverityForSystemdFailedIsCritical(t *testing.T) {
	newObj := map[string]interface{}{"active_state": "failed"}
	sev := severityFor("systemd_units", model.ChangeModified, map[string]interface{}{"active_state": "active"}, newObj)
	assert.Equal(t, model.SeverityCritical, sev)
}

func TestSeverityForSystemdRecoveryIsInfo(t *testing.T) {
	sev := severityFor("systemd_units", model.ChangeModified,
		map[string]interface{}{"active_state": "failed"},
		map[string]interface{}{"active_state": "active"})
	assert.Equal(t, model.SeverityInfo, sev)
}

func TestSeverityForMountUnsetUsePctDefaultsWarning(t *testing.T) {
	sev := severityFor("mounts", model.ChangeModified,
		map[string]interface{}{"use_pct": 10.0},
		map[string]interface{}{})
	assert.Equal(t, model.SeverityWarning, sev)
}

func TestSeverityForExpiredCertIsCritical(t *testing.T) {
	sev := severityFor("ssl_certificates", model.ChangeModified,
		map[string]interface{}{"is_expired": false},
		map[string]interface{}{"is_expired": true})
	assert.Equal(t, model.SeverityCritical, sev)
}

func TestSeverityForNewUserAccountIsWarning(t *testing.T) {
	sev := severityFor("user_accounts", model.ChangeAdded, nil, map[string]interface{}{"username": "newadmin"})
	assert.Equal(t, model.SeverityWarning, sev)
}
