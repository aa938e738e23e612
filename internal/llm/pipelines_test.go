package llm

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmetallica/systemmap/internal/model"
)

func TestPrioritizeDiffsOrdersBySeverityThenChangeType(t *testing.T) {
	diffs := []model.DiffEvent{
		{ItemKey: "warn-modified", Severity: model.SeverityWarning, ChangeType: model.ChangeModified},
		{ItemKey: "crit-added", Severity: model.SeverityCritical, ChangeType: model.ChangeAdded},
		{ItemKey: "crit-removed", Severity: model.SeverityCritical, ChangeType: model.ChangeRemoved},
		{ItemKey: "info-added", Severity: model.SeverityInfo, ChangeType: model.ChangeAdded},
	}
	ordered := prioritizeDiffs(diffs)
	require.Len(t, ordered, 4)
	assert.Equal(t, "crit-removed", ordered[0].ItemKey)
	assert.Equal(t, "crit-added", ordered[1].ItemKey)
	assert.Equal(t, "warn-modified", ordered[2].ItemKey)
	assert.Equal(t, "info-added", ordered[3].ItemKey)
}

func TestPrioritizeDiffsTruncatesToMax30(t *testing.T) {
	diffs := make([]model.DiffEvent, 50)
	for i := range diffs {
		diffs[i] = model.DiffEvent{Severity: model.SeverityInfo, ChangeType: model.ChangeAdded}
	}
	ordered := prioritizeDiffs(diffs)
	assert.Len(t, ordered, anomalyMaxDiffs)
}

func TestCompressLogsRetainsOnlyMatchingLines(t *testing.T) {
	raw := "starting up\nERROR: disk full\nall fine here\nkernel: oom-killer invoked\nWARN low memory"
	compressed := compressLogs(raw)
	assert.Contains(t, compressed, "ERROR: disk full")
	assert.Contains(t, compressed, "oom-killer")
	assert.Contains(t, compressed, "WARN low memory")
	assert.NotContains(t, compressed, "starting up")
	assert.NotContains(t, compressed, "all fine here")
}

func TestCompressLogsCapsAt2048Bytes(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("error repeated line that is reasonably long to pad things out\n")
	}
	compressed := compressLogs(b.String())
	assert.LessOrEqual(t, len(compressed), logAnalysisCompressedCap)
}

func TestSortRunbookSectionsOrdersCriticalFirst(t *testing.T) {
	sections := []map[string]interface{}{
		{"title": "routine check", "priority": "routine"},
		{"title": "urgent fix", "priority": "critical"},
		{"title": "worth doing", "priority": "important"},
	}
	sorted := sortRunbookSections(sections)
	require.Len(t, sorted, 3)
	assert.Equal(t, "urgent fix", sorted[0]["title"])
	assert.Equal(t, "worth doing", sorted[1]["title"])
	assert.Equal(t, "routine check", sorted[2]["title"])
}

func TestSortRunbookSectionsPutsUnknownPriorityLast(t *testing.T) {
	sections := []map[string]interface{}{
		{"title": "mystery", "priority": "unknown"},
		{"title": "urgent fix", "priority": "critical"},
	}
	sorted := sortRunbookSections(sections)
	assert.Equal(t, "urgent fix", sorted[0]["title"])
	assert.Equal(t, "mystery", sorted[1]["title"])
}

func TestFreeCompressDropsCommentsAndBlankLines(t *testing.T) {
	text := "# a comment\nreal_directive value\n\n; another comment style\nlisten 80;\n"
	compressed := freeCompress(text)
	assert.NotContains(t, compressed, "a comment")
	assert.NotContains(t, compressed, "another comment")
	assert.Contains(t, compressed, "real_directive value")
	assert.Contains(t, compressed, "listen 80;")
}

func TestFreeCompressCapsAt60000Chars(t *testing.T) {
	text := strings.Repeat("directive value\n", 10000)
	compressed := freeCompress(text)
	assert.LessOrEqual(t, len(compressed), processMapCompressCap)
}

func TestDecodeDiscoveredFilesDropsInvalidBase64(t *testing.T) {
	files := []discoveredFile{
		{Path: "/etc/nginx/nginx.conf", ContentB64: "aHR0cCB7fQ=="}, // "http {}"
		{Path: "/etc/broken", ContentB64: "not-valid-base64!!"},
	}
	decoded := decodeDiscoveredFiles(files)
	assert.Equal(t, "http {}", decoded["/etc/nginx/nginx.conf"])
	_, ok := decoded["/etc/broken"]
	assert.False(t, ok)
}

func TestDecodeDiscoveredFilesDropsOversizedFiles(t *testing.T) {
	huge := strings.Repeat("a", processMapMaxFileBytes+10)
	files := []discoveredFile{{Path: "/etc/huge.conf", ContentB64: base64.StdEncoding.EncodeToString([]byte(huge))}}
	decoded := decodeDiscoveredFiles(files)
	_, ok := decoded["/etc/huge.conf"]
	assert.False(t, ok)
}

func TestParseProcessMapNodeBuildsNestedChildren(t *testing.T) {
	raw := map[string]interface{}{
		"type":  "config_file",
		"value": "/etc/nginx/nginx.conf",
		"children": []interface{}{
			map[string]interface{}{"type": "port", "value": "80"},
		},
	}
	node := parseProcessMapNode(raw)
	assert.Equal(t, "config_file", node.Type)
	require.Len(t, node.Children, 1)
	assert.Equal(t, "port", node.Children[0].Type)
	assert.Equal(t, "80", node.Children[0].Value)
}

func TestEnrichProcessMapEntriesAttachesPortsAndAppendsUncoveredProcesses(t *testing.T) {
	entries := []ProcessMapEntry{{Process: "nginx"}}
	services := []model.Service{{PID: 100, Port: 443}, {PID: 100, Port: 80}}
	processes := []model.Process{
		{PID: 100, Command: "nginx", User: "www-data", CPUPct: 1.2, MemMB: 50},
		{PID: 200, Command: "cron", User: "root", CPUPct: 0.1, MemMB: 5},
	}
	enrichProcessMapEntries(&entries, services, processes)

	require.Len(t, entries, 2)
	assert.Equal(t, "nginx", entries[0].Process)
	assert.ElementsMatch(t, []int{443, 80}, entries[0].Ports)
	assert.Equal(t, "www-data", entries[0].User)

	assert.Equal(t, "cron", entries[1].Process)
	assert.Equal(t, 200, entries[1].PID)
}

func TestChangeTypeRankOrdersRemovedAddedModified(t *testing.T) {
	assert.Less(t, changeTypeRank(model.ChangeRemoved), changeTypeRank(model.ChangeAdded))
	assert.Less(t, changeTypeRank(model.ChangeAdded), changeTypeRank(model.ChangeModified))
}

