package gatherscript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsDeterministic(t *testing.T) {
	opts := DefaultOptions()
	a, err := Generate(opts)
	require.NoError(t, err)
	b, err := Generate(opts)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerateEmitsAllSections(t *testing.T) {
	script, err := Generate(DefaultOptions())
	require.NoError(t, err)
	for _, section := range Sections {
		assert.Contains(t, script, "'"+section+"'", "missing section %s", section)
	}
	assert.Contains(t, script, "_meta")
	assert.Contains(t, script, "_meta_end")
}

func TestGenerateHonoursMaxProcesses(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxProcesses = 77
	script, err := Generate(opts)
	require.NoError(t, err)
	assert.Contains(t, script, "head -n 77")
}

func TestGenerateSkipsDeepContainerInspectWhenDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.DeepContainerInspect = false
	script, err := Generate(opts)
	require.NoError(t, err)
	assert.NotContains(t, script, "docker inspect")
}

func TestGenerateSkipsCertScanWhenDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.ScanCertificates = false
	script, err := Generate(opts)
	require.NoError(t, err)
	assert.NotContains(t, script, "openssl")
}

func TestGenerateSkipsPackageEnumerationByDefault(t *testing.T) {
	script, err := Generate(DefaultOptions())
	require.NoError(t, err)
	assert.NotContains(t, script, "dpkg -l")
}

func TestGenerateIncludesPackageEnumerationWhenRequested(t *testing.T) {
	opts := DefaultOptions()
	opts.EnumeratePackages = true
	script, err := Generate(opts)
	require.NoError(t, err)
	assert.Contains(t, script, "dpkg -l")
	assert.Contains(t, script, "rpm -qa")
}

func TestMaskEnvKey(t *testing.T) {
	masked := []string{"DB_PASSWORD", "api_key", "AUTH_TOKEN", "SECRET", "Credential_Id"}
	for _, k := range masked {
		assert.True(t, MaskEnvKey(k), "expected %s to be masked", k)
	}
	allowed := []string{"PATH", "HOME", "LANG", "PORT"}
	for _, k := range allowed {
		assert.False(t, MaskEnvKey(k), "expected %s to not be masked", k)
	}
}

func TestEnvMaskPatternMatchesExpectedFragments(t *testing.T) {
	for _, frag := range []string{"PASSWORD=", "SECRET=", "KEY=", "TOKEN=", "AUTH="} {
		assert.True(t, strings.Contains(envMaskPattern, strings.TrimSuffix(frag, "=")))
	}
}
