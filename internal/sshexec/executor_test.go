package sshexec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bmetallica/systemmap/internal/model"
)

func TestExtractTopLevelDocumentTolerantOfSurroundingNoise(t *testing.T) {
	stdout := "some login banner\n{\"os\":{\"hostname\":\"h1\"}}\ntrailing noise"
	doc, ok := extractTopLevelDocument(stdout)
	assert.True(t, ok)
	assert.Equal(t, `{"os":{"hostname":"h1"}}`, string(doc))
}

func TestExtractTopLevelDocumentMissingBraces(t *testing.T) {
	_, ok := extractTopLevelDocument("no json here")
	assert.False(t, ok)
}

func TestClassifyErrorRetriability(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		exitCode  int
		wantCode  string
		retriable bool
	}{
		{"auth", errors.New("ssh: unable to authenticate"), -1, model.CodeAuthFailed, false},
		{"dns", errors.New("lookup nosuchhost.invalid: no such host"), -1, model.CodeDNSResolution, false},
		{"refused", errors.New("dial tcp: connection refused"), -1, model.CodeConnectionRefused, true},
		{"timeout", errors.New("dial tcp: i/o timeout"), -1, model.CodeConnectionTimeout, true},
		{"unreachable", errors.New("dial tcp: no route to host"), -1, model.CodeHostUnreachable, true},
		{"script-timeout-124", errors.New("run: exit status 124"), 124, model.CodeScriptTimeout, true},
		{"unknown", errors.New("something else"), 0, model.CodeUnknown, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := classifyError(tc.err, tc.exitCode)
			assert.Equal(t, tc.retriable, classified.Retriable())
		})
	}
}

func TestUploadAndRunCommandUsesSudoForNonRootWhenRequested(t *testing.T) {
	cmd := uploadAndRunCommand("echo hi", true, "alice")
	assert.Contains(t, cmd, "sudo bash")
}

func TestUploadAndRunCommandSkipsSudoForRoot(t *testing.T) {
	cmd := uploadAndRunCommand("echo hi", true, "root")
	assert.NotContains(t, cmd, "sudo bash")
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, isAuthError(errors.New("ssh: unable to authenticate, attempted methods")))
	assert.True(t, isAuthError(errors.New("permission denied (publickey,password)")))
	assert.False(t, isAuthError(errors.New("connection reset by peer")))
	assert.False(t, isAuthError(nil))
}
