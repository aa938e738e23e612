package credstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bmetallica/systemmap/internal/model"
)

func TestSSHPortDefaultsTo22WhenUnset(t *testing.T) {
	assert.Equal(t, 22, sshPort(model.Host{SSHUser: "svc"}))
}

func TestSSHPortHonoursExplicitValue(t *testing.T) {
	assert.Equal(t, 2222, sshPort(model.Host{SSHUser: "svc", SSHPort: 2222}))
}
