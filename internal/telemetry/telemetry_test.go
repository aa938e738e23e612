package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"

	"github.com/bmetallica/systemmap/internal/model"
)

func TestOutcomeErrorFormatsClassifiedErrorCode(t *testing.T) {
	err := model.NewError(model.KindTransient, model.CodeDatabase, errors.New("boom"))
	assert.Equal(t, "error:database-error", OutcomeError(err))
}

func TestOutcomeErrorFallsBackToUnknownForPlainErrors(t *testing.T) {
	assert.Equal(t, "error:unknown", OutcomeError(errors.New("plain")))
}

func TestIsContextCanceledRecognizesCanceledContext(t *testing.T) {
	assert.True(t, IsContextCanceled(context.Canceled))
}

func TestIsContextCanceledRecognizesClosedTx(t *testing.T) {
	assert.True(t, IsContextCanceled(pgx.ErrTxClosed))
}

func TestIsContextCanceledRejectsOtherErrors(t *testing.T) {
	assert.False(t, IsContextCanceled(errors.New("connection refused")))
}
