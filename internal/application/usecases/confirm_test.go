package usecases

import (
	"context"
	"testing"
	"time"

	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConfirmer struct {
	tokens []string
}

func (c *recordingConfirmer) Confirm(token string) error {
	c.tokens = append(c.tokens, token)
	return nil
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	f := newApplyFixture(t)
	confirmer := &recordingConfirmer{}
	uc := NewConfirmUseCase(f.manager, confirmer, quietLogger())

	// 알 수 없는 토큰
	err := uc.Execute(ctx, "node-a", "tok-unknown")
	assert.True(t, domainErrors.IsNotFoundError(err))

	// 열린 체크포인트의 토큰만 확인
	session, err := f.manager.Reserve(ctx, "node-a", "tok-1")
	require.NoError(t, err)
	_, err = session.Open(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, uc.Execute(ctx, "node-a", "tok-1"))
	assert.Equal(t, []string{"tok-1"}, confirmer.tokens)

	require.NoError(t, session.Commit(ctx))
	session.Finish(ctx, entities.ApplyResult{Host: "node-a", Token: "tok-1", Outcome: entities.OutcomeCommitted})

	// 확정된 뒤에는 거부
	err = uc.Execute(ctx, "node-a", "tok-1")
	assert.True(t, domainErrors.IsValidationError(err))
	assert.Len(t, confirmer.tokens, 1)
}
