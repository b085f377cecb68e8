package services

import (
	"testing"

	"nmstate-agent/internal/domain/entities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	committed := func(h string) entities.ApplyResult {
		return entities.ApplyResult{Host: h, Outcome: entities.OutcomeCommitted}
	}

	t.Run("모든 호스트 committed면 success", func(t *testing.T) {
		batch := Aggregate([]string{"a", "b"}, map[string]entities.ApplyResult{
			"a": committed("a"), "b": committed("b"),
		})
		assert.Equal(t, entities.BatchStatusSuccess, batch.Status)
		require.Len(t, batch.Results, 2)
		assert.Equal(t, "a", batch.Results[0].Host)
		assert.Equal(t, "b", batch.Results[1].Host)
	})

	t.Run("한 호스트 실패면 failure, 나머지는 그대로", func(t *testing.T) {
		batch := Aggregate([]string{"a", "b", "c"}, map[string]entities.ApplyResult{
			"a": committed("a"),
			"b": {Host: "b", Outcome: entities.OutcomeRolledBack},
			"c": committed("c"),
		})
		assert.Equal(t, entities.BatchStatusFailure, batch.Status)
		b, ok := batch.Result("b")
		require.True(t, ok)
		assert.Equal(t, entities.OutcomeRolledBack, b.Outcome)
		c, _ := batch.Result("c")
		assert.Equal(t, entities.OutcomeCommitted, c.Outcome)
	})

	t.Run("결과 없는 호스트는 failed-no-checkpoint로 채움", func(t *testing.T) {
		batch := Aggregate([]string{"a", "ghost"}, map[string]entities.ApplyResult{"a": committed("a")})
		assert.Equal(t, entities.BatchStatusFailure, batch.Status)
		ghost, ok := batch.Result("ghost")
		require.True(t, ok)
		assert.Equal(t, entities.OutcomeFailedNoCheckpoint, ghost.Outcome)
		require.NotNil(t, ghost.Error)
		assert.NotEmpty(t, ghost.Detail)
	})

	t.Run("중복 호스트는 한 번만", func(t *testing.T) {
		batch := Aggregate([]string{"a", "a"}, map[string]entities.ApplyResult{"a": committed("a")})
		assert.Len(t, batch.Results, 1)
	})
}
