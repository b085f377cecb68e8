package journal

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/internal/infrastructure/adapters"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestFileJournal(t *testing.T, dir string, clock interfaces.Clock) *FileJournal {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	j, err := NewFileJournal(dir, adapters.NewRealFileSystem(), clock, logger)
	require.NoError(t, err)
	return j
}

func openEntry(host, token string, deadline time.Time) interfaces.JournalEntry {
	return interfaces.JournalEntry{
		Host:  host,
		Token: token,
		Checkpoint: entities.Checkpoint{
			ID: "cp-" + token, Host: host, Backend: "memory",
			CreatedAt: epoch, Deadline: deadline, SelfExpiring: false,
		},
		State:     interfaces.JournalStateOpen,
		UpdatedAt: epoch,
	}
}

func TestFileJournal_OpenConflict(t *testing.T) {
	dir := t.TempDir()
	clock := adapters.NewFakeClock(epoch)
	j := newTestFileJournal(t, dir, clock)
	ctx := context.Background()

	require.NoError(t, j.Open(ctx, openEntry("node-a", "t1", epoch.Add(time.Minute))))

	err := j.Open(ctx, openEntry("node-a", "t2", epoch.Add(time.Minute)))
	require.Error(t, err)
	assert.True(t, domainErrors.IsCheckpointConflictError(err))

	// 같은 디렉토리를 쓰는 다른 프로세스도 충돌을 봄
	other := newTestFileJournal(t, dir, clock)
	err = other.Open(ctx, openEntry("node-a", "t3", epoch.Add(time.Minute)))
	assert.True(t, domainErrors.IsCheckpointConflictError(err))

	assert.NoError(t, j.Open(ctx, openEntry("node-b", "t4", epoch.Add(time.Minute))), "다른 호스트는 독립")
}

func TestFileJournal_ConcurrentOpenAdmitsOne(t *testing.T) {
	dir := t.TempDir()
	clock := adapters.NewFakeClock(epoch)
	journals := []*FileJournal{newTestFileJournal(t, dir, clock), newTestFileJournal(t, dir, clock)}

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- journals[i%2].Open(context.Background(), openEntry("node-a", "t"+string(rune('a'+i)), epoch.Add(time.Minute)))
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, domainErrors.IsCheckpointConflictError(err))
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestFileJournal_ResolveAndLookup(t *testing.T) {
	clock := adapters.NewFakeClock(epoch)
	j := newTestFileJournal(t, t.TempDir(), clock)
	ctx := context.Background()

	require.NoError(t, j.Open(ctx, openEntry("node-a", "t1", epoch.Add(time.Minute))))

	err := j.Resolve(ctx, "node-a", interfaces.JournalStateResolved, entities.ApplyResult{Host: "node-a", Token: "other"})
	assert.True(t, domainErrors.IsCheckpointConflictError(err), "다른 토큰은 live 항목을 덮어쓰지 않음")

	clock.Advance(5 * time.Second)
	result := entities.ApplyResult{Host: "node-a", Token: "t1", Outcome: entities.OutcomeCommitted, Detail: "ok"}
	require.NoError(t, j.Resolve(ctx, "node-a", interfaces.JournalStateResolved, result))

	entry, err := j.FindByToken(ctx, "node-a", "t1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.JournalStateResolved, entry.State)
	assert.Equal(t, "cp-t1", entry.Checkpoint.ID, "같은 토큰은 체크포인트 유지")
	require.NotNil(t, entry.Result)
	assert.Equal(t, entities.OutcomeCommitted, entry.Result.Outcome)
	assert.True(t, entry.UpdatedAt.Equal(epoch.Add(5*time.Second)))

	_, err = j.FindByToken(ctx, "node-a", "t9")
	assert.True(t, domainErrors.IsNotFoundError(err))
	_, err = j.Get(ctx, "node-z")
	assert.True(t, domainErrors.IsNotFoundError(err))

	// 체크포인트 없이 끝난 결과도 기록
	require.NoError(t, j.Resolve(ctx, "node-a", interfaces.JournalStateResolved,
		entities.ApplyResult{Host: "node-a", Token: "t2", Outcome: entities.OutcomeCommitted}))
	entry, err = j.Get(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, "t2", entry.Token)
	assert.Empty(t, entry.Checkpoint.ID)
}

func TestFileJournal_ListExpiredAndPrune(t *testing.T) {
	clock := adapters.NewFakeClock(epoch)
	j := newTestFileJournal(t, t.TempDir(), clock)
	ctx := context.Background()

	require.NoError(t, j.Open(ctx, openEntry("node-a", "t1", epoch.Add(time.Minute))))
	require.NoError(t, j.Open(ctx, openEntry("node-b", "t2", epoch.Add(time.Hour))))
	require.NoError(t, j.Resolve(ctx, "node-c", interfaces.JournalStateResolved, entities.ApplyResult{Host: "node-c", Token: "t3"}))
	require.NoError(t, j.Resolve(ctx, "node-d", interfaces.JournalStateRestoreFailed, entities.ApplyResult{Host: "node-d", Token: "t4"}))

	expired, err := j.ListExpired(ctx, epoch.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "node-a", expired[0].Host)

	pruned, err := j.Prune(ctx, epoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = j.Get(ctx, "node-c")
	assert.True(t, domainErrors.IsNotFoundError(err))
	_, err = j.Get(ctx, "node-d")
	assert.NoError(t, err, "restore-failed 항목은 보존")
	_, err = j.Get(ctx, "node-a")
	assert.NoError(t, err, "open 항목은 보존")
}

func TestFileJournal_StaleLockIsBroken(t *testing.T) {
	dir := t.TempDir()
	j := newTestFileJournal(t, dir, adapters.NewFakeClock(epoch))

	lock := filepath.Join(dir, "node-a.lock")
	require.NoError(t, os.WriteFile(lock, []byte("1\n"), 0600))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lock, old, old))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, j.Open(ctx, openEntry("node-a", "t1", epoch.Add(time.Minute))))
}

func TestFileJournal_HeldLockHonoursContext(t *testing.T) {
	dir := t.TempDir()
	j := newTestFileJournal(t, dir, adapters.NewFakeClock(epoch))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node-a.lock"), []byte("1\n"), 0600))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := j.Open(ctx, openEntry("node-a", "t1", epoch.Add(time.Minute)))
	require.Error(t, err)
	assert.True(t, domainErrors.IsTimeoutError(err))
}
