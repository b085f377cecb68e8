package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/interfaces"
)

// MemoryBackendName is the name reported by MemoryBackend
const MemoryBackendName = "memory"

type memoryCheckpoint struct {
	seq        int
	checkpoint entities.Checkpoint
	snapshot   entities.NetworkState
}

// MemoryBackend keeps network state in memory. Checkpoints self-expire against the injected
// clock: any call made after a deadline first restores the expired snapshot, the same way
// NetworkManager reverts on its own timer without the engine running.
type MemoryBackend struct {
	mu          sync.Mutex
	clock       interfaces.Clock
	state       entities.NetworkState
	checkpoints map[string]memoryCheckpoint
	seq         int
	mutations   int

	applyHook  func(ctx context.Context, change entities.StateChange) error
	partial    bool
	restoreErr error
	createErr  error
	destroyErr error
}

// NewMemoryBackend creates a MemoryBackend seeded with initial
func NewMemoryBackend(initial entities.NetworkState, clock interfaces.Clock) *MemoryBackend {
	return &MemoryBackend{
		clock:       clock,
		state:       initial.Normalized(),
		checkpoints: make(map[string]memoryCheckpoint),
	}
}

func (b *MemoryBackend) Name() string       { return MemoryBackendName }
func (b *MemoryBackend) SelfExpiring() bool { return true }

// SetApplyError makes every Apply fail with err. With partial set, the first change is
// applied before failing.
func (b *MemoryBackend) SetApplyError(err error, partial bool) {
	b.SetApplyHook(func(context.Context, entities.StateChange) error { return err })
	b.mu.Lock()
	b.partial = partial
	b.mu.Unlock()
}

// SetApplyHook installs a hook run before each Apply; a non-nil error fails the apply
func (b *MemoryBackend) SetApplyHook(hook func(ctx context.Context, change entities.StateChange) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyHook = hook
}

// SetRestoreError makes CheckpointRestore fail with err
func (b *MemoryBackend) SetRestoreError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restoreErr = err
}

// SetCreateError makes CheckpointCreate fail with err
func (b *MemoryBackend) SetCreateError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// SetDestroyError makes CheckpointDestroy fail with err
func (b *MemoryBackend) SetDestroyError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyErr = err
}

// Mutations returns how many Apply calls changed state
func (b *MemoryBackend) Mutations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mutations
}

// OpenCheckpoints returns the number of live checkpoints
func (b *MemoryBackend) OpenCheckpoints() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return len(b.checkpoints)
}

func (b *MemoryBackend) Query(ctx context.Context) (entities.NetworkState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.state.Clone(), nil
}

func (b *MemoryBackend) Apply(ctx context.Context, change entities.StateChange) error {
	b.mu.Lock()
	hook := b.applyHook
	b.mu.Unlock()

	var hookErr error
	if hook != nil {
		hookErr = hook(ctx, change)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	if hookErr != nil {
		if b.partial && len(change.Changes) > 0 {
			b.state = applyChange(b.state, entities.StateChange{Changes: change.Changes[:1]})
			b.mutations++
		}
		return hookErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.state = applyChange(b.state, change)
	b.mutations++
	return nil
}

func (b *MemoryBackend) CheckpointCreate(ctx context.Context, timeout time.Duration) (entities.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	if b.createErr != nil {
		return entities.Checkpoint{}, b.createErr
	}

	b.seq++
	now := b.clock.Now()
	cp := entities.Checkpoint{
		ID:           fmt.Sprintf("memory-%d", b.seq),
		Backend:      MemoryBackendName,
		CreatedAt:    now,
		Deadline:     now.Add(timeout),
		SelfExpiring: true,
	}
	b.checkpoints[cp.ID] = memoryCheckpoint{seq: b.seq, checkpoint: cp, snapshot: b.state.Clone()}
	return cp, nil
}

func (b *MemoryBackend) CheckpointRestore(ctx context.Context, cp entities.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	if b.restoreErr != nil {
		return b.restoreErr
	}
	held, ok := b.checkpoints[cp.ID]
	if !ok {
		return fmt.Errorf("checkpoint %s does not exist", cp.ID)
	}
	b.state = held.snapshot
	b.dropFromLocked(held.seq)
	return nil
}

func (b *MemoryBackend) CheckpointDestroy(ctx context.Context, cp entities.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	if b.destroyErr != nil {
		return b.destroyErr
	}
	if _, ok := b.checkpoints[cp.ID]; !ok {
		return fmt.Errorf("checkpoint %s does not exist", cp.ID)
	}
	delete(b.checkpoints, cp.ID)
	return nil
}

// expireLocked reverts expired checkpoints, oldest first
func (b *MemoryBackend) expireLocked() {
	now := b.clock.Now()
	var expired []memoryCheckpoint
	for _, held := range b.checkpoints {
		if held.checkpoint.Expired(now) {
			expired = append(expired, held)
		}
	}
	if len(expired) == 0 {
		return
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })
	oldest := expired[0]
	b.state = oldest.snapshot
	b.dropFromLocked(oldest.seq)
}

// dropFromLocked removes the checkpoint with seq and every later one, which a rollback invalidates
func (b *MemoryBackend) dropFromLocked(seq int) {
	for id, held := range b.checkpoints {
		if held.seq >= seq {
			delete(b.checkpoints, id)
		}
	}
}
