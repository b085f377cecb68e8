package adapters

import (
	"sync"
	"time"

	"nmstate-agent/internal/domain/interfaces"
)

// RealClock은 실제 시스템 시간을 사용하는 Clock 구현체입니다
type RealClock struct{}

// NewRealClock은 새로운 RealClock을 생성합니다
func NewRealClock() interfaces.Clock {
	return &RealClock{}
}

// Now는 현재 시간을 반환합니다
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// FakeClock은 테스트와 메모리 백엔드의 만료 시뮬레이션에 쓰는 수동 시계입니다
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock은 주어진 시각에서 시작하는 FakeClock을 생성합니다
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now는 현재 가짜 시각을 반환합니다
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance는 시계를 d만큼 전진시킵니다
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
