package ratelimit

import (
	"context"
	"sync"
	"time"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
)

// Memory is a process-local Limiter. Numbers must be registered first;
// unknown numbers are not limited.
type Memory struct {
	mu      sync.Mutex
	windows map[string]Window
	now     func() time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{windows: make(map[string]Window), now: now}
}

// Register sets the budget for phone and clears its window.
func (m *Memory) Register(phone string, max, hours int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[phone] = Window{Max: max, Hours: hours}
}

func (m *Memory) Check(_ context.Context, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[phone]
	if !ok {
		return true, nil
	}
	return w.Allows(m.now(), 1), nil
}

func (m *Memory) Increment(_ context.Context, phone string, by int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[phone]
	if !ok {
		return false, nil
	}
	m.windows[phone] = w.Advance(m.now(), by)
	return true, nil
}

func (m *Memory) Remaining(_ context.Context, phone string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[phone]
	if !ok {
		return nil, appErrors.ErrPhoneNumberNotFound
	}
	return w.Info(phone, m.now()), nil
}

var _ Limiter = (*Memory)(nil)
