// Package ratelimit enforces a fixed message budget per sending number and
// time window. The window starts with the first send after the previous one
// expired and resets on time, never on count.
package ratelimit

import (
	"context"
	"time"
)

// Limiter is the per-sending-number rate limiter.
type Limiter interface {
	// Check reports whether one more message may be sent from phone now.
	Check(ctx context.Context, phone string) (bool, error)
	// Increment records by sends against phone, opening a new window if the
	// current one expired. It reports false when phone is not a known number.
	Increment(ctx context.Context, phone string, by int) (bool, error)
	// Remaining describes the current window of phone.
	Remaining(ctx context.Context, phone string) (*Info, error)
}

// Info is the observable state of a window.
type Info struct {
	PhoneNumber  string     `json:"phoneNumber"`
	Max          int        `json:"max"`
	WindowHours  int        `json:"windowHours"`
	CurrentCount int        `json:"currentCount"`
	Remaining    int        `json:"remaining"`
	UsagePercent float64    `json:"usagePercent"`
	WindowStart  *time.Time `json:"windowStart,omitempty"`
	ResetAt      *time.Time `json:"windowEnd,omitempty"`
	Active       bool       `json:"isActive"`
}

// Window is the stored state of one sending number.
type Window struct {
	Max   int
	Hours int
	Count int
	Start *time.Time
}

func (w Window) duration() time.Duration {
	return time.Duration(w.Hours) * time.Hour
}

// Expired reports whether the window has elapsed (or never started) at now.
func (w Window) Expired(now time.Time) bool {
	return w.Start == nil || !now.Before(w.Start.Add(w.duration()))
}

// Allows reports whether n more sends fit at now.
func (w Window) Allows(now time.Time, n int) bool {
	if w.Expired(now) {
		return n <= w.Max
	}
	return w.Count+n <= w.Max
}

// Advance returns the window after n sends at now.
func (w Window) Advance(now time.Time, n int) Window {
	if w.Expired(now) {
		start := now
		w.Start = &start
		w.Count = n
		return w
	}
	w.Count += n
	return w
}

// ResetAt is when the current window ends, or nil if no window is open.
func (w Window) ResetAt() *time.Time {
	if w.Start == nil {
		return nil
	}
	t := w.Start.Add(w.duration())
	return &t
}

// Info reports the window as seen at now. An expired window reads as empty.
func (w Window) Info(phone string, now time.Time) *Info {
	info := &Info{
		PhoneNumber: phone,
		Max:         w.Max,
		WindowHours: w.Hours,
		Remaining:   w.Max,
	}
	if w.Expired(now) {
		return info
	}

	info.Active = true
	info.CurrentCount = w.Count
	info.WindowStart = w.Start
	info.ResetAt = w.ResetAt()
	info.Remaining = w.Max - w.Count
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if w.Max > 0 {
		info.UsagePercent = float64(int(float64(w.Count)/float64(w.Max)*10000+0.5)) / 100
	}
	return info
}
