package main

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// ConfirmStrategy decides how a device answers a dispense command.
type ConfirmStrategy interface {
	// Decide returns whether a confirmation should be sent at all and,
	// when sent, whether it reports success.
	Decide(ctx context.Context) (send, success bool)
}

// AutoConfirm always confirms successfully after an optional fixed delay.
type AutoConfirm struct {
	Delay time.Duration
}

// Decide implements ConfirmStrategy.
func (a AutoConfirm) Decide(ctx context.Context) (bool, bool) {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return false, false
		}
	}
	return true, true
}

// SilentConfirm never answers. Commands time out on the orchestrator side.
type SilentConfirm struct{}

// Decide implements ConfirmStrategy.
func (SilentConfirm) Decide(context.Context) (bool, bool) { return false, false }

// RandomConfirm drops confirmations with the configured probability and
// waits for the specified delay before sending.
type RandomConfirm struct {
	Delay    time.Duration
	DropRate float64
}

// Decide implements ConfirmStrategy.
func (r RandomConfirm) Decide(ctx context.Context) (bool, bool) {
	if r.DropRate > 0 && rng.Float64() < r.DropRate {
		return false, false
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return false, false
		}
	}
	return true, true
}

// FailFirstConfirm reports a hardware failure for the first N commands,
// then behaves like AutoConfirm.
type FailFirstConfirm struct {
	N     int
	Delay time.Duration

	mu   sync.Mutex
	seen int
}

// Decide implements ConfirmStrategy.
func (f *FailFirstConfirm) Decide(ctx context.Context) (bool, bool) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return false, false
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen < f.N {
		f.seen++
		return true, false
	}
	return true, true
}
