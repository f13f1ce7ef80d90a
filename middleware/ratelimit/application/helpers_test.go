package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// início de um dia UTC + 1h: alinhado a segundos, minutos e ao contador diário de violações.
var testEpoch = time.UnixMilli(1_699_923_600_000)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore simula um backend fora do ar.
type failingStore struct{}

var errDown = fmt.Errorf("%w: connection refused", domain.ErrBackendUnavailable)

func (failingStore) Get(context.Context, string) (*domain.CounterRecord, error) { return nil, errDown }
func (failingStore) Set(context.Context, string, domain.CounterRecord, time.Duration) error {
	return errDown
}
func (failingStore) Increment(context.Context, string, time.Duration, time.Duration) (int64, error) {
	return 0, errDown
}
func (failingStore) Delete(context.Context, string) error                          { return errDown }
func (failingStore) Cleanup(context.Context) error                                 { return errDown }
func (failingStore) GetBlock(context.Context, string) (*domain.BlockRecord, error) { return nil, errDown }
func (failingStore) SetBlock(context.Context, domain.BlockRecord) error            { return errDown }
func (failingStore) DeleteBlock(context.Context, string) error                     { return errDown }
func (failingStore) Close() error                                                  { return nil }

type recordingAlerter struct {
	ch chan domain.Threat
}

func newRecordingAlerter() *recordingAlerter {
	return &recordingAlerter{ch: make(chan domain.Threat, 16)}
}

func (a *recordingAlerter) Alert(_ context.Context, t domain.Threat) error {
	a.ch <- t
	return nil
}
