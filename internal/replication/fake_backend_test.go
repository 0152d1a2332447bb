package replication

import (
	"context"
	"sync"

	"github.com/wolfscale/wolfscale/internal/logentry"
)

// fakeBackend records every applied entry; failNext makes the next
// Apply call return an error, used to exercise the log-and-continue
// path (spec §4.7).
type fakeBackend struct {
	mu       sync.Mutex
	applied  []logentry.LogEntry
	rawSQL   []string
	failNext bool
	healthy  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{healthy: true}
}

func (f *fakeBackend) Apply(ctx context.Context, entry logentry.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return context.DeadlineExceeded
	}
	f.applied = append(f.applied, entry)
	return nil
}

func (f *fakeBackend) ExecRawSQL(ctx context.Context, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawSQL = append(f.rawSQL, sql)
	return nil
}

func (f *fakeBackend) HealthCheck(ctx context.Context) error {
	if !f.healthy {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}
