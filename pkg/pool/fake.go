package pool

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Manager used by dispatcher tests to exercise the
// warm-pool coupling (EnsurePool/ScaleTo/WaitReady/ScaleToZero call
// counts and idempotence) without live EC2/ECS infrastructure.
type Fake struct {
	mu sync.Mutex

	ensured    bool
	desired    int
	registered int

	EnsureCalls int
	ScaleCalls  int
	WaitCalls   int
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) EnsurePool(_ context.Context, _ Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EnsureCalls++
	f.ensured = true
	return nil
}

func (f *Fake) ScaleTo(_ context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ScaleCalls++
	f.desired = n
	// The fake models instances becoming ready immediately, so WaitReady
	// returns without polling in tests.
	f.registered = n
	return nil
}

func (f *Fake) WaitReady(_ context.Context, n int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WaitCalls++
	return nil
}

func (f *Fake) ScaleToZero(ctx context.Context) error {
	return f.ScaleTo(ctx, 0)
}

func (f *Fake) Status(_ context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{Desired: f.desired, InService: f.registered, RegisteredContainerInstances: f.registered}, nil
}

var _ Manager = (*Fake)(nil)
