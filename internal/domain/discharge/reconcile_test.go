package discharge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/ipd/internal/platform/recordstore"
)

type scopeKey struct{}

// scopeSeeingStore records the scope value of every context it reads with.
type scopeSeeingStore struct {
	recordstore.Store
	mu   sync.Mutex
	seen []any
}

func (s *scopeSeeingStore) Select(ctx context.Context, table string, filter recordstore.Filter) ([]recordstore.Row, error) {
	s.mu.Lock()
	s.seen = append(s.seen, ctx.Value(scopeKey{}))
	s.mu.Unlock()
	return s.Store.Select(ctx, table, filter)
}

func TestReconciler_TakesScopePerRun(t *testing.T) {
	mem := recordstore.NewMemoryStore()
	store := &scopeSeeingStore{Store: mem}
	env := newTestEnvWithStore(t, mem, store)

	var calls, released int
	scope := func(ctx context.Context) (context.Context, func(), error) {
		calls++
		if calls == 1 {
			return ctx, func() {}, errors.New("acquire connection: pool exhausted")
		}
		return context.WithValue(ctx, scopeKey{}, calls), func() { released++ }, nil
	}
	r := NewReconciler(env.svc, time.Minute, scope, zerolog.Nop())

	for i := 0; i < 3; i++ {
		r.runOnce(context.Background())
	}

	if calls != 3 {
		t.Fatalf("expected a scope per run, got %d", calls)
	}
	if released != 2 {
		t.Errorf("expected 2 releases, got %d", released)
	}
	if len(store.seen) != 2 || store.seen[0] != 2 || store.seen[1] != 3 {
		t.Errorf("expected runs 2 and 3 to read through their own scope, got %v", store.seen)
	}
}

func TestReconciler_RunReleasesEachTick(t *testing.T) {
	env := newTestEnv(t)

	var acquired, released atomic.Int32
	ticks := make(chan struct{}, 16)
	scope := func(ctx context.Context) (context.Context, func(), error) {
		acquired.Add(1)
		return ctx, func() {
			released.Add(1)
			select {
			case ticks <- struct{}{}:
			default:
			}
		}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReconciler(env.svc, 5*time.Millisecond, scope, zerolog.Nop()).Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for tick %d", i+1)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after cancel")
	}

	if acquired.Load() != released.Load() {
		t.Errorf("expected every scope released, acquired %d released %d", acquired.Load(), released.Load())
	}
}

func TestNewReconciler_Defaults(t *testing.T) {
	env := newTestEnv(t)
	r := NewReconciler(env.svc, 0, nil, zerolog.Nop())
	if r.interval != 5*time.Minute {
		t.Errorf("expected 5m default interval, got %s", r.interval)
	}
	ctx, release, err := r.scope(context.Background())
	if err != nil || ctx == nil {
		t.Fatalf("expected pass-through scope, got %v", err)
	}
	release()
}
