package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/service"
)

// testInput is a mutable callback input used to verify the registry's
// defensive copying.
type testInput struct {
	Tag  string
	Text string
}

func (t *testInput) SourceTag() string { return t.Tag }

func (t *testInput) Copy() service.Input {
	cp := *t
	return &cp
}

// waitFor polls cond every millisecond until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestRegistry_AddRemove(t *testing.T) {
	t.Parallel()

	r := service.NewRegistry("test")
	tok1 := r.Add(func(context.Context, service.Input) {})
	tok2 := r.Add(func(context.Context, service.Input) {})
	if tok1 == tok2 {
		t.Fatalf("tokens must be distinct, both were %d", tok1)
	}
	if got := r.Len(); got != 2 {
		t.Errorf("Len: want 2, got %d", got)
	}

	if !r.Remove(tok1) {
		t.Errorf("Remove(tok1): want true")
	}
	if r.Remove(tok1) {
		t.Errorf("Remove(tok1) twice: want false")
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len after remove: want 1, got %d", got)
	}

	r.Clear()
	if got := r.Len(); got != 0 {
		t.Errorf("Len after clear: want 0, got %d", got)
	}
}

func TestRegistry_InvokeInline_CopiesInput(t *testing.T) {
	t.Parallel()

	r := service.NewRegistry("test")
	var seen []string
	r.Add(func(_ context.Context, in service.Input) {
		seen = append(seen, in.(*testInput).Text)
	})

	in := &testInput{Tag: "t1", Text: "first"}
	r.Invoke(context.Background(), in, nil)

	// Mutate the original after the invoke; the handler must have received
	// a copy.
	in.Text = "mutated"
	r.Invoke(context.Background(), in, nil)

	if len(seen) != 2 || seen[0] != "first" || seen[1] != "mutated" {
		t.Errorf("handler observations: want [first mutated], got %v", seen)
	}
}

func TestRegistry_InvokeScoped_DoesNotBlock(t *testing.T) {
	t.Parallel()

	scope := service.NewScope(context.Background(), "test")
	defer func() {
		scope.Cancel()
		scope.Wait()
	}()

	release := make(chan struct{})
	var ran atomic.Int32
	r := service.NewRegistry("test")
	r.Add(func(context.Context, service.Input) {
		<-release
		ran.Add(1)
	})

	start := time.Now()
	r.Invoke(context.Background(), &testInput{Tag: "t"}, scope)
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("scoped invoke blocked for %v", elapsed)
	}
	if got := ran.Load(); got != 0 {
		t.Errorf("handler ran before release: %d", got)
	}

	close(release)
	waitFor(t, time.Second, func() bool { return ran.Load() == 1 })
}

func TestRegistry_InvokeScoped_FIFOPerHandler(t *testing.T) {
	t.Parallel()

	scope := service.NewScope(context.Background(), "test")
	defer func() {
		scope.Cancel()
		scope.Wait()
	}()

	var mu sync.Mutex
	var order []string
	r := service.NewRegistry("test")
	r.Add(func(_ context.Context, in service.Input) {
		// Slow handler so later invokes pile up in the queue.
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, in.(*testInput).Text)
		mu.Unlock()
	})

	for _, txt := range []string{"a", "b", "c", "d"} {
		r.Invoke(context.Background(), &testInput{Tag: "t", Text: txt}, scope)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c", "d"} {
		if order[i] != want {
			t.Fatalf("per-handler order: want [a b c d], got %v", order)
		}
	}
}

func TestRegistry_HandlerPanicIsolated(t *testing.T) {
	t.Parallel()

	r := service.NewRegistry("test")
	var survived atomic.Bool
	r.Add(func(context.Context, service.Input) { panic("boom") })
	r.Add(func(context.Context, service.Input) { survived.Store(true) })

	r.Invoke(context.Background(), &testInput{Tag: "t"}, nil)
	if !survived.Load() {
		t.Error("sibling handler did not run after a panic")
	}
}

func TestScope_CancelIsTerminal(t *testing.T) {
	t.Parallel()

	scope := service.NewScope(context.Background(), "test")
	var ran atomic.Bool
	if ok := scope.Go("probe", func(ctx context.Context) {
		<-ctx.Done()
		ran.Store(true)
	}); !ok {
		t.Fatal("Go before cancel: want true")
	}

	scope.Cancel()
	scope.Wait()
	if !ran.Load() {
		t.Error("child task did not observe cancellation")
	}
	if !scope.Cancelled() {
		t.Error("Cancelled: want true")
	}
	if ok := scope.Go("late", func(context.Context) {}); ok {
		t.Error("Go after cancel: want false")
	}
}

func TestScope_ChildPanicDoesNotCancelSiblings(t *testing.T) {
	t.Parallel()

	scope := service.NewScope(context.Background(), "test")
	defer func() {
		scope.Cancel()
		scope.Wait()
	}()

	var siblingDone atomic.Bool
	scope.Go("panicky", func(context.Context) { panic("child failure") })
	scope.Go("sibling", func(ctx context.Context) {
		select {
		case <-time.After(50 * time.Millisecond):
			siblingDone.Store(true)
		case <-ctx.Done():
		}
	})

	waitFor(t, time.Second, func() bool { return siblingDone.Load() })
}
