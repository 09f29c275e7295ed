package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/service"
)

// hookRecorder is a configurable Hooks implementation that records lifecycle
// calls. Nil function fields are no-ops returning nil.
type hookRecorder struct {
	activateErr   error
	deactivateErr error
	compute       func(ctx context.Context, input any) error

	activations   atomic.Int32
	computations  atomic.Int32
	deactivations atomic.Int32
	stops         atomic.Int32
}

func (h *hookRecorder) OnActivate(context.Context) error {
	h.activations.Add(1)
	return h.activateErr
}

func (h *hookRecorder) OnCompute(ctx context.Context, input any) error {
	h.computations.Add(1)
	if h.compute != nil {
		return h.compute(ctx, input)
	}
	return nil
}

func (h *hookRecorder) OnDeactivate(context.Context) error {
	h.deactivations.Add(1)
	return h.deactivateErr
}

func (h *hookRecorder) OnStop(context.Context) error {
	h.stops.Add(1)
	return nil
}

// sleepUnless blocks for d or until ctx is cancelled, returning ctx.Err() in
// the latter case.
func sleepUnless(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestService_IdleLifecycle(t *testing.T) {
	t.Parallel()

	hooks := &hookRecorder{
		compute: func(ctx context.Context, _ any) error {
			return sleepUnless(ctx, 5*time.Second)
		},
	}
	svc := service.New("probe", hooks)
	var errs atomic.Int32
	svc.Errors().Add(func(context.Context, service.Input) { errs.Add(1) })

	if !svc.Activate("t1") {
		t.Fatal("Activate: want true")
	}
	if !svc.Active() {
		t.Fatal("Active: want true after Activate")
	}
	if !svc.ComputeAsync("input", nil, "t1") {
		t.Fatal("ComputeAsync: want true")
	}
	if !svc.Computing() {
		t.Fatal("Computing: want true after ComputeAsync")
	}

	// Synchronous probe: no completion within 50 ms.
	time.Sleep(50 * time.Millisecond)
	if !svc.Computing() {
		t.Fatal("Computing: computation finished unexpectedly early")
	}

	if !svc.Stop("t1") {
		t.Fatal("Stop: want true")
	}
	// Stop does not wait; computing clears within the eventual-consistency
	// window.
	waitFor(t, 200*time.Millisecond, func() bool { return !svc.Computing() })

	if !svc.Deactivate("t1") {
		t.Fatal("Deactivate: want true")
	}
	if svc.Active() {
		t.Fatal("Active: want false after Deactivate")
	}
	if got := errs.Load(); got != 0 {
		t.Errorf("error callbacks fired: want 0, got %d", got)
	}
	if got := hooks.stops.Load(); got != 1 {
		t.Errorf("OnStop calls: want 1, got %d", got)
	}
}

func TestService_ComputingImpliesActive(t *testing.T) {
	t.Parallel()

	svc := service.New("probe", &hookRecorder{})
	if svc.ComputeAsync("x", nil, "t") {
		t.Error("ComputeAsync before Activate: want false")
	}
	if svc.Computing() {
		t.Error("Computing without Active: invariant violated")
	}
}

func TestService_WrongStateOperationsReturnFalse(t *testing.T) {
	t.Parallel()

	hooks := &hookRecorder{}
	svc := service.New("probe", hooks)

	if svc.Deactivate("t") {
		t.Error("Deactivate while idle: want false")
	}
	if svc.Stop("t") {
		t.Error("Stop while idle: want false")
	}
	if svc.Wait(nil, "t") {
		t.Error("Wait while idle: want false")
	}

	if !svc.Activate("t") {
		t.Fatal("Activate: want true")
	}
	if svc.Activate("t") {
		t.Error("Activate twice: want false")
	}
	if got := hooks.activations.Load(); got != 1 {
		t.Errorf("OnActivate calls: want 1, got %d", got)
	}
}

func TestService_SingleInFlightComputation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	hooks := &hookRecorder{
		compute: func(ctx context.Context, _ any) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	svc := service.New("probe", hooks)
	svc.Activate("t")
	defer close(release)

	if !svc.ComputeAsync("a", nil, "t") {
		t.Fatal("first ComputeAsync: want true")
	}
	if svc.ComputeAsync("b", nil, "t") {
		t.Error("second ComputeAsync while computing: want false")
	}
	if got := hooks.computations.Load(); got != 1 {
		t.Errorf("OnCompute calls: want 1, got %d", got)
	}
}

func TestService_ActivateFailureFansOutError(t *testing.T) {
	t.Parallel()

	boom := errors.New("client init failed")
	svc := service.New("probe", &hookRecorder{activateErr: boom})

	var got atomic.Pointer[service.Error]
	svc.Errors().Add(func(_ context.Context, in service.Input) {
		got.Store(in.(*service.Error))
	})

	if svc.Activate("tag-7") {
		t.Fatal("Activate with failing hook: want false")
	}
	rec := got.Load()
	if rec == nil {
		t.Fatal("error callback did not fire")
	}
	if rec.Source != service.SourceActivating {
		t.Errorf("Source: want ACTIVATING, got %s", rec.Source)
	}
	if rec.Tag != "tag-7" {
		t.Errorf("Tag: want tag-7, got %q", rec.Tag)
	}
	if !errors.Is(rec, boom) {
		t.Errorf("cause chain lost: %v", rec)
	}
	if svc.Active() {
		t.Error("Active after failed Activate: want false")
	}
}

func TestService_CancellationIsSwallowed(t *testing.T) {
	t.Parallel()

	hooks := &hookRecorder{
		compute: func(ctx context.Context, _ any) error {
			return sleepUnless(ctx, 5*time.Second)
		},
	}
	svc := service.New("probe", hooks)
	var errCount atomic.Int32
	svc.Errors().Add(func(context.Context, service.Input) { errCount.Add(1) })

	svc.Activate("t")
	svc.ComputeAsync("x", nil, "t")
	time.Sleep(10 * time.Millisecond)
	svc.Stop("t")
	waitFor(t, 500*time.Millisecond, func() bool { return !svc.Computing() })

	if got := errCount.Load(); got != 0 {
		t.Errorf("cancellation produced %d error callbacks, want 0", got)
	}
}

func TestService_ComputeFailureFansOutError(t *testing.T) {
	t.Parallel()

	boom := errors.New("stream broke")
	hooks := &hookRecorder{
		compute: func(context.Context, any) error { return boom },
	}
	svc := service.New("probe", hooks)
	errCh := make(chan *service.Error, 1)
	svc.Errors().Add(func(_ context.Context, in service.Input) {
		errCh <- in.(*service.Error)
	})

	svc.Activate("t9")
	svc.ComputeAsync("x", nil, "t9")

	select {
	case rec := <-errCh:
		if rec.Source != service.SourceComputing {
			t.Errorf("Source: want COMPUTING, got %s", rec.Source)
		}
		if rec.Tag != "t9" {
			t.Errorf("Tag: want t9, got %q", rec.Tag)
		}
	case <-time.After(time.Second):
		t.Fatal("error callback did not fire")
	}
}

func TestService_WatchdogTimeout(t *testing.T) {
	t.Parallel()

	hooks := &hookRecorder{
		compute: func(ctx context.Context, _ any) error {
			return sleepUnless(ctx, 500*time.Millisecond)
		},
	}
	svc := service.New("probe", hooks)
	var results atomic.Int32
	svc.Results().Add(func(context.Context, service.Input) { results.Add(1) })

	var fired atomic.Int32
	var firedAt atomic.Int64
	start := time.Now()
	timeout := service.NewRefreshableTimeout(100*time.Millisecond, 10*time.Millisecond,
		func(context.Context, string) {
			fired.Add(1)
			firedAt.Store(time.Since(start).Milliseconds())
		})

	svc.Activate("t")
	svc.ComputeAsync("x", timeout, "t")

	waitFor(t, time.Second, func() bool { return fired.Load() > 0 })
	waitFor(t, time.Second, func() bool { return !svc.Computing() })
	time.Sleep(50 * time.Millisecond) // give a buggy watchdog the chance to double-fire

	if got := fired.Load(); got != 1 {
		t.Errorf("timeout callback fired %d times, want 1", got)
	}
	at := firedAt.Load()
	if at < 100 || at > 200 {
		t.Errorf("timeout fired at %dms, want within [100,200]", at)
	}
	if got := results.Load(); got != 0 {
		t.Errorf("result callbacks fired after watchdog stop: %d", got)
	}
}

func TestService_WatchdogNoResetWindow(t *testing.T) {
	t.Parallel()

	hooks := &hookRecorder{
		compute: func(ctx context.Context, _ any) error {
			return sleepUnless(ctx, 2*time.Second)
		},
	}
	svc := service.New("probe", hooks)

	var firedAt atomic.Int64
	start := time.Now()
	timeout := service.NewRefreshableTimeout(200*time.Millisecond, 20*time.Millisecond,
		func(context.Context, string) {
			firedAt.Store(time.Since(start).Milliseconds())
		})

	svc.Activate("t")
	svc.ComputeAsync("x", timeout, "t")
	waitFor(t, time.Second, func() bool { return firedAt.Load() > 0 })

	// Breach must be detected within one check period past the deadline,
	// with a little scheduling slack.
	at := firedAt.Load()
	if at < 200 || at > 260 {
		t.Errorf("watchdog fired at %dms, want within [200,260]", at)
	}
}

func TestService_ResetTimeoutDefersWatchdog(t *testing.T) {
	t.Parallel()

	svcCh := make(chan *service.Service, 1)
	hooks := &hookRecorder{
		compute: func(ctx context.Context, _ any) error {
			svc := <-svcCh
			// Refresh every 50 ms for 500 ms, well past the 100 ms deadline.
			for i := 0; i < 10; i++ {
				if err := sleepUnless(ctx, 50*time.Millisecond); err != nil {
					return err
				}
				svc.ResetTimeout()
			}
			return nil
		},
	}
	svc := service.New("probe", hooks)
	svcCh <- svc

	var fired atomic.Int32
	timeout := service.NewRefreshableTimeout(100*time.Millisecond, 10*time.Millisecond,
		func(context.Context, string) { fired.Add(1) })

	svc.Activate("t")
	svc.ComputeAsync("x", timeout, "t")
	waitFor(t, 2*time.Second, func() bool { return !svc.Computing() })

	if got := fired.Load(); got != 0 {
		t.Errorf("watchdog fired %d times despite refreshes, want 0", got)
	}
}

func TestService_WaitJoinsComputation(t *testing.T) {
	t.Parallel()

	hooks := &hookRecorder{
		compute: func(ctx context.Context, _ any) error {
			return sleepUnless(ctx, 50*time.Millisecond)
		},
	}
	svc := service.New("probe", hooks)
	svc.Activate("t")
	svc.ComputeAsync("x", nil, "t")

	if !svc.Wait(nil, "t") {
		t.Fatal("Wait: want true")
	}
	if svc.Computing() {
		t.Error("Computing after successful Wait: want false")
	}
}

func TestService_WaitTimeoutStopsComputation(t *testing.T) {
	t.Parallel()

	hooks := &hookRecorder{
		compute: func(ctx context.Context, _ any) error {
			return sleepUnless(ctx, 5*time.Second)
		},
	}
	svc := service.New("probe", hooks)
	svc.Activate("t")
	svc.ComputeAsync("x", nil, "t")

	var fired atomic.Int32
	waitTimeout := service.NewTimeout(50*time.Millisecond,
		func(context.Context, string) { fired.Add(1) })

	if svc.Wait(waitTimeout, "t") {
		t.Fatal("Wait with short timeout: want false")
	}
	if got := fired.Load(); got != 1 {
		t.Errorf("wait timeout callback fired %d times, want 1", got)
	}
	waitFor(t, time.Second, func() bool { return !svc.Computing() })
	if got := hooks.stops.Load(); got != 1 {
		t.Errorf("OnStop calls after wait timeout: want 1, got %d", got)
	}
}

func TestService_CancelScopeIsTerminal(t *testing.T) {
	t.Parallel()

	svc := service.New("probe", &hookRecorder{})
	svc.Activate("t")
	svc.Deactivate("t")

	if !svc.CancelScope() {
		t.Fatal("CancelScope: want true")
	}
	if !svc.ScopeCancelled() {
		t.Fatal("ScopeCancelled: want true")
	}
	if svc.Activate("t") {
		t.Error("Activate after CancelScope: want false")
	}
	if svc.Active() || svc.Computing() {
		t.Error("scope-cancelled service must end idle")
	}
}

func TestService_CancelScopeRefusedWhileComputing(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	hooks := &hookRecorder{
		compute: func(ctx context.Context, _ any) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
	svc := service.New("probe", hooks)
	svc.Activate("t")
	svc.ComputeAsync("x", nil, "t")

	if svc.CancelScope() {
		t.Error("CancelScope while computing: want false")
	}
	close(release)
	waitFor(t, time.Second, func() bool { return !svc.Computing() })
}

func TestService_ReusableAcrossActivations(t *testing.T) {
	t.Parallel()

	hooks := &hookRecorder{}
	svc := service.New("probe", hooks)

	for i := 0; i < 3; i++ {
		if !svc.Activate("t") {
			t.Fatalf("Activate round %d: want true", i)
		}
		if !svc.ComputeAsync("x", nil, "t") {
			t.Fatalf("ComputeAsync round %d: want true", i)
		}
		if !svc.Wait(nil, "t") {
			t.Fatalf("Wait round %d: want true", i)
		}
		if !svc.Deactivate("t") {
			t.Fatalf("Deactivate round %d: want true", i)
		}
	}
	if got := hooks.computations.Load(); got != 3 {
		t.Errorf("OnCompute calls: want 3, got %d", got)
	}
}
