package status

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/faults"
)

type fakeBackend struct {
	mu          sync.Mutex
	claimErr    error
	patchErr    map[collect.Status]error
	coopErr     error
	patched     []collect.Status
	coopCalls   int
	gate        chan struct{}
	sawDeadline atomic.Bool
}

func (b *fakeBackend) Claim(ctx context.Context, id int64) error { return b.claimErr }

func (b *fakeBackend) PatchStatus(ctx context.Context, id int64, status collect.Status) error {
	if b.gate != nil {
		<-b.gate
	}
	if _, ok := ctx.Deadline(); ok {
		b.sawDeadline.Store(true)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patched = append(b.patched, status)
	return b.patchErr[status]
}

func (b *fakeBackend) PatchCooperative(ctx context.Context, id, coopID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coopCalls++
	return b.coopErr
}

func (b *fakeBackend) GetJob(ctx context.Context, id int64) (collect.Job, error) {
	return collect.Job{ID: id, Status: collect.StatusAwaiting}, nil
}

func TestDefaultPolicyTable(t *testing.T) {
	p := DefaultPolicy()
	want := map[Operation]Mode{
		OpClaim:     Blocking,
		OpConfirm:   Blocking,
		OpAwaiting:  Blocking,
		OpAssociate: BestEffort,
		OpRevert:    BestEffort,
		OpPoll:      BestEffort,
	}
	for op, mode := range want {
		if p.Mode(op) != mode {
			t.Fatalf("%s: mode %s, want %s", op, p.Mode(op), mode)
		}
	}
	if p.Mode(Operation("unknown")) != Blocking {
		t.Fatalf("unknown operations must be blocking")
	}
}

func TestBlockingFailureIsReturnedInline(t *testing.T) {
	rejected := faults.Rejected("patch status", 500, "boom")
	backend := &fakeBackend{patchErr: map[collect.Status]error{collect.StatusConfirmed: rejected}}
	var warned atomic.Int32
	s, err := NewSynchronizer(backend, WithWarningHandler(func(Outcome) { warned.Add(1) }))
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	out := s.PushStatus(context.Background(), 1, collect.StatusConfirmed)
	if !out.Blocked() || out.Op != OpConfirm {
		t.Fatalf("expected blocked confirm outcome, got %+v", out)
	}
	if !errors.Is(out.Err, faults.ErrBackendRejected) {
		t.Fatalf("expected BackendRejected, got %v", out.Err)
	}
	if warned.Load() != 0 {
		t.Fatalf("blocking failures must not be reported as warnings")
	}

	backend.claimErr = faults.Network("claim", errors.New("dial"))
	if out := s.Claim(context.Background(), 1); !out.Blocked() || !errors.Is(out.Err, faults.ErrNetwork) {
		t.Fatalf("expected blocked network claim, got %+v", out)
	}
}

func TestAssociationFailureBecomesWarning(t *testing.T) {
	backend := &fakeBackend{coopErr: faults.Network("patch cooperative", errors.New("reset"))}
	warnings := make(chan Outcome, 1)
	s, _ := NewSynchronizer(backend, WithWarningHandler(func(o Outcome) { warnings <- o }))

	out := s.AssociateCooperative(context.Background(), 4, 9)
	if !out.Pending || out.Err != nil {
		t.Fatalf("best-effort dispatch should be pending without error, got %+v", out)
	}
	s.Wait()
	select {
	case w := <-warnings:
		if !w.Warning() || !errors.Is(w.Err, faults.ErrAssociationFailed) || !errors.Is(w.Err, faults.ErrNetwork) {
			t.Fatalf("unexpected warning %+v", w)
		}
	default:
		t.Fatalf("expected a warning")
	}
}

func TestRevertIsDetachedAndReportsCompletion(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}
	s, _ := NewSynchronizer(backend, WithBestEffortTimeout(time.Second))

	settled := make(chan Outcome, 1)
	out := s.Revert(7, func(o Outcome) { settled <- o })
	if !out.Pending || out.Op != OpRevert {
		t.Fatalf("expected pending revert, got %+v", out)
	}
	select {
	case <-settled:
		t.Fatalf("revert settled before the backend answered")
	default:
	}
	close(backend.gate)
	select {
	case o := <-settled:
		if o.Err != nil {
			t.Fatalf("unexpected revert error %v", o.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("revert never settled")
	}
	s.Wait()
	if !backend.sawDeadline.Load() {
		t.Fatalf("best-effort calls must be time-bounded")
	}
	if len(backend.patched) != 1 || backend.patched[0] != collect.StatusRequested {
		t.Fatalf("expected one REQUESTED patch, got %v", backend.patched)
	}
}

func TestPollerStopsOnlyOnTerminalStatus(t *testing.T) {
	sequence := []collect.Status{
		collect.StatusAwaiting,
		collect.StatusAwaiting,
		collect.StatusAwaiting,
		collect.StatusConcluded,
	}
	var reads atomic.Int32
	pull := func(ctx context.Context) (collect.Status, error) {
		n := int(reads.Add(1))
		if n > len(sequence) {
			return collect.StatusConcluded, nil
		}
		return sequence[n-1], nil
	}
	var mu sync.Mutex
	var seen []collect.Status
	terminalAt := make(chan int, 1)
	handle := func(s collect.Status) bool {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
		if s.Terminal() {
			terminalAt <- len(seen)
			return true
		}
		return false
	}

	p := NewPoller(5 * time.Millisecond)
	if err := p.Start(context.Background(), pull, handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case n := <-terminalAt:
		if n != 4 {
			t.Fatalf("terminal status observed on tick %d, want 4", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poller never reached terminal status")
	}
	waitInactive(t, p)
	if reads.Load() != 4 {
		t.Fatalf("expected the loop to stop after four reads, got %d", reads.Load())
	}
}

func TestPollerRetriesAfterErrors(t *testing.T) {
	var reads atomic.Int32
	pull := func(ctx context.Context) (collect.Status, error) {
		if reads.Add(1) < 3 {
			return "", faults.Network("get job", errors.New("timeout"))
		}
		return collect.StatusConcluded, nil
	}
	stopped := make(chan struct{})
	p := NewPoller(5 * time.Millisecond)
	_ = p.Start(context.Background(), pull, func(s collect.Status) bool {
		close(stopped)
		return true
	})
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller gave up after errors")
	}
}

func TestPollerRefusesOverlapAndStopsIdempotently(t *testing.T) {
	pull := func(ctx context.Context) (collect.Status, error) { return collect.StatusAwaiting, nil }
	var handled atomic.Int32
	handle := func(collect.Status) bool {
		handled.Add(1)
		return false
	}
	p := NewPoller(5 * time.Millisecond)
	if err := p.Start(context.Background(), pull, handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background(), pull, handle); !errors.Is(err, ErrPollerActive) {
		t.Fatalf("expected ErrPollerActive, got %v", err)
	}
	p.Stop()
	p.Stop()
	if p.Active() {
		t.Fatalf("poller still active after Stop")
	}
	after := handled.Load()
	time.Sleep(30 * time.Millisecond)
	if handled.Load() != after {
		t.Fatalf("handler ran after Stop returned")
	}
	if err := p.Start(context.Background(), pull, handle); err != nil {
		t.Fatalf("restart after Stop: %v", err)
	}
	p.Stop()
}

func TestPullStatusReadsJob(t *testing.T) {
	s, _ := NewSynchronizer(&fakeBackend{})
	st, err := s.PullStatus(context.Background(), 3)
	if err != nil {
		t.Fatalf("PullStatus: %v", err)
	}
	if st != collect.StatusAwaiting {
		t.Fatalf("status = %s", st)
	}
}

func waitInactive(t *testing.T, p *Poller) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for p.Active() {
		if time.Now().After(deadline) {
			t.Fatalf("poller still active")
		}
		time.Sleep(time.Millisecond)
	}
}
