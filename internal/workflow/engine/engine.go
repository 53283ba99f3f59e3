package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/faults"
	"github.com/kingrea/coleta/internal/geo"
	"github.com/kingrea/coleta/internal/geocode"
	"github.com/kingrea/coleta/internal/location"
	"github.com/kingrea/coleta/internal/logbook"
	"github.com/kingrea/coleta/internal/logging"
	"github.com/kingrea/coleta/internal/route"
	"github.com/kingrea/coleta/internal/status"
	"github.com/kingrea/coleta/internal/workflow"
)

// ErrInvalidStage is returned when an operation's precondition fails.
var ErrInvalidStage = errors.New("workflow engine: invalid stage")

// ErrClosed is returned by operations after Close.
var ErrClosed = errors.New("workflow engine: closed")

// Directory lists the jobs and cooperatives the collector can pick from.
type Directory interface {
	ListAvailable(ctx context.Context) ([]collect.Job, error)
	ListCooperatives(ctx context.Context) ([]collect.Cooperative, error)
}

// Resolver turns entities into coordinates.
type Resolver interface {
	Resolve(ctx context.Context, q geocode.Query) (geo.Point, error)
}

// Router owns the route plan drawn for the active pair.
type Router interface {
	Compute(origin, destination geo.Point, onResult func(route.Result)) uint64
	Clear()
	Close()
}

// Synchronizer pushes and pulls backend job state.
type Synchronizer interface {
	Claim(ctx context.Context, jobID int64) status.Outcome
	PushStatus(ctx context.Context, jobID int64, st collect.Status) status.Outcome
	AssociateCooperative(ctx context.Context, jobID, cooperativeID int64) status.Outcome
	Revert(jobID int64, done func(status.Outcome)) status.Outcome
	PullStatus(ctx context.Context, jobID int64) (collect.Status, error)
	Wait()
}

// Poller runs the confirmation loop.
type Poller interface {
	Start(ctx context.Context, pull status.PullFunc, handle func(collect.Status) bool) error
	Stop()
}

// Deps are the engine's collaborators. Store and Journal are optional.
type Deps struct {
	Directory Directory
	Locator   location.Locator
	Geocoder  Resolver
	Routes    Router
	Status    Synchronizer
	Poller    Poller
	Store     StateStore
	Journal   *logbook.Logbook
}

// Engine is the collector workflow state machine.
type Engine struct {
	deps   Deps
	clock  func() time.Time
	logger logrus.FieldLogger
	hub    *hub

	lifetime context.Context
	shutdown context.CancelFunc

	// opMu serializes operations; stateMu guards the fields below it and
	// is the only lock asynchronous deliveries take.
	opMu      sync.Mutex
	stateMu   sync.Mutex
	snap      Snapshot
	routeGen  uint64
	pollGen   string
	closed    bool
	closeOnce sync.Once

	bg sync.WaitGroup
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.hub = newHub(n, e.logger)
		}
	}
}

// New wires a workflow engine to its collaborators.
func New(deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Directory == nil:
		return nil, fmt.Errorf("workflow engine: directory is required")
	case deps.Locator == nil:
		return nil, fmt.Errorf("workflow engine: locator is required")
	case deps.Geocoder == nil:
		return nil, fmt.Errorf("workflow engine: geocoder is required")
	case deps.Routes == nil:
		return nil, fmt.Errorf("workflow engine: route computer is required")
	case deps.Status == nil:
		return nil, fmt.Errorf("workflow engine: status synchronizer is required")
	case deps.Poller == nil:
		return nil, fmt.Errorf("workflow engine: poller is required")
	}
	lifetime, shutdown := context.WithCancel(context.Background())
	e := &Engine{
		deps:     deps,
		clock:    time.Now,
		logger:   logging.Discard(),
		lifetime: lifetime,
		shutdown: shutdown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.hub == nil {
		e.hub = newHub(defaultSubscriberCapacity, e.logger)
	}
	e.snap = Snapshot{
		RunID:     uuid.NewString(),
		Stage:     workflow.StageList,
		UpdatedAt: e.clock(),
	}
	return e, nil
}

// Snapshot returns a copy of the current read model.
func (e *Engine) Snapshot() Snapshot {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.snap.clone()
}

// Stage returns the current stage.
func (e *Engine) Stage() workflow.Stage {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.snap.Stage
}

// Subscribe registers for snapshots. The current snapshot is delivered
// first.
func (e *Engine) Subscribe() Subscription {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	sub := e.hub.subscribe(e.snap.clone())
	if e.closed {
		sub.Close()
	}
	return sub
}

// Start loads the job list and the cooperative directory concurrently.
func (e *Engine) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.ReloadJobs(gctx) })
	g.Go(func() error { return e.ReloadCooperatives(gctx) })
	return g.Wait()
}

// ReloadJobs refreshes the available job list. The active job never
// reappears in it.
func (e *Engine) ReloadJobs(ctx context.Context) error {
	jobs, err := e.deps.Directory.ListAvailable(ctx)
	if err != nil {
		return fmt.Errorf("workflow engine: reload jobs: %w", err)
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.snap.Job != nil {
		jobs = withoutJob(jobs, e.snap.Job.ID)
	}
	e.snap.Jobs = jobs
	e.publishLocked()
	return nil
}

// ReloadCooperatives refreshes the cooperative directory.
func (e *Engine) ReloadCooperatives(ctx context.Context) error {
	coops, err := e.deps.Directory.ListCooperatives(ctx)
	if err != nil {
		return fmt.Errorf("workflow engine: reload cooperatives: %w", err)
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.snap.Cooperatives = coops
	e.publishLocked()
	return nil
}

// AcceptJob claims job and starts the route to its producer. The producer
// must have resolvable coordinates and the device position must be
// available; the claim happens last and the stage advances only if it
// succeeds.
func (e *Engine) AcceptJob(ctx context.Context, job collect.Job) error {
	const op = "accept job"
	ctx, done, err := e.begin(ctx, op, workflow.ActionAccept)
	if err != nil {
		return err
	}
	defer done()
	if job.ID == 0 {
		return e.fail(op, fmt.Errorf("workflow engine: job has no id"))
	}

	destination, err := e.deps.Geocoder.Resolve(ctx, geocode.QueryForProducer(job.Producer))
	if err != nil {
		return e.fail(op, err)
	}
	origin, err := e.deps.Locator.Locate(ctx)
	if err != nil {
		if faults.Kind(err) == nil {
			err = faults.New(faults.ErrLocationUnavailable, "locate", err)
		}
		return e.fail(op, err)
	}
	if out := e.deps.Status.Claim(ctx, job.ID); out.Blocked() {
		return e.fail(op, out.Err)
	}

	e.stateMu.Lock()
	claimed := job
	claimed.Status = collect.StatusAccepted
	from := e.snap.Stage
	e.snap.Stage = workflow.StageRouteToProducer
	e.snap.Job = &claimed
	e.snap.Cooperative = nil
	e.snap.Origin = origin.Ptr()
	e.snap.Destination = destination.Ptr()
	e.snap.LastError = ""
	e.snap.clearRoute()
	e.snap.Jobs = withoutJob(e.snap.Jobs, job.ID)
	gen := e.nextRouteLocked()
	e.commitLocked(from, "")
	e.stateMu.Unlock()

	e.computeRoute(gen, origin, destination)
	return nil
}

// ConfirmPickup records that the load was picked up at the producer. The
// next leg starts from the producer's position.
func (e *Engine) ConfirmPickup(ctx context.Context) error {
	const op = "confirm pickup"
	ctx, done, err := e.begin(ctx, op, workflow.ActionConfirm)
	if err != nil {
		return err
	}
	defer done()

	jobID := e.activeJobID()
	if out := e.deps.Status.PushStatus(ctx, jobID, collect.StatusConfirmed); out.Blocked() {
		return e.fail(op, out.Err)
	}
	e.deps.Routes.Clear()

	e.stateMu.Lock()
	from := e.snap.Stage
	e.nextRouteLocked()
	e.snap.Stage = workflow.StageSelectCooperative
	e.snap.Job.Status = collect.StatusConfirmed
	e.snap.Origin = clonePoint(e.snap.Destination)
	e.snap.Destination = nil
	e.snap.LastError = ""
	e.snap.clearRoute()
	e.commitLocked(from, "")
	e.stateMu.Unlock()

	e.background(func(ctx context.Context) {
		if err := e.ReloadCooperatives(ctx); err != nil {
			e.warn("cooperative directory", err)
		}
	})
	return nil
}

// SelectCooperative picks the destination cooperative and starts the route
// to it. The association with the job is written best-effort.
func (e *Engine) SelectCooperative(ctx context.Context, coop collect.Cooperative) error {
	const op = "select cooperative"
	ctx, done, err := e.begin(ctx, op, workflow.ActionSelect)
	if err != nil {
		return err
	}
	defer done()

	destination, err := e.deps.Geocoder.Resolve(ctx, geocode.QueryForCooperative(coop))
	if err != nil {
		return e.fail(op, err)
	}
	if !destination.Valid() {
		return e.fail(op, faults.New(faults.ErrCoordinatesMissing, "select cooperative", fmt.Errorf("invalid coordinates %s", destination)))
	}

	e.stateMu.Lock()
	from := e.snap.Stage
	selected := coop
	e.snap.Stage = workflow.StageRouteToCooperative
	e.snap.Cooperative = &selected
	coopID := coop.ID
	e.snap.Job.CooperativeID = &coopID
	e.snap.Destination = destination.Ptr()
	e.snap.LastError = ""
	e.snap.clearRoute()
	jobID := e.snap.Job.ID
	var origin geo.Point
	if e.snap.Origin != nil {
		origin = *e.snap.Origin
	}
	gen := e.nextRouteLocked()
	e.commitLocked(from, coop.Name)
	e.stateMu.Unlock()

	e.computeRoute(gen, origin, destination)
	e.deps.Status.AssociateCooperative(ctx, jobID, coop.ID)
	return nil
}

// CompleteDelivery records the hand-over at the cooperative and starts
// waiting for its confirmation.
func (e *Engine) CompleteDelivery(ctx context.Context) error {
	const op = "complete delivery"
	ctx, done, err := e.begin(ctx, op, workflow.ActionComplete)
	if err != nil {
		return err
	}
	defer done()

	jobID := e.activeJobID()
	if out := e.deps.Status.PushStatus(ctx, jobID, collect.StatusAwaiting); out.Blocked() {
		return e.fail(op, out.Err)
	}
	e.deps.Routes.Clear()

	e.stateMu.Lock()
	from := e.snap.Stage
	e.nextRouteLocked()
	e.snap.Stage = workflow.StageAwaitingConfirmation
	e.snap.Job.Status = collect.StatusAwaiting
	e.snap.LastError = ""
	e.snap.clearRoute()
	gen := uuid.NewString()
	e.pollGen = gen
	e.commitLocked(from, "")
	e.stateMu.Unlock()

	e.startPolling(gen, jobID)
	return nil
}

// Cancel abandons the active job from any cancellable stage. Local state
// returns to the job list at once; the backend revert is best-effort and
// the job list is reloaded once it settles.
func (e *Engine) Cancel(ctx context.Context) error {
	const op = "cancel"
	_, done, err := e.begin(ctx, op, workflow.ActionCancel)
	if err != nil {
		return err
	}
	defer done()

	if err := e.detach(op, workflow.ActionCancel); err != nil {
		return err
	}
	e.deps.Poller.Stop()
	e.deps.Routes.Clear()

	e.stateMu.Lock()
	from := e.snap.Stage
	jobID := e.snap.Job.ID
	e.snap.Stage = workflow.StageList
	e.snap.clearSelection()
	e.snap.LastError = ""
	e.commitLocked(from, fmt.Sprintf("job %d", jobID))
	e.stateMu.Unlock()

	e.deps.Status.Revert(jobID, func(status.Outcome) {
		if err := e.ReloadJobs(e.lifetime); err != nil && e.lifetime.Err() == nil {
			e.warn("job list", err)
		}
	})
	return nil
}

// Reset leaves the success screen for the job list.
func (e *Engine) Reset(ctx context.Context) error {
	const op = "reset"
	ctx, done, err := e.begin(ctx, op, workflow.ActionReset)
	if err != nil {
		return err
	}
	defer done()

	if err := e.detach(op, workflow.ActionReset); err != nil {
		return err
	}
	e.deps.Poller.Stop()
	e.deps.Routes.Clear()

	e.stateMu.Lock()
	from := e.snap.Stage
	e.snap.Stage = workflow.StageList
	e.snap.clearSelection()
	e.snap.LastError = ""
	e.snap.Warnings = nil
	e.commitLocked(from, "")
	e.stateMu.Unlock()

	if err := e.ReloadJobs(ctx); err != nil {
		e.warn("job list", err)
	}
	return nil
}

// Resume restores the last persisted record: the route is recomputed for
// routing stages and polling restarts while awaiting confirmation.
func (e *Engine) Resume(ctx context.Context) error {
	if e.deps.Store == nil {
		return ErrStateNotFound
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.isClosed() {
		return ErrClosed
	}
	rec, err := e.deps.Store.Load()
	if err != nil {
		return err
	}
	if !rec.Stage.Valid() {
		return fmt.Errorf("workflow engine: persisted stage %q is unknown", rec.Stage)
	}
	if rec.Stage != workflow.StageList && rec.Job == nil {
		return fmt.Errorf("workflow engine: persisted %s record has no job", rec.Stage)
	}

	e.stateMu.Lock()
	from := e.snap.Stage
	if rec.RunID != "" {
		e.snap.RunID = rec.RunID
	}
	e.snap.Stage = rec.Stage
	e.snap.Job = cloneJob(rec.Job)
	e.snap.Cooperative = cloneCooperative(rec.Cooperative)
	e.snap.Origin = clonePoint(rec.Origin)
	e.snap.Destination = clonePoint(rec.Destination)
	e.snap.clearRoute()
	if e.snap.Job != nil {
		e.snap.Jobs = withoutJob(e.snap.Jobs, e.snap.Job.ID)
	}
	var routeGen uint64
	if rec.Stage.Routing() && rec.Origin != nil && rec.Destination != nil {
		routeGen = e.nextRouteLocked()
	}
	var pollGen string
	if rec.Stage == workflow.StageAwaitingConfirmation {
		pollGen = uuid.NewString()
		e.pollGen = pollGen
	}
	e.commitLocked(from, "resumed")
	e.stateMu.Unlock()

	if routeGen != 0 {
		e.computeRoute(routeGen, *rec.Origin, *rec.Destination)
	}
	if pollGen != "" {
		e.startPolling(pollGen, rec.Job.ID)
	}
	return nil
}

// HandleWarning records a failed best-effort operation. It is the warning
// handler given to the status synchronizer.
func (e *Engine) HandleWarning(o status.Outcome) {
	if o.Err == nil {
		return
	}
	e.warn(string(o.Op), o.Err)
}

// Wait blocks until dispatched background work has settled.
func (e *Engine) Wait() {
	e.deps.Status.Wait()
	e.bg.Wait()
}

// Close cancels in-flight operations, stops polling and tears the route
// down. Only the first call does anything.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.shutdown()
		e.opMu.Lock()
		defer e.opMu.Unlock()

		e.stateMu.Lock()
		e.closed = true
		e.pollGen = ""
		e.nextRouteLocked()
		e.stateMu.Unlock()

		e.deps.Poller.Stop()
		e.deps.Routes.Close()
		e.bg.Wait()
		e.hub.closeAll()
	})
}

// begin takes the operation lock, checks the precondition and ties ctx to
// the engine lifetime.
func (e *Engine) begin(ctx context.Context, op string, action workflow.Action) (context.Context, func(), error) {
	e.opMu.Lock()
	if e.isClosed() {
		e.opMu.Unlock()
		return nil, nil, ErrClosed
	}
	stage := e.Stage()
	if !workflow.CanTransition(stage, action) {
		e.opMu.Unlock()
		return nil, nil, fmt.Errorf("%w: cannot %s from %s", ErrInvalidStage, op, stage)
	}
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.lifetime, cancel)
	return opCtx, func() {
		stop()
		cancel()
		e.opMu.Unlock()
	}, nil
}

// detach re-checks the precondition under stateMu and invalidates the route
// and poll generations in the same critical section. A poll tick can commit
// SUCCESS between begin and here; once detach returns nil no tick can.
func (e *Engine) detach(op string, action workflow.Action) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if !workflow.CanTransition(e.snap.Stage, action) {
		return fmt.Errorf("%w: cannot %s from %s", ErrInvalidStage, op, e.snap.Stage)
	}
	e.pollGen = ""
	e.nextRouteLocked()
	return nil
}

func (e *Engine) isClosed() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.closed
}

func (e *Engine) activeJobID() int64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.snap.Job == nil {
		return 0
	}
	return e.snap.Job.ID
}

// fail surfaces a blocking failure without touching the stage.
func (e *Engine) fail(op string, err error) error {
	e.logger.WithError(err).WithField("op", op).Warn("engine.operation_failed")
	e.stateMu.Lock()
	e.snap.LastError = fmt.Sprintf("%s: %v", op, err)
	e.snap.UpdatedAt = e.clock()
	e.publishLocked()
	e.stateMu.Unlock()
	e.deps.Journal.Error("%s failed: %v", op, err)
	return err
}

func (e *Engine) warn(what string, err error) {
	msg := fmt.Sprintf("%s: %v", what, err)
	e.logger.WithError(err).WithField("what", what).Warn("engine.warning")
	e.deps.Journal.Warn("%s", msg)
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.closed {
		return
	}
	e.snap.warn(msg)
	e.snap.UpdatedAt = e.clock()
	e.publishLocked()
}

// nextRouteLocked invalidates any pending route result and returns the
// generation for the next plan.
func (e *Engine) nextRouteLocked() uint64 {
	e.routeGen++
	return e.routeGen
}

// computeRoute must be called without stateMu: it may wait for the previous
// plan's teardown.
func (e *Engine) computeRoute(gen uint64, origin, destination geo.Point) {
	e.deps.Routes.Compute(origin, destination, func(r route.Result) {
		e.applyRoute(gen, r)
	})
}

func (e *Engine) applyRoute(gen uint64, r route.Result) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if gen != e.routeGen || e.closed {
		return
	}
	if r.Err != nil {
		e.snap.Route = nil
		e.snap.RoutePath = nil
		e.snap.RouteText = "Route unavailable: " + r.Err.Error()
		e.deps.Journal.Warn("route failed: %v", r.Err)
	} else {
		summary := r.Route.Summary
		e.snap.Route = &summary
		e.snap.RoutePath = append([]geo.Point(nil), r.Route.Path...)
		e.snap.RouteText = summary.Text()
	}
	e.snap.UpdatedAt = e.clock()
	e.publishLocked()
}

func (e *Engine) startPolling(gen string, jobID int64) {
	pull := func(ctx context.Context) (collect.Status, error) {
		return e.deps.Status.PullStatus(ctx, jobID)
	}
	handle := func(st collect.Status) bool {
		return e.applyPoll(gen, st)
	}
	err := e.deps.Poller.Start(e.lifetime, pull, handle)
	if errors.Is(err, status.ErrPollerActive) {
		e.deps.Poller.Stop()
		err = e.deps.Poller.Start(e.lifetime, pull, handle)
	}
	if err != nil {
		e.warn("status polling", err)
	}
}

// applyPoll returns true when the loop should stop.
func (e *Engine) applyPoll(gen string, st collect.Status) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if gen != e.pollGen || e.closed || e.snap.Stage != workflow.StageAwaitingConfirmation {
		return true
	}
	var jobID int64
	if e.snap.Job != nil {
		e.snap.Job.Status = st
		jobID = e.snap.Job.ID
	}
	if !st.Terminal() {
		if !st.Valid() {
			e.logger.WithFields(logrus.Fields{"job_id": jobID, "status": string(st)}).Warn("engine.poll_unknown_status")
		}
		if st == collect.StatusCancelled {
			e.logger.WithField("job_id", jobID).Warn("engine.poll_cancelled_status")
		}
		e.snap.UpdatedAt = e.clock()
		e.publishLocked()
		return false
	}
	from := e.snap.Stage
	e.snap.Stage = workflow.StageSuccess
	e.pollGen = ""
	e.commitLocked(from, "confirmed by cooperative")
	return true
}

// background runs fn on the engine lifetime and tracks it for Wait.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn(e.lifetime)
	}()
}

// commitLocked stamps, journals, persists and publishes a transition.
func (e *Engine) commitLocked(from workflow.Stage, note string) {
	e.snap.UpdatedAt = e.clock()
	var jobID int64
	if e.snap.Job != nil {
		jobID = e.snap.Job.ID
	}
	e.deps.Journal.Transition(jobID, string(from), string(e.snap.Stage), note)
	e.logger.WithFields(logrus.Fields{
		"run_id": e.snap.RunID,
		"job_id": jobID,
		"from":   string(from),
		"to":     string(e.snap.Stage),
	}).Info("engine.transition")
	if e.deps.Store != nil {
		if err := e.deps.Store.Save(e.snap.record()); err != nil {
			e.logger.WithError(err).Warn("engine.persist_failed")
		}
	}
	e.publishLocked()
}

func (e *Engine) publishLocked() {
	e.hub.publish(e.snap.clone())
}
