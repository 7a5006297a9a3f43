// Package engine is the submission interface of the orchestrator. It turns a
// query into an accepted run, executes it in the background and answers
// status and report lookups until long after the run has finished.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aristath/productteam/internal/agent"
	"github.com/aristath/productteam/internal/aggregator"
	"github.com/aristath/productteam/internal/classifier"
	"github.com/aristath/productteam/internal/knowledge"
	"github.com/aristath/productteam/internal/orchestrator"
	"github.com/aristath/productteam/internal/persistence"
	"github.com/aristath/productteam/internal/planner"
	"github.com/aristath/productteam/internal/query"
	"github.com/aristath/productteam/internal/registry"
)

var (
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrReportNotReady is returned while a run is still executing.
	ErrReportNotReady = errors.New("report not ready")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("engine is shut down")
	// ErrPriorReport is returned by Submit when the query names an earlier
	// run whose report cannot be used.
	ErrPriorReport = errors.New("prior report unavailable")
)

const defaultRetainedRuns = 128

// Options wires the engine's collaborators. Registry and Runner are
// required; everything else may be nil.
type Options struct {
	Registry   *registry.Registry
	Classifier *classifier.Classifier
	Planner    *planner.Planner
	Runner     *orchestrator.Runner
	Store      persistence.Store
	Knowledge  *knowledge.Index // Receives outputs of roles marked Remember
	// RetainedRuns is how many finished runs stay in memory; older ones are
	// served from Store.
	RetainedRuns int
	Logger       *slog.Logger
}

// entry tracks one run inside the engine. settled closes once the run has
// finished and its history has been written.
type entry struct {
	run     *orchestrator.Run
	settled chan struct{}
}

// Engine accepts queries and tracks their runs.
type Engine struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	active   map[string]*entry
	finished *lru.Cache[string, *entry]
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("engine: runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Classifier == nil {
		opts.Classifier = classifier.New(classifier.WithLogger(opts.Logger))
	}
	if opts.Planner == nil {
		opts.Planner = planner.New(opts.Logger)
	}
	if opts.RetainedRuns <= 0 {
		opts.RetainedRuns = defaultRetainedRuns
	}

	e := &Engine{
		opts:   opts,
		logger: opts.Logger,
		active: make(map[string]*entry),
	}
	finished, err := lru.NewWithEvict(opts.RetainedRuns, func(id string, _ *entry) {
		e.logger.Debug("run evicted from memory", "run_id", id)
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.finished = finished
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Submit classifies and plans q against the current registry snapshot and
// starts the run in the background. It returns as soon as the plan is
// accepted. Planning failures are returned as *planner.PlanningError and no
// run is created.
func (e *Engine) Submit(ctx context.Context, q query.Query) (string, error) {
	prior, err := e.priorSections(q.PriorReport)
	if err != nil {
		return "", err
	}

	snap := e.opts.Registry.Snapshot()
	cls := e.opts.Classifier.Classify(ctx, snap, q)
	plan, err := e.opts.Planner.Plan(snap, q, cls)
	if err != nil {
		return "", err
	}
	plan, cls = e.opts.Planner.Review(ctx, snap, q, cls, plan)

	run := orchestrator.NewRun(uuid.NewString(), snap, cls, plan)
	run.Prior = prior
	ent := &entry{run: run, settled: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.active[run.ID] = ent
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("run accepted",
		"run_id", run.ID,
		"roles", plan.Roles,
		"method", cls.Method,
		"ambiguous", cls.Ambiguous,
		"snapshot", snap.Version(),
	)

	go e.execute(ent)
	return run.ID, nil
}

// priorSections turns the available sections of an earlier report into
// context for every role of the new run.
func (e *Engine) priorSections(id string) ([]agent.PriorSection, error) {
	if id == "" {
		return nil, nil
	}
	report, err := e.GetReport(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriorReport, err)
	}
	var out []agent.PriorSection
	for _, s := range report.Sections {
		if !s.Available() {
			continue
		}
		texts := make([]string, 0, len(s.Contributions))
		for _, c := range s.Contributions {
			texts = append(texts, c.Text)
		}
		out = append(out, agent.PriorSection{Title: s.Title, Text: strings.Join(texts, "\n\n")})
	}
	return out, nil
}

func (e *Engine) execute(ent *entry) {
	defer e.wg.Done()
	defer close(ent.settled)

	run := ent.run
	e.opts.Runner.Execute(e.ctx, run)

	e.remember(run)
	// History is written even when the engine is shutting down.
	if err := e.persist(context.WithoutCancel(e.ctx), run); err != nil {
		e.logger.Error("failed to persist run", "run_id", run.ID, "err", err)
	}

	e.mu.Lock()
	e.finished.Add(run.ID, ent)
	delete(e.active, run.ID)
	e.mu.Unlock()
}

// remember writes outputs of roles marked Remember back to the knowledge index.
func (e *Engine) remember(run *orchestrator.Run) {
	if e.opts.Knowledge == nil {
		return
	}
	for nodeID, res := range run.Results.All() {
		role, err := run.Snapshot.GetRole(res.RoleID)
		if err != nil || !role.Remember {
			continue
		}
		for field, text := range res.Output {
			if err := e.opts.Knowledge.Remember(run.ID, role, field, text); err != nil {
				e.logger.Warn("failed to remember output", "run_id", run.ID, "node_id", nodeID, "field", field, "err", err)
			}
		}
	}
}

func (e *Engine) lookup(id string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ent, ok := e.active[id]; ok {
		return ent, true
	}
	return e.finished.Get(id)
}

// Cancel requests cancellation of a run. Cancelling a finished run is a no-op.
func (e *Engine) Cancel(id string) error {
	ent, ok := e.lookup(id)
	if !ok {
		if _, err := e.stored(context.Background(), id); err != nil {
			return err
		}
		return nil
	}
	ent.run.Cancel()
	e.logger.Info("run cancellation requested", "run_id", id)
	return nil
}

// GetReport returns the report of a finished run. Runs that are still
// executing return ErrReportNotReady.
func (e *Engine) GetReport(id string) (*aggregator.Report, error) {
	ent, ok := e.lookup(id)
	if !ok {
		rec, err := e.stored(context.Background(), id)
		if err != nil {
			return nil, err
		}
		return reportFromRecord(rec)
	}
	if r := ent.run.Report(); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("run %s: %w", id, ErrReportNotReady)
}

// Wait blocks until the run has finished and its history is written, then
// returns its report.
func (e *Engine) Wait(ctx context.Context, id string) (*aggregator.Report, error) {
	ent, ok := e.lookup(id)
	if !ok {
		return e.GetReport(id)
	}
	select {
	case <-ent.settled:
		return ent.run.Report(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListRoles returns the roles of the current registry snapshot.
func (e *Engine) ListRoles() []registry.Role {
	return e.opts.Registry.ListRoles()
}

// Run returns the in-memory run, if it is still retained.
func (e *Engine) Run(id string) (*orchestrator.Run, bool) {
	ent, ok := e.lookup(id)
	if !ok {
		return nil, false
	}
	return ent.run, true
}

// History lists stored runs, most recent first.
func (e *Engine) History(ctx context.Context, limit int) ([]persistence.RunSummary, error) {
	if e.opts.Store == nil {
		return []persistence.RunSummary{}, nil
	}
	return e.opts.Store.ListRuns(ctx, limit)
}

// Conversation returns the prompts and raw responses exchanged during a run.
func (e *Engine) Conversation(ctx context.Context, id string) ([]persistence.ConversationTurn, error) {
	if e.opts.Store == nil {
		return []persistence.ConversationTurn{}, nil
	}
	return e.opts.Store.GetHistory(ctx, id)
}

// Shutdown cancels every active run and waits for them to settle or for ctx
// to expire. Submit fails afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
}

func (e *Engine) stored(ctx context.Context, id string) (*persistence.RunRecord, error) {
	if e.opts.Store == nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	rec, err := e.opts.Store.GetRun(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return rec, err
}
