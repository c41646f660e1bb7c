// Package runtime provides the Runner - simulation round orchestration engine.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agorasim-collective/marketcore/marketmsg"
	"github.com/agorasim-collective/marketcore/simengine/config"
	"github.com/agorasim-collective/marketcore/simengine/observability"
	"github.com/agorasim-collective/marketcore/simengine/scheduler"
	"github.com/agorasim-collective/marketcore/simengine/trading"
)

// RunMode from config package.
type RunMode = config.RunMode

const (
	RunModeSequential  = config.RunModeSequential
	RunModePartitioned = config.RunModePartitioned
)

var tracer = otel.Tracer("marketcore/simengine/runtime")

// =============================================================================
// BEHAVIORS
// =============================================================================

// Behavior is one agent group's decision logic, invoked for each of the
// group's traders during every action phase.
type Behavior interface {
	Act(ctx context.Context, round, step int, trader *trading.Trader) error
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx context.Context, round, step int, trader *trading.Trader) error

// Act implements Behavior.
func (f BehaviorFunc) Act(ctx context.Context, round, step int, trader *trading.Trader) error {
	return f(ctx, round, step, trader)
}

// BehaviorRegistry maps behavior names to implementations, so configuration
// can bind agent groups to logic by name.
type BehaviorRegistry struct {
	behaviors map[string]Behavior
	mu        sync.RWMutex
}

// NewBehaviorRegistry creates an empty BehaviorRegistry.
func NewBehaviorRegistry() *BehaviorRegistry {
	return &BehaviorRegistry{
		behaviors: make(map[string]Behavior),
	}
}

// Register registers a behavior under a name. Registering a name twice is
// an error.
func (r *BehaviorRegistry) Register(name string, behavior Behavior) error {
	if name == "" {
		return fmt.Errorf("behavior name is required")
	}
	if behavior == nil {
		return fmt.Errorf("behavior is required for '%s'", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.behaviors[name]; exists {
		return fmt.Errorf("behavior already registered: %s", name)
	}
	r.behaviors[name] = behavior
	return nil
}

// Get returns the behavior registered under name.
func (r *BehaviorRegistry) Get(name string) (Behavior, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	behavior, ok := r.behaviors[name]
	return behavior, ok
}

// Has checks if a behavior is registered.
func (r *BehaviorRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all registered behavior names, sorted.
func (r *BehaviorRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.behaviors))
	for name := range r.behaviors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// RUN OPTIONS
// =============================================================================

// RunOptions configures how the simulation runs.
type RunOptions struct {
	// Rounds to run. Zero falls back to the global config.
	Rounds int

	// Steps per round. Zero falls back to the global config.
	Steps int

	// Mode: sequential or partitioned. Empty falls back to the global config.
	Mode RunMode

	// Workers in partitioned mode. Zero falls back to the global config.
	Workers int

	// Stream: send per-step progress to a channel as steps complete.
	Stream bool
}

// RoundOutput is one progress report from a streaming run.
type RoundOutput struct {
	Round int
	Step  int
	Err   error
}

// =============================================================================
// RUNNER
// =============================================================================

// Runner drives traders through the round lockstep: behaviors act, the
// router delivers, dispatchers clear, the auditor closes the round.
type Runner struct {
	Scheduler *scheduler.Scheduler
	Behaviors *BehaviorRegistry
	Logger    marketmsg.Logger

	mu       sync.RWMutex
	traders  map[marketmsg.AgentID]*trading.Trader
	bindings map[string]Behavior // group name -> behavior
}

// NewRunner creates a Runner over a scheduler.
func NewRunner(sched *scheduler.Scheduler, behaviors *BehaviorRegistry, logger marketmsg.Logger) (*Runner, error) {
	if sched == nil {
		return nil, fmt.Errorf("runner requires a scheduler")
	}
	if behaviors == nil {
		behaviors = NewBehaviorRegistry()
	}
	if logger == nil {
		logger = marketmsg.NoOpLogger{}
	}

	return &Runner{
		Scheduler: sched,
		Behaviors: behaviors,
		Logger:    logger,
		traders:   make(map[marketmsg.AgentID]*trading.Trader),
		bindings:  make(map[string]Behavior),
	}, nil
}

// Join registers a trader with the scheduler and tracks it for behavior
// dispatch.
func (r *Runner) Join(trader *trading.Trader) error {
	if _, err := r.Scheduler.Join(trader); err != nil {
		return err
	}

	r.mu.Lock()
	r.traders[trader.ID()] = trader
	r.mu.Unlock()
	return nil
}

// Leave removes a trader from the run.
func (r *Runner) Leave(id marketmsg.AgentID) error {
	if err := r.Scheduler.Leave(id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.traders, id)
	r.mu.Unlock()
	return nil
}

// BindGroup binds every trader in a group to a named behavior from the
// registry. Groups without a binding idle through the action phase.
func (r *Runner) BindGroup(group, behaviorName string) error {
	behavior, ok := r.Behaviors.Get(behaviorName)
	if !ok {
		return fmt.Errorf("behavior not found: %s", behaviorName)
	}

	r.mu.Lock()
	r.bindings[group] = behavior
	r.mu.Unlock()
	return nil
}

// roster returns the tracked traders in stable identity order.
func (r *Runner) roster() []*trading.Trader {
	r.mu.RLock()
	traders := make([]*trading.Trader, 0, len(r.traders))
	for _, trader := range r.traders {
		traders = append(traders, trader)
	}
	r.mu.RUnlock()

	sort.Slice(traders, func(i, j int) bool {
		a, b := traders[i].ID(), traders[j].ID()
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Num < b.Num
	})
	return traders
}

func (r *Runner) behaviorFor(group string) Behavior {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[group]
}

// =============================================================================
// UNIFIED EXECUTION
// =============================================================================

// Execute runs the simulation with the given options. It returns the number
// of rounds completed and, for streaming runs, the closed progress channel.
func (r *Runner) Execute(ctx context.Context, opts RunOptions) (int, <-chan RoundOutput, error) {
	// Apply defaults from the global config
	cfg := config.GetSimConfig()
	if opts.Rounds <= 0 {
		opts.Rounds = cfg.Rounds
	}
	if opts.Steps <= 0 {
		opts.Steps = cfg.Steps
	}
	if opts.Workers <= 0 {
		opts.Workers = cfg.Workers
	}
	if opts.Mode == "" {
		opts.Mode = cfg.Mode
	}
	if !opts.Mode.Valid() {
		return 0, nil, fmt.Errorf("unknown run mode: %q", opts.Mode)
	}

	startTime := time.Now()
	logEvent := "run_started"
	if opts.Mode == RunModePartitioned {
		logEvent = "run_partitioned_started"
	}

	r.Logger.Info(logEvent,
		"rounds", opts.Rounds,
		"steps", opts.Steps,
		"mode", string(opts.Mode),
		"workers", opts.Workers,
		"agents", r.Scheduler.Count(),
	)

	var outputChan chan RoundOutput
	if opts.Stream {
		outputChan = make(chan RoundOutput, opts.Rounds*opts.Steps+1)
	}

	var completed int
	var err error

	switch opts.Mode {
	case RunModePartitioned:
		completed, err = r.runPartitionedCore(ctx, opts, outputChan)
	default:
		completed, err = r.runSequentialCore(ctx, opts, outputChan)
	}

	if outputChan != nil {
		close(outputChan)
	}

	durationMS := int(time.Since(startTime).Milliseconds())
	status := "success"
	if err != nil {
		status = "error"
	}

	r.Scheduler.Emit(scheduler.RunCompletedEvent(completed))
	r.Logger.Info("run_completed",
		"rounds_completed", completed,
		"status", status,
		"duration_ms", durationMS,
	)

	return completed, outputChan, err
}

// runSequentialCore drives every agent on the calling goroutine.
func (r *Runner) runSequentialCore(ctx context.Context, opts RunOptions, outputChan chan RoundOutput) (int, error) {
	completed := 0

	for i := 0; i < opts.Rounds; i++ {
		select {
		case <-ctx.Done():
			r.Logger.Info("run_cancelled",
				"round", r.Scheduler.Clock().Round(),
				"reason", ctx.Err().Error(),
			)
			return completed, ctx.Err()
		default:
		}

		round := r.Scheduler.Clock().Round()
		roundStart := time.Now()
		roundCtx, span := tracer.Start(ctx, "simulation.round",
			trace.WithAttributes(attribute.Int("round", round)),
		)

		for step := 0; step < opts.Steps; step++ {
			if err := r.runStepSequential(roundCtx, round, step); err != nil {
				r.emitStep(outputChan, round, step, err)
				span.RecordError(err)
				span.End()
				return completed, err
			}
			r.emitStep(outputChan, round, step, nil)
		}

		if err := r.closeRound(roundStart); err != nil {
			span.RecordError(err)
			span.End()
			return completed, err
		}
		span.End()
		completed++
	}

	return completed, nil
}

// runStepSequential runs one action/delivery/clearing step.
func (r *Runner) runStepSequential(ctx context.Context, round, step int) error {
	r.Scheduler.ActionPhase()
	for _, trader := range r.roster() {
		if err := r.act(ctx, round, step, trader); err != nil {
			return err
		}
	}

	if err := r.Scheduler.DeliveryPhase(); err != nil {
		return err
	}
	return r.Scheduler.ClearingPhase()
}

// act invokes the trader's group behavior under a span.
func (r *Runner) act(ctx context.Context, round, step int, trader *trading.Trader) error {
	behavior := r.behaviorFor(trader.ID().Group)
	if behavior == nil {
		return nil
	}

	actCtx, span := tracer.Start(ctx, "agent.act",
		trace.WithAttributes(
			attribute.String("agent", trader.ID().String()),
			attribute.Int("step", step),
		),
	)
	err := behavior.Act(actCtx, round, step, trader)
	span.End()

	if err != nil {
		r.Logger.Error("behavior_failed",
			"agent", trader.ID().String(),
			"round", round,
			"step", step,
			"error", err.Error(),
		)
		return fmt.Errorf("behavior for %s: %w", trader.ID(), err)
	}
	return nil
}

// closeRound records the open-offer gauges, audits and advances the clock.
func (r *Runner) closeRound(roundStart time.Time) error {
	counts := map[string]int{}
	for _, trader := range r.roster() {
		books := trader.Books()
		counts[trader.ID().Group] += books.OpenBuyOffers.Count() + books.OpenSellOffers.Count()
	}
	for group, n := range counts {
		observability.SetOpenOffers(group, n)
	}

	if _, err := r.Scheduler.EndRound(); err != nil {
		observability.RecordAuditViolation(auditReason(err))
		return err
	}

	observability.RecordRoundCompleted(int(time.Since(roundStart).Milliseconds()))
	return nil
}

func (r *Runner) emitStep(outputChan chan RoundOutput, round, step int, err error) {
	if outputChan == nil {
		return
	}
	outputChan <- RoundOutput{Round: round, Step: step, Err: err}
}

// auditReason folds an audit error into a metric label.
func auditReason(err error) string {
	var unanswered *marketmsg.UnansweredOffersError
	var unretrieved *marketmsg.UnretrievedOffersError
	var unread *marketmsg.UnreadMessagesError

	switch {
	case errors.As(err, &unanswered):
		return "unanswered_offers"
	case errors.As(err, &unretrieved):
		return "unretrieved_offers"
	case errors.As(err, &unread):
		return "unread_messages"
	default:
		return "audit"
	}
}

// =============================================================================
// CONVENIENCE METHODS
// =============================================================================

// Run runs the simulation sequentially for the given number of rounds.
func (r *Runner) Run(ctx context.Context, rounds int) (int, error) {
	completed, _, err := r.Execute(ctx, RunOptions{
		Rounds: rounds,
		Mode:   RunModeSequential,
	})
	return completed, err
}

// RunPartitioned runs the simulation with agents sharded across workers.
func (r *Runner) RunPartitioned(ctx context.Context, rounds, workers int) (int, error) {
	completed, _, err := r.Execute(ctx, RunOptions{
		Rounds:  rounds,
		Mode:    RunModePartitioned,
		Workers: workers,
	})
	return completed, err
}

// RunWithStream runs sequentially and streams step progress to a channel.
// The channel closes once the run ends; failures surface on RoundOutput.Err
// and in the log.
func (r *Runner) RunWithStream(ctx context.Context, rounds int) (<-chan RoundOutput, error) {
	cfg := config.GetSimConfig()
	opts := RunOptions{
		Rounds: rounds,
		Steps:  cfg.Steps,
		Mode:   RunModeSequential,
		Stream: true,
	}
	if opts.Rounds <= 0 {
		opts.Rounds = cfg.Rounds
	}
	if opts.Steps <= 0 {
		opts.Steps = 1
	}

	outputChan := make(chan RoundOutput, opts.Rounds*opts.Steps+1)

	go func() {
		defer close(outputChan)

		r.Logger.Info("run_streaming_started", "rounds", opts.Rounds)

		completed, err := r.runSequentialCore(ctx, opts, outputChan)
		if err != nil {
			r.Logger.Warn("streaming_run_failed",
				"rounds_completed", completed,
				"error", err.Error(),
			)
		}
	}()

	return outputChan, nil
}
