package reconcile

import (
	"context"
	"sync"
	"time"

	"papervault/domain/core/aggregates"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	pkgerrors "papervault/pkg/errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publication causes passed to state listeners.
const (
	CauseLoad       = "load"
	CauseMutation   = "mutation"
	CauseResolved   = "mutation_resolved"
	CauseRolledBack = "mutation_rolled_back"
	CauseRemote     = "remote_event"
)

// MutationKind classifies a mutation for metrics and provisional tracking.
type MutationKind string

const (
	KindCreate MutationKind = "create"
	KindUpdate MutationKind = "update"
	KindDelete MutationKind = "delete"
	KindCustom MutationKind = "custom"
)

// Resolver turns a provisional id into the durable id its create produced,
// waiting for the create to settle if needed. Durable ids pass through.
type Resolver interface {
	Durable(ctx context.Context, id valueobjects.RecordID) (valueobjects.RecordID, error)
}

// Outcome is what a successful remote call reports back.
type Outcome struct {
	// Replacements maps provisional ids to the durable records that replace them.
	Replacements map[valueobjects.RecordID]entities.Record
	// Records are authoritative server versions of records the call touched.
	Records []entities.Record
}

// Mutation describes one optimistic change.
type Mutation struct {
	Kind    MutationKind
	Target  aggregates.Key
	Action  entities.ActionKind
	ActorID string

	// Apply derives the optimistic state. It must be pure.
	Apply func(*aggregates.VaultState) (*aggregates.VaultState, error)
	// Remote performs the change against the store.
	Remote func(ctx context.Context, resolve Resolver) (Outcome, error)
}

// Result is the settled state of one mutation.
type Result struct {
	OperationID OperationID
	// Target is the durable key after a successful create.
	Target aggregates.Key
	// Record is the target as published after settlement, nil when absent.
	Record entities.Record
	Err    *pkgerrors.AppError
	// Orphaned is set when an earlier rollback or the reaper already removed
	// the operation, so its settlement did not restore anything.
	Orphaned bool
}

// Pending is a dispatched mutation whose remote call is in flight.
type Pending struct {
	OperationID OperationID
	Target      aggregates.Key
	// Record is the optimistic version of the target, nil for deletes.
	Record entities.Record

	done    chan struct{}
	result  Result
	created []valueobjects.RecordID
}

// Done is closed once the mutation settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the mutation settles and returns its result. A failed
// mutation also returns its classified error.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		if p.result.Err != nil {
			return p.result, p.result.Err
		}
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SettleFunc is told about every settled mutation.
type SettleFunc func(m Mutation, r Result)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Clock     Clock
	Logger    *zap.Logger
	Metrics   Recorder
	Tracker   *ActivityTracker
	OnSettled SettleFunc
}

type promise struct {
	done      chan struct{}
	id        valueobjects.RecordID
	err       error
	settledAt time.Time
}

// Engine applies mutations optimistically and reconciles them with the
// outcome of their remote calls.
type Engine struct {
	holder    *StateHolder
	ledger    *Ledger
	clock     Clock
	logger    *zap.Logger
	metrics   Recorder
	tracker   *ActivityTracker
	onSettled SettleFunc
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	promises map[valueobjects.RecordID]*promise
}

// NewEngine creates an engine over a state holder and ledger.
func NewEngine(holder *StateHolder, ledger *Ledger, opts EngineOptions) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		holder:    holder,
		ledger:    ledger,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   orNop(opts.Metrics),
		tracker:   opts.Tracker,
		onSettled: opts.OnSettled,
		tracer:    otel.Tracer("papervault/reconcile"),
		ctx:       ctx,
		cancel:    cancel,
		promises:  make(map[valueobjects.RecordID]*promise),
	}
}

// Perform dispatches m and waits for it to settle.
func (e *Engine) Perform(ctx context.Context, m Mutation) (Result, error) {
	p, err := e.Dispatch(ctx, m)
	if err != nil {
		return Result{}, err
	}
	return p.Wait(ctx)
}

// Dispatch applies m locally, registers it in the ledger and starts its
// remote call. It returns once the optimistic state is published. Errors
// from Apply are returned without publishing anything.
func (e *Engine) Dispatch(ctx context.Context, m Mutation) (*Pending, error) {
	if m.Apply == nil || m.Remote == nil {
		return nil, pkgerrors.NewValidationError("mutation requires both a local and a remote step")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, pkgerrors.NewUnavailableError("vault session")
	}
	e.wg.Add(1)
	e.mu.Unlock()

	var p *Pending
	err := e.holder.Update(CauseMutation, func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
		next, err := m.Apply(s)
		if err != nil {
			return nil, err
		}
		img := s.Diff(next)
		op := e.ledger.Register(m.Target, img)
		rec, _ := next.Get(m.Target)
		p = &Pending{OperationID: op, Target: m.Target, Record: rec, done: make(chan struct{})}
		// Every provisional record this mutation introduces can be resolved
		// once the remote call settles.
		for _, k := range img.Keys() {
			if entry, _ := img.Entry(k); entry.Prior == nil && k.ID.IsProvisional() && next.Has(k) {
				p.created = append(p.created, k.ID)
				e.expect(k.ID)
			}
		}
		return next, nil
	})
	if err != nil {
		e.wg.Done()
		return nil, err
	}

	if e.tracker != nil && m.Action != "" {
		e.tracker.RecordLocal(ctx, m.Action, m.ActorID)
	}
	e.logger.Debug("Mutation dispatched",
		zap.String("operation_id", string(p.OperationID)),
		zap.String("collection", string(m.Target.Collection)),
		zap.String("record_id", m.Target.ID.String()),
		zap.String("kind", string(m.Kind)),
	)

	go e.run(m, p)
	return p, nil
}

// Durable implements Resolver.
func (e *Engine) Durable(ctx context.Context, id valueobjects.RecordID) (valueobjects.RecordID, error) {
	if !id.IsProvisional() {
		return id, nil
	}
	e.mu.Lock()
	p, ok := e.promises[id]
	e.mu.Unlock()
	if !ok {
		return valueobjects.RecordID{}, pkgerrors.NewValidationError("record " + id.String() + " was never created")
	}
	select {
	case <-p.done:
		if p.err != nil {
			return valueobjects.RecordID{}, pkgerrors.NewValidationError("record " + id.String() + " could not be created").WithCause(p.err)
		}
		return p.id, nil
	case <-ctx.Done():
		return valueobjects.RecordID{}, ctx.Err()
	}
}

// Known returns the durable id a provisional id was replaced with, if its
// create has already succeeded.
func (e *Engine) Known(id valueobjects.RecordID) (valueobjects.RecordID, bool) {
	if !id.IsProvisional() {
		return id, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.promises[id]
	if !ok {
		return valueobjects.RecordID{}, false
	}
	select {
	case <-p.done:
		return p.id, p.err == nil
	default:
		return valueobjects.RecordID{}, false
	}
}

// Ledger returns the engine's ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Close stops accepting mutations and waits for in-flight ones. When ctx
// expires first, outstanding remote calls are cancelled.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Cancelling in-flight mutations on close", zap.Int("pending", e.ledger.Len()))
		e.cancel()
		<-done
	}
	e.cancel()
}

func (e *Engine) run(m Mutation, p *Pending) {
	defer e.wg.Done()
	defer close(p.done)

	ctx, span := e.tracer.Start(e.ctx, "reconcile.remote",
		trace.WithAttributes(
			attribute.String("collection", string(m.Target.Collection)),
			attribute.String("kind", string(m.Kind)),
			attribute.String("operation_id", string(p.OperationID)),
		),
	)
	defer span.End()

	start := time.Now()
	outcome, err := m.Remote(ctx, e)
	e.metrics.RemoteCall(string(m.Kind)+"_"+string(m.Target.Collection), time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.result = e.fail(m, p, err)
	} else {
		p.result = e.succeed(m, p, outcome)
	}
	if e.onSettled != nil {
		e.onSettled(m, p.result)
	}
}

func (e *Engine) succeed(m Mutation, p *Pending, out Outcome) Result {
	res := Result{OperationID: p.OperationID, Target: m.Target}

	_ = e.holder.Update(CauseResolved, func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
		res.Orphaned = !e.ledger.Resolve(p.OperationID)
		next := s

		for prov, durable := range out.Replacements {
			provKey := aggregates.Key{Collection: durable.Kind(), ID: prov}
			durableID := durable.RecordID()
			stillPending := e.ledger.IsPending(provKey)
			e.ledger.Rekey(prov, durableID)
			if cur, ok := next.Get(provKey); ok && stillPending {
				// Later local edits are still in flight; keep them and only
				// swap the identity.
				next = next.ReplaceProvisional(prov, cur.WithID(durableID))
			} else {
				next = next.ReplaceProvisional(prov, durable)
			}
			e.ledger.Confirm(durable)
			if res.Target == provKey {
				res.Target.ID = durableID
			}
		}

		for _, r := range out.Records {
			e.ledger.Confirm(r)
			k := aggregates.KeyOf(r)
			if e.ledger.IsPending(k) {
				continue
			}
			if cur, ok := next.Get(k); ok {
				next = next.Put(entities.Merge(cur, r))
			}
		}

		res.Record, _ = next.Get(res.Target)
		// Promises settle together with the published replacement so that
		// Known never lags the state.
		for _, prov := range p.created {
			if durable, ok := out.Replacements[prov]; ok {
				e.settlePromise(prov, durable.RecordID(), nil)
			} else {
				e.settlePromise(prov, valueobjects.RecordID{}, pkgerrors.NewInternalError("store returned no record for "+prov.String()))
			}
		}
		return next, nil
	})

	outcome := "success"
	if res.Orphaned {
		outcome = "orphaned"
	}
	e.metrics.MutationSettled(string(m.Target.Collection), string(m.Kind), outcome)
	e.logger.Debug("Mutation resolved",
		zap.String("operation_id", string(p.OperationID)),
		zap.String("record_id", res.Target.ID.String()),
		zap.Bool("orphaned", res.Orphaned),
	)
	return res
}

func (e *Engine) fail(m Mutation, p *Pending, err error) Result {
	appErr := pkgerrors.Classify(err)
	res := Result{OperationID: p.OperationID, Target: m.Target, Err: appErr}

	var orphaned []OperationID
	_ = e.holder.Update(CauseRolledBack, func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
		img, others, ok := e.ledger.Rollback(p.OperationID)
		if !ok {
			res.Orphaned = true
			res.Record, _ = s.Get(m.Target)
			return s, nil
		}
		orphaned = others
		next := s.Restore(img).PruneDangling()
		res.Record, _ = next.Get(m.Target)
		return next, nil
	})

	for _, prov := range p.created {
		e.settlePromise(prov, valueobjects.RecordID{}, appErr)
	}

	outcome := "rolled_back"
	if res.Orphaned {
		outcome = "orphaned"
	}
	e.metrics.MutationSettled(string(m.Target.Collection), string(m.Kind), outcome)
	e.metrics.Rollback(string(appErr.Type))
	e.logger.Warn("Mutation rolled back",
		zap.String("operation_id", string(p.OperationID)),
		zap.String("collection", string(m.Target.Collection)),
		zap.String("record_id", m.Target.ID.String()),
		zap.String("error_class", string(appErr.Type)),
		zap.Int("orphaned_operations", len(orphaned)),
		zap.Bool("orphaned", res.Orphaned),
		zap.Error(err),
	)
	return res
}

func (e *Engine) expect(id valueobjects.RecordID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.promises[id] = &promise{done: make(chan struct{})}
}

func (e *Engine) settlePromise(prov, durable valueobjects.RecordID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.promises[prov]
	if !ok {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	p.id, p.err = durable, err
	p.settledAt = e.clock.Now()
	close(p.done)
}

// PrunePromises forgets provisional ids that settled more than olderThan ago
// and that no outstanding operation mentions. Durable and Known treat a
// forgotten id as never created.
func (e *Engine) PrunePromises(olderThan time.Duration) int {
	cutoff := e.clock.Now().Add(-olderThan)
	e.mu.Lock()
	defer e.mu.Unlock()
	pruned := 0
	for id, p := range e.promises {
		if p.settledAt.IsZero() || !p.settledAt.Before(cutoff) || e.ledger.References(id) {
			continue
		}
		delete(e.promises, id)
		pruned++
	}
	return pruned
}
