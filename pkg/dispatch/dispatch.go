// Package dispatch implements the capability dispatcher: the single
// entry point through which every engine invocation flows. It enforces
// the contract table fail-closed — caller allowlist, envelope and
// schema validation, idempotency, budget — before any engine logic
// runs, and commits the resulting ledger row and idempotency record as
// one atomic unit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/selene-os/selene/core/pkg/contracts"
	"github.com/selene-os/selene/core/pkg/engines"
	"github.com/selene-os/selene/core/pkg/envelope"
	"github.com/selene-os/selene/core/pkg/idempotency"
	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/lifecycle"
	"github.com/selene-os/selene/core/pkg/reason"
)

// Error is a reason-coded dispatch refusal. Every failure path carries
// exactly one enumerated code; there is no unreasoned error return.
type Error struct {
	Code    reason.Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func refuse(code reason.Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the reason code from an error chain, falling back to
// INTERNAL_PIPELINE_ERROR.
func CodeOf(err error) reason.Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return reason.CodeInternalPipelineErr
}

// Response is a completed invocation.
type Response struct {
	Code     reason.Code    `json:"reason_code"`
	EventID  string         `json:"event_id,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Replayed bool           `json:"replayed,omitempty"`
}

// Committer persists a decision: the ledger append and the idempotency
// promotion succeed or fail as one unit.
type Committer interface {
	CommitDecision(ctx context.Context, ev *ledger.Event, res *idempotency.Reservation, code reason.Code, result map[string]any) (string, error)
}

// RefusalSink records engine-level denials for the audit trail. The
// sink must not fail the invocation.
type RefusalSink interface {
	RecordRefusal(ctx context.Context, env *envelope.Envelope, capabilityID string, code reason.Code, message string)
}

// MetricsSink receives one measurement per completed invocation.
type MetricsSink interface {
	RecordInvocation(ctx context.Context, capabilityID string, code reason.Code, elapsed time.Duration, refused bool)
}

// Config wires a Dispatcher.
type Config struct {
	Contracts   *contracts.Table
	Engines     *engines.Registry
	Ledger      ledger.Store
	Idempotency idempotency.Store
	Committer   Committer
	Reasons     *reason.Registry
	// Projector keeps lifecycle caches warm after commits. Optional.
	Projector *lifecycle.Projector
	// Refusals receives denial records. Optional.
	Refusals RefusalSink
	// Metrics receives per-invocation measurements. Optional.
	Metrics MetricsSink
	// TenantRate/TenantBurst bound per-tenant invocation rate. Zero
	// disables limiting.
	TenantRate  rate.Limit
	TenantBurst int
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Clock       func() time.Time
}

// Dispatcher routes invocations through validation, idempotency, the
// engine decision function and the atomic commit.
type Dispatcher struct {
	contracts   *contracts.Table
	engines     *engines.Registry
	ledger      ledger.Store
	idem        idempotency.Store
	committer   Committer
	reasons     *reason.Registry
	projector   *lifecycle.Projector
	refusals    RefusalSink
	metrics     MetricsSink
	validator   *envelope.Validator
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       func() time.Time
	tenantRate  rate.Limit
	tenantBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Dispatcher. Contracts, Engines, Ledger and Committer are
// required; write capabilities additionally need Idempotency.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Contracts == nil || cfg.Engines == nil || cfg.Ledger == nil || cfg.Committer == nil {
		return nil, fmt.Errorf("dispatch: contracts, engines, ledger and committer are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("dispatch")
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.TenantBurst <= 0 {
		cfg.TenantBurst = 1
	}
	return &Dispatcher{
		contracts:   cfg.Contracts,
		engines:     cfg.Engines,
		ledger:      cfg.Ledger,
		idem:        cfg.Idempotency,
		committer:   cfg.Committer,
		reasons:     cfg.Reasons,
		projector:   cfg.Projector,
		refusals:    cfg.Refusals,
		metrics:     cfg.Metrics,
		validator:   envelope.NewValidator(),
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		clock:       cfg.Clock,
		tenantRate:  cfg.TenantRate,
		tenantBurst: cfg.TenantBurst,
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

func (d *Dispatcher) allow(tenantID string) bool {
	if d.tenantRate <= 0 {
		return true
	}
	d.mu.Lock()
	lim, ok := d.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(d.tenantRate, d.tenantBurst)
		d.limiters[tenantID] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}

// Invoke runs one capability call. callerRole is the authenticated role
// of the caller; zero side effects happen before every validation step
// has passed.
func (d *Dispatcher) Invoke(ctx context.Context, capabilityID string, env *envelope.Envelope, callerRole string) (*Response, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Invoke",
		trace.WithAttributes(attribute.String("capability_id", capabilityID)))
	defer span.End()
	started := d.clock()

	resp, err := d.invoke(ctx, capabilityID, env, callerRole)
	if err != nil {
		code := CodeOf(err)
		span.SetAttributes(attribute.String("reason_code", string(code)))
		if d.metrics != nil {
			d.metrics.RecordInvocation(ctx, capabilityID, code, d.clock().Sub(started), true)
		}
		d.logger.Warn("invocation refused",
			"capability_id", capabilityID,
			"tenant_id", tenantOf(env),
			"correlation_id", correlationOf(env),
			"reason_code", string(code),
			"error", err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("reason_code", string(resp.Code)))
	if d.metrics != nil {
		d.metrics.RecordInvocation(ctx, capabilityID, resp.Code, d.clock().Sub(started), false)
	}
	return resp, nil
}

func tenantOf(env *envelope.Envelope) string {
	if env == nil {
		return ""
	}
	return env.TenantID
}

func correlationOf(env *envelope.Envelope) string {
	if env == nil {
		return ""
	}
	return env.CorrelationID
}

func (d *Dispatcher) invoke(ctx context.Context, capabilityID string, env *envelope.Envelope, callerRole string) (*Response, error) {
	if env == nil {
		return nil, refuse(reason.CodeInputSchemaInvalid, "nil envelope")
	}

	contract, ok := d.contracts.Get(capabilityID)
	if !ok {
		return nil, refuse(reason.CodeValidationFailed, "unknown capability %s", capabilityID)
	}
	if !contract.CallerAllowed(callerRole) {
		return nil, refuse(reason.CodeForbiddenCaller, "caller %q may not invoke %s", callerRole, capabilityID)
	}

	if result := d.validator.Validate(env, contract.RequireIdemKey); !result.Valid {
		return nil, refuse(reason.CodeInputSchemaInvalid, "envelope invalid: %v", result.Errors)
	}
	if err := contract.ValidateInput(env.Payload); err != nil {
		return nil, refuse(reason.CodeInputSchemaInvalid, "payload invalid: %v", err)
	}

	if !d.allow(env.TenantID) {
		return nil, refuse(reason.CodeRateLimited, "tenant %s over rate limit", env.TenantID)
	}

	// The envelope is immutable from here on; the dispatcher only
	// augments the call with a timestamp and a generated event id.
	env = env.Clone()
	env.ReceivedAt = d.clock()

	budgetCtx, cancel := context.WithTimeout(ctx, contract.Budget)
	defer cancel()

	var reservation *idempotency.Reservation
	if contract.Writes() && env.IdempotencyKey != "" {
		if d.idem == nil {
			return nil, refuse(reason.CodeInternalPipelineErr, "no idempotency store configured")
		}
		payloadHash, err := env.PayloadHash()
		if err != nil {
			return nil, refuse(reason.CodeInputSchemaInvalid, "payload hash: %v", err)
		}
		res, err := d.idem.GetOrReserve(budgetCtx, env.TenantID, contract.EngineID, env.IdempotencyKey, payloadHash)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, refuse(reason.CodeBudgetExceeded, "budget exhausted waiting on key %s", env.IdempotencyKey)
			}
			return nil, refuse(reason.CodeInternalPipelineErr, "idempotency lookup: %v", err)
		}
		switch res.Outcome {
		case idempotency.OutcomeReplay:
			return &Response{
				Code:     reason.Replay(contract.EngineID),
				EventID:  res.Record.EventID,
				Result:   res.Record.Result,
				Replayed: true,
			}, nil
		case idempotency.OutcomeConflict:
			return nil, refuse(reason.CodeScopeViolation,
				"idempotency key %s reused with a different payload", env.IdempotencyKey)
		case idempotency.OutcomeInFlight:
			return nil, refuse(reason.CodeIdemInFlight,
				"idempotency key %s is being executed by another caller", env.IdempotencyKey)
		}
		reservation = res.Reservation
	}

	history, err := d.fetchHistory(budgetCtx, contract, env)
	if err != nil {
		d.release(reservation)
		return nil, refuse(reason.CodeInternalPipelineErr, "ledger read: %v", err)
	}

	out, err := d.runEngine(contract, env, callerRole, history)
	if err != nil {
		d.release(reservation)
		if ref, ok := engines.AsRefusal(err); ok {
			d.recordRefusal(ctx, env, capabilityID, ref.Code, ref.Message)
			return nil, refuse(ref.Code, "%s", ref.Message)
		}
		return nil, refuse(reason.CodeInternalPipelineErr, "engine: %v", err)
	}
	if budgetCtx.Err() != nil {
		d.release(reservation)
		return nil, refuse(reason.CodeBudgetExceeded, "%s exceeded its %s budget", capabilityID, contract.Budget)
	}
	if d.reasons != nil && !d.reasons.Known(contract.EngineID, out.Code) {
		d.release(reservation)
		return nil, refuse(reason.CodeInternalPipelineErr,
			"engine %s returned undeclared reason code %s", contract.EngineID, out.Code)
	}

	if !contract.Writes() {
		if err := contract.ValidateOutput(out.Result); err != nil {
			return nil, refuse(reason.CodeInternalPipelineErr, "output invalid: %v", err)
		}
		return &Response{Code: out.Code, Result: out.Result}, nil
	}

	eventID := uuid.New().String()
	result := make(map[string]any, len(out.Result)+1)
	for k, v := range out.Result {
		result[k] = v
	}
	if contract.ResultEventID {
		result["event_id"] = eventID
	}
	if err := contract.ValidateOutput(result); err != nil {
		d.release(reservation)
		return nil, refuse(reason.CodeInternalPipelineErr, "output invalid: %v", err)
	}

	ev := &ledger.Event{
		EventID:        eventID,
		TenantID:       env.TenantID,
		CorrelationID:  env.CorrelationID,
		TurnID:         env.TurnID,
		SessionID:      env.SessionID,
		EngineID:       contract.EngineID,
		CapabilityID:   contract.CapabilityID,
		EventType:      contract.EventType,
		ReasonCode:     out.Code,
		IdempotencyKey: env.IdempotencyKey,
		EntityID:       out.EntityID,
		Payload:        out.EventPayload,
		CreatedAt:      env.ReceivedAt,
	}

	committedID, err := d.committer.CommitDecision(budgetCtx, ev, reservation, out.Code, result)
	if err != nil {
		d.release(reservation)
		switch {
		case errors.Is(err, ledger.ErrAppendOnlyViolation):
			return nil, refuse(reason.CodeAppendOnlyViolation, "%v", err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, refuse(reason.CodeBudgetExceeded, "%s exceeded its %s budget during commit", capabilityID, contract.Budget)
		default:
			return nil, refuse(reason.CodeInternalPipelineErr, "commit: %v", err)
		}
	}

	if d.projector != nil && out.EntityID != "" {
		ev.EventID = committedID
		d.projector.Advance(ev)
	}

	d.logger.Info("capability committed",
		"capability_id", capabilityID,
		"tenant_id", env.TenantID,
		"correlation_id", env.CorrelationID,
		"event_id", committedID,
		"reason_code", string(out.Code))

	return &Response{Code: out.Code, EventID: committedID, Result: result}, nil
}

// runEngine executes the decision function with panic containment. A
// panicking engine is an internal pipeline error, never a partial write.
func (d *Dispatcher) runEngine(contract *contracts.Contract, env *envelope.Envelope, callerRole string, history []*ledger.Event) (out *engines.Output, err error) {
	fn, ok := d.engines.Decide(contract.CapabilityID)
	if !ok {
		return nil, fmt.Errorf("no decision function for %s", contract.CapabilityID)
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic in %s: %v", contract.CapabilityID, r)
		}
	}()
	return fn(&engines.Input{
		Envelope:   env,
		CallerRole: callerRole,
		History:    history,
		Now:        env.ReceivedAt,
	})
}

func (d *Dispatcher) fetchHistory(ctx context.Context, contract *contracts.Contract, env *envelope.Envelope) ([]*ledger.Event, error) {
	switch contract.ReadScope {
	case contracts.ReadScopeNone:
		return nil, nil
	case contracts.ReadScopeCorrelation:
		return d.ledger.ReadByCorrelation(ctx, env.TenantID, env.CorrelationID)
	case contracts.ReadScopeArtifact:
		return d.ledger.ReadByScope(ctx, ledger.ScopeFilter{
			TenantID: env.TenantID,
			EngineID: contract.EngineID,
		})
	case contracts.ReadScopeEntity:
		entityID, _ := env.Payload["entity_id"].(string)
		if entityID == "" {
			return nil, fmt.Errorf("entity read scope without entity_id")
		}
		return d.ledger.ReadByScope(ctx, ledger.ScopeFilter{
			TenantID: env.TenantID,
			EngineID: contract.EngineID,
			EntityID: entityID,
		})
	default:
		return nil, fmt.Errorf("unknown read scope %q", contract.ReadScope)
	}
}

func (d *Dispatcher) release(res *idempotency.Reservation) {
	if res == nil || d.idem == nil {
		return
	}
	// Best effort with a fresh context: the budget context may already
	// be done, and an orphaned reservation would block every retry.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.idem.Release(ctx, res); err != nil && !errors.Is(err, idempotency.ErrStaleReservation) {
		d.logger.Error("reservation release failed",
			"tenant_id", res.TenantID, "engine_id", res.EngineID, "key", res.Key,
			"error", err.Error())
	}
}

func (d *Dispatcher) recordRefusal(ctx context.Context, env *envelope.Envelope, capabilityID string, code reason.Code, message string) {
	if d.refusals == nil {
		return
	}
	d.refusals.RecordRefusal(ctx, env, capabilityID, code, message)
}
