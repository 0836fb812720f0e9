// Package audit records dispatch refusals and packages ledger
// partitions into verifiable evidence bundles.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selene-os/selene/core/pkg/envelope"
	"github.com/selene-os/selene/core/pkg/reason"
)

// Refusal is one recorded denial. Refusals never reach the ledger; they
// are kept aside so evidence packs can show what was turned away.
type Refusal struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	CorrelationID string      `json:"correlation_id"`
	CapabilityID  string      `json:"capability_id"`
	ReasonCode    reason.Code `json:"reason_code"`
	Message       string      `json:"message"`
	RecordedAt    time.Time   `json:"recorded_at"`
}

// maxRetainedRefusals bounds the in-memory window per recorder.
const maxRetainedRefusals = 4096

// Recorder logs every refusal and retains a bounded recent window for
// export. It implements the dispatcher's refusal sink.
type Recorder struct {
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	recent  []Refusal
	dropped uint64
}

// NewRecorder creates a Recorder. A nil logger uses slog.Default.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// RecordRefusal stores and logs one denial.
func (r *Recorder) RecordRefusal(_ context.Context, env *envelope.Envelope, capabilityID string, code reason.Code, message string) {
	ref := Refusal{
		ID:           uuid.New().String(),
		CapabilityID: capabilityID,
		ReasonCode:   code,
		Message:      message,
		RecordedAt:   r.clock(),
	}
	if env != nil {
		ref.TenantID = env.TenantID
		ref.CorrelationID = env.CorrelationID
	}

	r.mu.Lock()
	r.recent = append(r.recent, ref)
	if len(r.recent) > maxRetainedRefusals {
		over := len(r.recent) - maxRetainedRefusals
		r.recent = r.recent[over:]
		r.dropped += uint64(over)
	}
	r.mu.Unlock()

	r.logger.Warn("capability refused",
		"refusal_id", ref.ID,
		"tenant_id", ref.TenantID,
		"correlation_id", ref.CorrelationID,
		"capability_id", capabilityID,
		"reason_code", string(code),
		"message", message)
}

// Recent returns the retained refusals for one tenant, oldest first.
func (r *Recorder) Recent(tenantID string) []Refusal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Refusal, 0, len(r.recent))
	for _, ref := range r.recent {
		if ref.TenantID == tenantID {
			out = append(out, ref)
		}
	}
	return out
}
