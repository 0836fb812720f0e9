package dispatch

import (
	"context"

	"github.com/selene-os/selene/core/pkg/idempotency"
	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/reason"
)

// LedgerCommitter commits a decision as two sequenced writes: the
// ledger append first, then the idempotency promotion. The caller holds
// the key's reservation throughout, so no concurrent duplicate can
// execute between the two steps. Durable backends replace this with
// their transactional CommitDecision.
type LedgerCommitter struct {
	Ledger ledger.Store
	Idem   idempotency.Store
}

func (c *LedgerCommitter) CommitDecision(ctx context.Context, ev *ledger.Event, res *idempotency.Reservation, code reason.Code, result map[string]any) (string, error) {
	eventID, err := c.Ledger.Append(ctx, ev)
	if err != nil {
		return "", err
	}
	if res != nil && c.Idem != nil {
		if err := c.Idem.Commit(ctx, res, eventID, code, result); err != nil {
			return "", err
		}
	}
	return eventID, nil
}
