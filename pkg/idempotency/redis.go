package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/selene-os/selene/core/pkg/reason"
)

// redisReserveScript performs the conditional insert atomically.
// KEYS[1] = record key
// ARGV[1] = in-flight JSON value
// ARGV[2] = reservation TTL in milliseconds
// Returns the existing value, or "" if the reservation was taken.
var redisReserveScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
    return existing
end
redis.call("SET", KEYS[1], ARGV[1], "PX", tonumber(ARGV[2]))
return ""
`)

// redisCommitScript promotes an in-flight reservation to a committed
// record iff the caller still holds the fencing token. Committed records
// have no TTL; retention is an external concern.
// KEYS[1] = record key
// ARGV[1] = expected token
// ARGV[2] = committed JSON value
var redisCommitScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
    return 0
end
local value = cjson.decode(raw)
if value["status"] ~= "IN_FLIGHT" or value["token"] ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("PERSIST", KEYS[1])
return 1
`)

// redisReleaseScript deletes an in-flight reservation iff the caller
// still holds the fencing token.
var redisReleaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
    return 0
end
local value = cjson.decode(raw)
if value["status"] ~= "IN_FLIGHT" or value["token"] ~= ARGV[1] then
    return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

type redisValue struct {
	Status      string         `json:"status"` // IN_FLIGHT | COMMITTED
	Token       string         `json:"token,omitempty"`
	PayloadHash string         `json:"payload_hash"`
	EventID     string         `json:"event_id,omitempty"`
	ReasonCode  string         `json:"reason_code,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CommittedAt time.Time      `json:"committed_at,omitempty"`
}

// RedisStore is the cross-process idempotency ledger. Reservations carry
// a TTL so a crashed holder cannot block a key forever; committed
// records persist until external retention removes them.
type RedisStore struct {
	client       *redis.Client
	mode         WaitMode
	reserveTTL   time.Duration
	pollInterval time.Duration
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int, mode WaitMode) *RedisStore {
	if mode == "" {
		mode = WaitModeWait
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{
		client:       rdb,
		mode:         mode,
		reserveTTL:   30 * time.Second,
		pollInterval: 25 * time.Millisecond,
	}
}

func redisKey(tenantID, engineID, key string) string {
	return fmt.Sprintf("selene:idem:%s:%s:%s", tenantID, engineID, key)
}

// GetOrReserve implements Store.
func (s *RedisStore) GetOrReserve(ctx context.Context, tenantID, engineID, key, payloadHash string) (*Resolution, error) {
	if tenantID == "" || engineID == "" || key == "" || payloadHash == "" {
		return nil, fmt.Errorf("idempotency: tenant, engine, key and payload hash are required")
	}
	rk := redisKey(tenantID, engineID, key)
	token := uuid.New().String()

	inFlight, err := json.Marshal(redisValue{
		Status:      "IN_FLIGHT",
		Token:       token,
		PayloadHash: payloadHash,
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency: encode reservation: %w", err)
	}

	for {
		raw, err := redisReserveScript.Run(ctx, s.client, []string{rk},
			string(inFlight), s.reserveTTL.Milliseconds()).Text()
		if err != nil {
			return nil, fmt.Errorf("idempotency: redis reserve: %w", err)
		}
		if raw == "" {
			return &Resolution{Outcome: OutcomeFresh, Reservation: &Reservation{
				TenantID:    tenantID,
				EngineID:    engineID,
				Key:         key,
				PayloadHash: payloadHash,
				Token:       token,
			}}, nil
		}

		var value redisValue
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("idempotency: decode record: %w", err)
		}

		if value.Status == "COMMITTED" {
			if value.PayloadHash != payloadHash {
				return &Resolution{Outcome: OutcomeConflict}, nil
			}
			return &Resolution{Outcome: OutcomeReplay, Record: &Record{
				TenantID:    tenantID,
				EngineID:    engineID,
				Key:         key,
				PayloadHash: value.PayloadHash,
				EventID:     value.EventID,
				ReasonCode:  reason.Code(value.ReasonCode),
				Result:      value.Result,
				CommittedAt: value.CommittedAt,
			}}, nil
		}

		// In flight.
		if s.mode == WaitModeFailFast {
			return &Resolution{Outcome: OutcomeInFlight}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Commit implements Store.
func (s *RedisStore) Commit(ctx context.Context, res *Reservation, eventID string, code reason.Code, result map[string]any) error {
	if res == nil {
		return fmt.Errorf("idempotency: nil reservation")
	}
	committed, err := json.Marshal(redisValue{
		Status:      "COMMITTED",
		PayloadHash: res.PayloadHash,
		EventID:     eventID,
		ReasonCode:  string(code),
		Result:      result,
		CommittedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}

	ok, err := redisCommitScript.Run(ctx, s.client,
		[]string{redisKey(res.TenantID, res.EngineID, res.Key)},
		res.Token, string(committed)).Int()
	if err != nil {
		return fmt.Errorf("idempotency: redis commit: %w", err)
	}
	if ok != 1 {
		return ErrStaleReservation
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return fmt.Errorf("idempotency: nil reservation")
	}
	ok, err := redisReleaseScript.Run(ctx, s.client,
		[]string{redisKey(res.TenantID, res.EngineID, res.Key)},
		res.Token).Int()
	if err != nil {
		return fmt.Errorf("idempotency: redis release: %w", err)
	}
	if ok != 1 {
		return ErrStaleReservation
	}
	return nil
}
