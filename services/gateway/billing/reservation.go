package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type reservationError string

func (e reservationError) Error() string { return string(e) }

const (
	ErrReservationInsufficientBalance = reservationError("insufficient balance for reservation")
	ErrReservationNotFound            = reservationError("reservation not found")
)

// checkAndReserveScript atomically reads the cached available balance
// for a user, verifies the hold amount fits, and writes both the new
// available balance and a per-request hold key (used to release/adjust
// later) with a shared TTL. KEYS[1]=balance key, KEYS[2]=hold key.
// ARGV[1]=hold amount, ARGV[2]=ttl seconds, ARGV[3]=fallback balance
// (used the first time a user's balance key is touched, since a plain
// GET miss must not be mistaken for a zero balance).
var checkAndReserveScript = redis.NewScript(`
local balance = redis.call("GET", KEYS[1])
if balance == false then
  balance = tonumber(ARGV[3])
else
  balance = tonumber(balance)
end

local hold = tonumber(ARGV[1])
if balance < hold then
  return {0, balance}
end

local newBalance = balance - hold
redis.call("SET", KEYS[1], newBalance, "EX", tonumber(ARGV[2]))
redis.call("SET", KEYS[2], hold, "EX", tonumber(ARGV[2]))
return {1, newBalance}
`)

// releaseScript returns a previously-held amount back to the cached
// balance and deletes the hold key. KEYS[1]=balance key, KEYS[2]=hold key.
var releaseScript = redis.NewScript(`
local hold = redis.call("GET", KEYS[2])
if hold == false then
  return 0
end
redis.call("INCRBYFLOAT", KEYS[1], tonumber(hold))
redis.call("DEL", KEYS[2])
return 1
`)

// adjustHoldScript replaces a hold amount with a new one, crediting or
// debiting the difference against the cached balance. Used when
// finalize cost differs from the original estimate and the request
// is still within the reservation TTL window.
var adjustHoldScript = redis.NewScript(`
local hold = redis.call("GET", KEYS[2])
if hold == false then
  return {0, 0}
end
local oldHold = tonumber(hold)
local newHold = tonumber(ARGV[1])
local diff = newHold - oldHold
local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
balance = balance - diff
redis.call("SET", KEYS[1], balance, "EX", tonumber(ARGV[2]))
redis.call("SET", KEYS[2], newHold, "EX", tonumber(ARGV[2]))
return {1, balance}
`)

// ReservationCache fronts the Postgres ledger with a Redis-cached
// available balance and per-request hold markers.
type ReservationCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewReservationCache(rdb *redis.Client, ttl time.Duration) *ReservationCache {
	return &ReservationCache{rdb: rdb, ttl: ttl}
}

func balanceKey(userID string) string { return fmt.Sprintf("billing:balance:%s", userID) }
func holdKey(requestID string) string { return fmt.Sprintf("billing:hold:%s", requestID) }

// Reserve attempts to hold amount against userID's cached balance,
// seeding the cache from currentBalance on first touch. Returns
// ErrReservationInsufficientBalance if the hold does not fit.
func (c *ReservationCache) Reserve(ctx context.Context, userID, requestID string, amount, currentBalance float64) error {
	res, err := checkAndReserveScript.Run(ctx, c.rdb,
		[]string{balanceKey(userID), holdKey(requestID)},
		amount, int(c.ttl.Seconds()), currentBalance,
	).Slice()
	if err != nil {
		return fmt.Errorf("reserve script: %w", err)
	}
	ok, _ := res[0].(int64)
	if ok == 0 {
		return ErrReservationInsufficientBalance
	}
	return nil
}

// Release returns a held amount to the cached balance and clears the
// hold marker. Safe to call on an already-released or expired hold —
// it is a no-op in that case rather than an error, since reconciliation
// may race a natural TTL expiry.
func (c *ReservationCache) Release(ctx context.Context, userID, requestID string) error {
	res, err := releaseScript.Run(ctx, c.rdb,
		[]string{balanceKey(userID), holdKey(requestID)},
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release script: %w", err)
	}
	_ = res
	return nil
}

// AdjustHold replaces a hold's amount with newAmount, useful when
// finalize settles on an actual cost different from the original
// estimate while the reservation window is still open.
func (c *ReservationCache) AdjustHold(ctx context.Context, userID, requestID string, newAmount float64) error {
	res, err := adjustHoldScript.Run(ctx, c.rdb,
		[]string{balanceKey(userID), holdKey(requestID)},
		newAmount, int(c.ttl.Seconds()),
	).Slice()
	if err != nil {
		return fmt.Errorf("adjust hold script: %w", err)
	}
	ok, _ := res[0].(int64)
	if ok == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// Invalidate drops the cached balance for a user, forcing the next
// Reserve call to reseed from the authoritative Postgres balance.
// Used after any out-of-band balance change (purchase, manual adjustment).
func (c *ReservationCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, balanceKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate balance cache: %w", err)
	}
	return nil
}
