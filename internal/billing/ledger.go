// Package billing keeps per-owner build credits. It is the collaborator the
// intake boundary debits before a build and credits back when a build
// cannot be queued.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInsufficientFunds = errors.New("insufficient credits")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Ledger debits and credits an owner's balance.
type Ledger interface {
	Debit(ctx context.Context, owner string, amount int64) error
	Credit(ctx context.Context, owner string, amount int64) error
	Balance(ctx context.Context, owner string) (int64, error)
}

// debitScript decrements the balance only when it covers the amount.
// Returns the new balance, or -1 when funds are insufficient.
var debitScript = redis.NewScript(`
local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
if balance < amount then
	return -1
end
return redis.call("DECRBY", KEYS[1], amount)
`)

// Redis stores balances as integers under credits:<owner>.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func creditsKey(owner string) string {
	return fmt.Sprintf("credits:%s", owner)
}

func (r *Redis) Debit(ctx context.Context, owner string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := debitScript.Run(ctx, r.client, []string{creditsKey(owner)}, amount).Int64()
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if res < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (r *Redis) Credit(ctx context.Context, owner string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := r.client.IncrBy(ctx, creditsKey(owner), amount).Err(); err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	return nil
}

func (r *Redis) Balance(ctx context.Context, owner string) (int64, error) {
	n, err := r.client.Get(ctx, creditsKey(owner)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Memory is an in-process Ledger for tests and single-node setups.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int64)}
}

func (m *Memory) Debit(_ context.Context, owner string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[owner] < amount {
		return ErrInsufficientFunds
	}
	m.balances[owner] -= amount
	return nil
}

func (m *Memory) Credit(_ context.Context, owner string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[owner] += amount
	return nil
}

func (m *Memory) Balance(_ context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner], nil
}

// Free is used when builds cost nothing; every debit succeeds.
type Free struct{}

func (Free) Debit(context.Context, string, int64) error     { return nil }
func (Free) Credit(context.Context, string, int64) error    { return nil }
func (Free) Balance(context.Context, string) (int64, error) { return 0, nil }
