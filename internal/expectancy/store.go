package expectancy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// TradeRecord is one closed trade. PnL is net of commission.
type TradeRecord struct {
	ID         string             `json:"id"`
	Symbol     string             `json:"symbol"`
	Direction  types.PositionSide `json:"direction"`
	Quantity   decimal.Decimal    `json:"quantity"`
	EntryPrice decimal.Decimal    `json:"entryPrice"`
	ExitPrice  decimal.Decimal    `json:"exitPrice"`
	PnL        decimal.Decimal    `json:"pnl"`
	Commission decimal.Decimal    `json:"commission"`
	ReturnPct  float64            `json:"returnPct"`
	Regime     regime.RegimeType  `json:"regime"`
	ExitReason string             `json:"exitReason,omitempty"`
	OpenedAt   time.Time          `json:"openedAt"`
	ClosedAt   time.Time          `json:"closedAt"`
}

// TradeHistoryStore is an append-only log of closed trades, oldest first.
type TradeHistoryStore interface {
	Append(ctx context.Context, trade TradeRecord) error
	List(ctx context.Context) ([]TradeRecord, error)
	ListBySymbol(ctx context.Context, symbol string) ([]TradeRecord, error)
}

// MemoryStore keeps trade history in process.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   []TradeRecord
	bySymbol map[string][]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bySymbol: make(map[string][]int)}
}

// Append adds a trade.
func (m *MemoryStore) Append(ctx context.Context, trade TradeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bySymbol[trade.Symbol] = append(m.bySymbol[trade.Symbol], len(m.trades))
	m.trades = append(m.trades, trade)
	return nil
}

// List returns every trade.
func (m *MemoryStore) List(ctx context.Context) ([]TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TradeRecord, len(m.trades))
	copy(out, m.trades)
	return out, nil
}

// ListBySymbol returns the trades of one instrument.
func (m *MemoryStore) ListBySymbol(ctx context.Context, symbol string) ([]TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.bySymbol[symbol]
	out := make([]TradeRecord, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.trades[i])
	}
	return out, nil
}

// RedisStore persists trade history as JSON entries in Redis lists: one list
// for the whole book and one per symbol.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "engine:trades"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisStore) allKey() string {
	return r.prefix + ":all"
}

func (r *RedisStore) symbolKey(symbol string) string {
	return r.prefix + ":symbol:" + symbol
}

// Append pushes the trade onto both lists in one transaction.
func (r *RedisStore) Append(ctx context.Context, trade TradeRecord) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to encode trade %s: %w", trade.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.allKey(), payload)
		pipe.RPush(ctx, r.symbolKey(trade.Symbol), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append trade %s: %w", trade.ID, err)
	}
	return nil
}

// List returns every trade.
func (r *RedisStore) List(ctx context.Context) ([]TradeRecord, error) {
	return r.load(ctx, r.allKey())
}

// ListBySymbol returns the trades of one instrument.
func (r *RedisStore) ListBySymbol(ctx context.Context, symbol string) ([]TradeRecord, error) {
	return r.load(ctx, r.symbolKey(symbol))
}

func (r *RedisStore) load(ctx context.Context, key string) ([]TradeRecord, error) {
	vals, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	out := make([]TradeRecord, 0, len(vals))
	for i, v := range vals {
		var tr TradeRecord
		if err := json.Unmarshal([]byte(v), &tr); err != nil {
			return nil, fmt.Errorf("failed to decode %s[%d]: %w", key, i, err)
		}
		out = append(out, tr)
	}
	return out, nil
}
