package expectancy_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/expectancy"
	"github.com/atlas-desktop/regime-engine/internal/regime"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// listHook answers RPUSH and LRANGE from memory so RedisStore runs without a
// server.
type listHook struct {
	mu        sync.Mutex
	lists     map[string][]string
	failRange error
}

func newListHook() *listHook {
	return &listHook{lists: make(map[string][]string)}
}

func (h *listHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("no network in tests")
	}
}

func (h *listHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.serve(cmd)
		return cmd.Err()
	}
}

func (h *listHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			h.serve(cmd)
		}
		return nil
	}
}

func (h *listHook) serve(cmd redis.Cmder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	args := cmd.Args()
	switch cmd.Name() {
	case "rpush":
		key := fmt.Sprint(args[1])
		for _, v := range args[2:] {
			switch b := v.(type) {
			case []byte:
				h.lists[key] = append(h.lists[key], string(b))
			default:
				h.lists[key] = append(h.lists[key], fmt.Sprint(b))
			}
		}
		cmd.(*redis.IntCmd).SetVal(int64(len(h.lists[key])))
	case "lrange":
		if h.failRange != nil {
			cmd.SetErr(h.failRange)
			return
		}
		key := fmt.Sprint(args[1])
		vals := make([]string, len(h.lists[key]))
		copy(vals, h.lists[key])
		cmd.(*redis.StringSliceCmd).SetVal(vals)
	case "multi", "exec":
	default:
		cmd.SetErr(fmt.Errorf("unexpected command %s", cmd.Name()))
	}
}

func newHookedStore(t *testing.T, hook *listHook) *expectancy.RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(hook)
	t.Cleanup(func() { client.Close() })
	return expectancy.NewRedisStore(client, "test:trades")
}

func TestRedisStoreRoundTripKeepsOrder(t *testing.T) {
	hook := newListHook()
	store := newHookedStore(t, hook)
	ctx := context.Background()

	closed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	inputs := []expectancy.TradeRecord{
		{ID: "t1", Symbol: "BTC", Direction: types.PositionSideLong, Quantity: decimal.RequireFromString("0.5"), PnL: decimal.RequireFromString("120.25"), Regime: regime.RegimeMomentum, ExitReason: "stop", ClosedAt: closed},
		{ID: "t2", Symbol: "ETH", Direction: types.PositionSideShort, Quantity: decimal.NewFromInt(3), PnL: decimal.RequireFromString("-40.1"), Regime: regime.RegimeMeanReversion, ClosedAt: closed.Add(time.Hour)},
		{ID: "t3", Symbol: "BTC", Direction: types.PositionSideShort, Quantity: decimal.NewFromInt(1), PnL: decimal.RequireFromString("7"), Regime: regime.RegimeNeutral, ClosedAt: closed.Add(2 * time.Hour)},
	}
	for _, tr := range inputs {
		if err := store.Append(ctx, tr); err != nil {
			t.Fatalf("Append %s failed: %v", tr.ID, err)
		}
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != len(inputs) {
		t.Fatalf("Expected %d trades, got %d", len(inputs), len(all))
	}
	for i, tr := range all {
		want := inputs[i]
		if tr.ID != want.ID {
			t.Errorf("Expected trade %d to be %s, got %s", i, want.ID, tr.ID)
		}
		if !tr.PnL.Equal(want.PnL) || !tr.Quantity.Equal(want.Quantity) {
			t.Errorf("Expected %s pnl %s qty %s, got %s %s", want.ID, want.PnL, want.Quantity, tr.PnL, tr.Quantity)
		}
		if tr.Regime != want.Regime || tr.Direction != want.Direction || !tr.ClosedAt.Equal(want.ClosedAt) {
			t.Errorf("Expected %+v, got %+v", want, tr)
		}
	}

	btc, err := store.ListBySymbol(ctx, "BTC")
	if err != nil {
		t.Fatalf("ListBySymbol failed: %v", err)
	}
	if len(btc) != 2 || btc[0].ID != "t1" || btc[1].ID != "t3" {
		t.Errorf("Expected BTC trades t1, t3 in order, got %+v", btc)
	}

	none, err := store.ListBySymbol(ctx, "SOL")
	if err != nil {
		t.Fatalf("ListBySymbol failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no SOL trades, got %d", len(none))
	}
}

func TestRedisStoreSurfacesErrors(t *testing.T) {
	t.Run("read failure", func(t *testing.T) {
		hook := newListHook()
		hook.failRange = errors.New("connection reset")
		store := newHookedStore(t, hook)

		if _, err := store.List(context.Background()); err == nil {
			t.Error("Expected read error")
		}
	})

	t.Run("corrupt record", func(t *testing.T) {
		hook := newListHook()
		hook.lists["test:trades:all"] = []string{"{not json"}
		store := newHookedStore(t, hook)

		if _, err := store.List(context.Background()); err == nil {
			t.Error("Expected decode error")
		}
	})
}
