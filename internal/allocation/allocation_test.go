package allocation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/mailgate/mailgate/internal/model"
)

// fakePool is an in-memory Store. Claim holds a mutex for the whole
// transaction and restores a snapshot when fn fails.
type fakePool struct {
	mu        sync.Mutex
	res       []model.EmailResource
	steal     int   // claims to lose to a "thief" before succeeding
	listErr   error // returned by ListOwnedBy
	claimErr  error // returned by ClaimIfUnassigned
	claimRuns int
}

func newFakePool(imap, graph int) *fakePool {
	p := &fakePool{}
	for i := 0; i < imap; i++ {
		p.res = append(p.res, model.EmailResource{Address: addr("imap", i), Protocol: model.ProtocolIMAP})
	}
	for i := 0; i < graph; i++ {
		p.res = append(p.res, model.EmailResource{Address: addr("graph", i), Protocol: model.ProtocolGraph})
	}
	return p
}

func addr(prefix string, i int) string {
	return prefix + string(rune('a'+i)) + "@example.com"
}

func (p *fakePool) ListOwnedBy(_ context.Context, owner string) ([]model.EmailResource, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owned(owner), nil
}

func (p *fakePool) owned(owner string) []model.EmailResource {
	var out []model.EmailResource
	for _, r := range p.res {
		if r.OwnerID == owner && !r.Banned {
			out = append(out, r)
		}
	}
	return out
}

func (p *fakePool) Claim(_ context.Context, owner string, fn func(ClaimTx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimRuns++
	snapshot := append([]model.EmailResource(nil), p.res...)
	if err := fn(&fakeTx{p: p}); err != nil {
		p.res = snapshot
		return err
	}
	return nil
}

type fakeTx struct{ p *fakePool }

func (tx *fakeTx) ListOwnedBy(_ context.Context, owner string) ([]model.EmailResource, error) {
	return tx.p.owned(owner), nil
}

func (tx *fakeTx) CountUnassigned(_ context.Context, proto model.Protocol) (int, error) {
	n := 0
	for _, r := range tx.p.res {
		if r.Protocol == proto && r.OwnerID == "" && !r.Banned {
			n++
		}
	}
	return n, nil
}

func (tx *fakeTx) ListUnassigned(_ context.Context, proto model.Protocol, limit int, exclude []string) ([]model.EmailResource, error) {
	skip := make(map[string]bool, len(exclude))
	for _, a := range exclude {
		skip[a] = true
	}
	var out []model.EmailResource
	for _, r := range tx.p.res {
		if len(out) == limit {
			break
		}
		if r.Protocol == proto && r.OwnerID == "" && !r.Banned && !skip[r.Address] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (tx *fakeTx) ClaimIfUnassigned(_ context.Context, address, owner string, claimedAt int64) (bool, error) {
	if tx.p.claimErr != nil {
		return false, tx.p.claimErr
	}
	for i := range tx.p.res {
		r := &tx.p.res[i]
		if r.Address != address {
			continue
		}
		if r.OwnerID != "" || r.Banned {
			return false, nil
		}
		if tx.p.steal > 0 {
			tx.p.steal--
			r.OwnerID = "thief"
			return false, nil
		}
		r.OwnerID = owner
		r.ClaimedAt = &claimedAt
		return true, nil
	}
	return false, nil
}

func newTestEngine(t *testing.T, store Store, cfg Config) *Engine {
	t.Helper()
	return NewEngine(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func countByProtocol(res []model.EmailResource) map[model.Protocol]int {
	m := map[model.Protocol]int{}
	for _, r := range res {
		m[r.Protocol]++
	}
	return m
}

func TestAllocateExactQuotas(t *testing.T) {
	pool := newFakePool(3, 3)
	e := newTestEngine(t, pool, DefaultConfig())

	res, err := e.Allocate(context.Background(), "alice", Quotas{IMAP: 1, Graph: 2})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.Existing {
		t.Error("fresh allocation should not be marked existing")
	}
	got := countByProtocol(res.Resources)
	if got[model.ProtocolIMAP] != 1 || got[model.ProtocolGraph] != 2 {
		t.Errorf("got %v, want 1 IMAP + 2 GRAPH", got)
	}
	for _, r := range res.Resources {
		if r.OwnerID != "alice" || r.ClaimedAt == nil {
			t.Errorf("resource %+v not bound to alice", r)
		}
	}
}

func TestAllocateAnyPrefersConfiguredProtocol(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		imap   int
		graph  int
		any    int
		wantIM int
		wantGR int
	}{
		{"graph first", DefaultConfig(), 5, 5, 3, 0, 3},
		{"graph spills to imap", DefaultConfig(), 5, 2, 3, 1, 2},
		{"imap preferred", Config{Prefer: model.ProtocolIMAP, MaxRetries: 3}, 5, 5, 2, 2, 0},
		{"zero config defaults to graph", Config{}, 2, 2, 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, newFakePool(tt.imap, tt.graph), tt.cfg)
			res, err := e.Allocate(context.Background(), "bob", Quotas{Any: tt.any})
			if err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			got := countByProtocol(res.Resources)
			if got[model.ProtocolIMAP] != tt.wantIM || got[model.ProtocolGraph] != tt.wantGR {
				t.Errorf("got %v, want %d IMAP + %d GRAPH", got, tt.wantIM, tt.wantGR)
			}
		})
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	pool := newFakePool(2, 2)
	e := newTestEngine(t, pool, DefaultConfig())
	ctx := context.Background()

	first, err := e.Allocate(ctx, "carol", Quotas{Graph: 1})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	second, err := e.Allocate(ctx, "carol", Quotas{Graph: 1, IMAP: 2})
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if !second.Existing {
		t.Error("second allocation should report existing resources")
	}
	if len(second.Resources) != 1 || second.Resources[0].Address != first.Resources[0].Address {
		t.Errorf("got %+v, want the first allocation back", second.Resources)
	}
	if pool.claimRuns != 1 {
		t.Errorf("claim transactions = %d, want 1", pool.claimRuns)
	}
}

func TestAllocateInsufficientCommitsNothing(t *testing.T) {
	tests := []struct {
		name     string
		q        Quotas
		protocol model.Protocol
	}{
		{"imap short", Quotas{IMAP: 3}, model.ProtocolIMAP},
		{"graph short", Quotas{IMAP: 1, Graph: 3}, model.ProtocolGraph},
		{"any short", Quotas{IMAP: 1, Graph: 1, Any: 3}, model.ProtocolAny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newFakePool(2, 2)
			e := newTestEngine(t, pool, DefaultConfig())

			_, err := e.Allocate(context.Background(), "dave", tt.q)
			var ire *model.InsufficientResourcesError
			if !errors.As(err, &ire) {
				t.Fatalf("expected InsufficientResourcesError, got %v", err)
			}
			if ire.Protocol != tt.protocol {
				t.Errorf("protocol = %q, want %q", ire.Protocol, tt.protocol)
			}
			if owned := pool.owned("dave"); len(owned) != 0 {
				t.Errorf("expected nothing committed, dave owns %d", len(owned))
			}
		})
	}
}

func TestAllocateSkipsBanned(t *testing.T) {
	pool := newFakePool(0, 2)
	pool.res[0].Banned = true
	e := newTestEngine(t, pool, DefaultConfig())

	res, err := e.Allocate(context.Background(), "erin", Quotas{Graph: 1})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.Resources[0].Address != pool.res[1].Address {
		t.Errorf("allocated %s, want the non-banned resource", res.Resources[0].Address)
	}

	if _, err := e.Allocate(context.Background(), "frank", Quotas{Graph: 1}); !errors.Is(err, model.ErrInsufficientResources) {
		t.Errorf("banned resource should not be allocatable, got %v", err)
	}
}

func TestAllocateRetriesLostClaims(t *testing.T) {
	pool := newFakePool(0, 4)
	pool.steal = 2
	e := newTestEngine(t, pool, DefaultConfig())

	res, err := e.Allocate(context.Background(), "gina", Quotas{Graph: 2})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(res.Resources) != 2 {
		t.Fatalf("got %d resources, want 2", len(res.Resources))
	}
	for _, r := range res.Resources {
		if r.OwnerID != "gina" {
			t.Errorf("resource %s owner = %q", r.Address, r.OwnerID)
		}
	}
	if thief := pool.owned("thief"); len(thief) != 2 {
		t.Errorf("thief owns %d, want 2 untouched lost claims", len(thief))
	}
}

func TestAllocateFailsWhenRetriesExhausted(t *testing.T) {
	pool := newFakePool(0, 10)
	pool.steal = 10
	e := newTestEngine(t, pool, Config{Prefer: model.ProtocolGraph, MaxRetries: 1})

	_, err := e.Allocate(context.Background(), "hank", Quotas{Graph: 2})
	if !errors.Is(err, model.ErrInsufficientResources) {
		t.Fatalf("expected ErrInsufficientResources, got %v", err)
	}
	if owned := pool.owned("hank"); len(owned) != 0 {
		t.Errorf("expected rollback, hank owns %d", len(owned))
	}
}

func TestAllocateConcurrentRequestersNeverShare(t *testing.T) {
	const n = 16
	pool := newFakePool(0, n)
	e := newTestEngine(t, pool, DefaultConfig())

	var wg sync.WaitGroup
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Allocate(context.Background(), addr("user", i), Quotas{Any: 1})
			if err != nil {
				t.Errorf("Allocate %d: %v", i, err)
				return
			}
			addrs[i] = res.Resources[0].Address
		}(i)
	}
	wg.Wait()

	sort.Strings(addrs)
	for i := 1; i < n; i++ {
		if addrs[i] == addrs[i-1] {
			t.Fatalf("resource %s allocated twice", addrs[i])
		}
	}
}

func TestAllocateRejectsInvalidInput(t *testing.T) {
	e := newTestEngine(t, newFakePool(1, 1), DefaultConfig())
	tests := []struct {
		name      string
		requester string
		q         Quotas
	}{
		{"empty requester", "", Quotas{IMAP: 1}},
		{"zero quotas", "ivan", Quotas{}},
		{"negative", "ivan", Quotas{IMAP: -1, Graph: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Allocate(context.Background(), tt.requester, tt.q); !errors.Is(err, model.ErrInvalidParams) {
				t.Errorf("got %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestAllocateStoreFailures(t *testing.T) {
	cause := errors.New("connection refused")

	pool := newFakePool(1, 1)
	pool.listErr = cause
	e := newTestEngine(t, pool, DefaultConfig())
	if _, err := e.Allocate(context.Background(), "judy", Quotas{IMAP: 1}); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("list failure: got %v, want ErrStoreUnavailable", err)
	}

	pool = newFakePool(1, 1)
	pool.claimErr = cause
	e = newTestEngine(t, pool, DefaultConfig())
	_, err := e.Allocate(context.Background(), "judy", Quotas{IMAP: 1})
	if !errors.Is(err, model.ErrStoreUnavailable) || !errors.Is(err, cause) {
		t.Errorf("claim failure: got %v, want ErrStoreUnavailable wrapping cause", err)
	}
	if !model.Retryable(err) {
		t.Error("store failures should be retryable")
	}
}
