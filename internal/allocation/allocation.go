// Package allocation binds pool mailboxes to requesters. Claims are
// compare-and-set writes inside one store transaction, so a resource is bound
// to at most one owner and an allocation either commits all of its claims or
// none of them.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailgate/mailgate/internal/model"
)

// Store is the resource pool as seen by the engine.
type Store interface {
	// ListOwnedBy returns the non-banned resources bound to ownerID.
	ListOwnedBy(ctx context.Context, ownerID string) ([]model.EmailResource, error)

	// Claim runs fn inside one transaction holding the allocation marker for
	// ownerID. Concurrent Claim calls for the same owner are serialized by
	// the marker. The transaction commits when fn returns nil and rolls back
	// otherwise.
	Claim(ctx context.Context, ownerID string, fn func(tx ClaimTx) error) error
}

// ClaimTx is the view of the pool inside a Claim transaction.
type ClaimTx interface {
	ListOwnedBy(ctx context.Context, ownerID string) ([]model.EmailResource, error)
	CountUnassigned(ctx context.Context, protocol model.Protocol) (int, error)

	// ListUnassigned returns up to limit unassigned, non-banned resources of
	// protocol, skipping the addresses in exclude.
	ListUnassigned(ctx context.Context, protocol model.Protocol, limit int, exclude []string) ([]model.EmailResource, error)

	// ClaimIfUnassigned binds address to ownerID only if it is still
	// unassigned and not banned. It reports whether the claim won.
	ClaimIfUnassigned(ctx context.Context, address, ownerID string, claimedAt int64) (bool, error)
}

// Quotas is how many resources a requester is entitled to. Any slots accept
// either protocol.
type Quotas struct {
	IMAP  int
	Graph int
	Any   int
}

// Total returns the number of resources the quotas ask for.
func (q Quotas) Total() int { return q.IMAP + q.Graph + q.Any }

// Result of an allocation. Existing is set when the requester already owned
// resources and nothing new was claimed.
type Result struct {
	Resources []model.EmailResource `json:"resources"`
	Existing  bool                  `json:"existing"`
}

// Config tunes the engine.
type Config struct {
	// Prefer is the protocol used first for Any slots.
	Prefer model.Protocol

	// MaxRetries bounds re-selection after lost claims.
	MaxRetries int
}

// DefaultConfig prefers GRAPH and retries three times.
func DefaultConfig() Config {
	return Config{Prefer: model.ProtocolGraph, MaxRetries: 3}
}

// Engine allocates resources from a Store.
type Engine struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine. A zero Prefer means GRAPH.
func NewEngine(store Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Prefer == "" {
		cfg.Prefer = model.ProtocolGraph
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Allocate binds resources matching q to requesterID. A requester that
// already owns resources gets them back unchanged. An allocation that cannot
// be satisfied in full fails with *model.InsufficientResourcesError and binds
// nothing.
func (e *Engine) Allocate(ctx context.Context, requesterID string, q Quotas) (Result, error) {
	if requesterID == "" {
		return Result{}, fmt.Errorf("%w: empty requester", model.ErrInvalidParams)
	}
	if q.IMAP < 0 || q.Graph < 0 || q.Any < 0 || q.Total() == 0 {
		return Result{}, fmt.Errorf("%w: quotas %+v", model.ErrInvalidParams, q)
	}

	owned, err := e.store.ListOwnedBy(ctx, requesterID)
	if err != nil {
		return Result{}, model.StoreError("list owned resources", err)
	}
	if len(owned) > 0 {
		return Result{Resources: owned, Existing: true}, nil
	}

	var res Result
	err = e.store.Claim(ctx, requesterID, func(tx ClaimTx) error {
		// Another allocation for this requester may have committed between
		// the read above and acquiring the marker.
		owned, err := tx.ListOwnedBy(ctx, requesterID)
		if err != nil {
			return model.StoreError("list owned resources", err)
		}
		if len(owned) > 0 {
			res = Result{Resources: owned, Existing: true}
			return nil
		}

		plan, err := e.plan(ctx, tx, q)
		if err != nil {
			return err
		}
		claimed := make([]model.EmailResource, 0, q.Total())
		for _, p := range e.order() {
			got, err := e.claim(ctx, tx, requesterID, p, plan[p])
			if err != nil {
				return err
			}
			claimed = append(claimed, got...)
		}
		res = Result{Resources: claimed}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrInsufficientResources) {
			e.logger.Warn("allocation failed", "requester", requesterID, "error", err)
			return Result{}, err
		}
		if model.KindOf(err) == model.KindUnknown {
			err = model.StoreError("claim resources", err)
		}
		return Result{}, err
	}

	if !res.Existing {
		e.logger.Info("resources allocated", "requester", requesterID, "count", len(res.Resources))
	}
	return res, nil
}

// order is the preferred protocol followed by the other one.
func (e *Engine) order() [2]model.Protocol {
	return [2]model.Protocol{e.cfg.Prefer, e.cfg.Prefer.Other()}
}

// plan resolves Any slots against current availability and checks that the
// pool can cover every quota.
func (e *Engine) plan(ctx context.Context, tx ClaimTx, q Quotas) (map[model.Protocol]int, error) {
	need := map[model.Protocol]int{
		model.ProtocolIMAP:  q.IMAP,
		model.ProtocolGraph: q.Graph,
	}
	avail := make(map[model.Protocol]int, 2)
	for _, p := range e.order() {
		n, err := tx.CountUnassigned(ctx, p)
		if err != nil {
			return nil, model.StoreError("count unassigned", err)
		}
		avail[p] = n
		if need[p] > n {
			return nil, &model.InsufficientResourcesError{Protocol: p, Needed: need[p], Available: n}
		}
	}

	rest := q.Any
	for _, p := range e.order() {
		take := min(rest, avail[p]-need[p])
		need[p] += take
		rest -= take
	}
	if rest > 0 {
		return nil, &model.InsufficientResourcesError{
			Protocol:  model.ProtocolAny,
			Needed:    q.Total(),
			Available: avail[model.ProtocolIMAP] + avail[model.ProtocolGraph],
		}
	}
	return need, nil
}

// claim binds want resources of protocol p. Candidates lost to a concurrent
// claimer are excluded and the shortfall is re-selected.
func (e *Engine) claim(ctx context.Context, tx ClaimTx, owner string, p model.Protocol, want int) ([]model.EmailResource, error) {
	if want == 0 {
		return nil, nil
	}
	now := e.now().Unix()
	got := make([]model.EmailResource, 0, want)
	var lost []string

	for attempt := 0; len(got) < want; attempt++ {
		if attempt > e.cfg.MaxRetries {
			return nil, fmt.Errorf("claim %s after %d retries: %w", p, e.cfg.MaxRetries,
				&model.InsufficientResourcesError{Protocol: p, Needed: want, Available: len(got)})
		}
		short := want - len(got)
		cands, err := tx.ListUnassigned(ctx, p, short, lost)
		if err != nil {
			return nil, model.StoreError("list unassigned", err)
		}
		if len(cands) < short {
			return nil, &model.InsufficientResourcesError{Protocol: p, Needed: want, Available: len(got) + len(cands)}
		}
		for _, r := range cands {
			ok, err := tx.ClaimIfUnassigned(ctx, r.Address, owner, now)
			if err != nil {
				return nil, model.StoreError("claim resource", err)
			}
			if !ok {
				lost = append(lost, r.Address)
				continue
			}
			r.OwnerID = owner
			claimedAt := now
			r.ClaimedAt = &claimedAt
			got = append(got, r)
		}
		if len(got) < want {
			e.logger.Debug("claims lost, reselecting", "protocol", p, "lost", len(lost), "attempt", attempt+1)
		}
	}
	return got, nil
}
