package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mailgate/mailgate/internal/allocation"
	"github.com/mailgate/mailgate/internal/cardkey"
	"github.com/mailgate/mailgate/internal/invite"
	"github.com/mailgate/mailgate/internal/model"
)

// TrialPrefix starts the identity of every auto-created trial account.
const TrialPrefix = "trial_"

// AllocationError reports a token that was consumed successfully followed by
// an allocation that failed. The ledger is append-only, so the consumption
// stands and the caller sees both outcomes. Repeating the flow for the same
// RequesterID retries only the allocation.
type AllocationError struct {
	RequesterID string
	Err         error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("token consumed for %s but allocation failed: %v", e.RequesterID, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// LoginResult is the outcome of a card-key login.
type LoginResult struct {
	RequesterID string            `json:"requester_id"`
	Key         cardkey.CardKey   `json:"card_key"`
	Allocation  allocation.Result `json:"allocation"`
}

// RegisterResult is the outcome of an invite registration or trial start.
// Resumed is set when the requester was already registered with the invite.
type RegisterResult struct {
	RequesterID string            `json:"requester_id"`
	Invite      invite.Invite     `json:"invite"`
	CountAfter  int               `json:"count_after"`
	Remaining   int               `json:"remaining"`
	Resumed     bool              `json:"resumed,omitempty"`
	Allocation  allocation.Result `json:"allocation"`
}

// Gateway runs the entry flows that turn a token into bound mailboxes. Every
// flow goes through the same allocation engine.
type Gateway struct {
	cards   *cardkey.Service
	invites *invite.Service
	engine  *allocation.Engine
	logger  *slog.Logger
	trialID func() (string, error)
}

// NewGateway creates a new Gateway.
func NewGateway(cards *cardkey.Service, invites *invite.Service, engine *allocation.Engine, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cards:   cards,
		invites: invites,
		engine:  engine,
		logger:  logger,
		trialID: func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return TrialPrefix + id.String(), nil
		},
	}
}

// CardKeys returns the card-key service.
func (g *Gateway) CardKeys() *cardkey.Service { return g.cards }

// Invites returns the invite service.
func (g *Gateway) Invites() *invite.Service { return g.invites }

// Engine returns the allocation engine.
func (g *Gateway) Engine() *allocation.Engine { return g.engine }

// LoginWithCardKey verifies tok for requesterID and allocates EmailCount
// mailboxes of either protocol. A one-time key already consumed by the same
// requester is not consumed again; the allocation is retried instead, so a
// login that failed for lack of mailboxes can be repeated.
func (g *Gateway) LoginWithCardKey(ctx context.Context, tok, requesterID string) (LoginResult, error) {
	if requesterID == "" {
		return LoginResult{}, fmt.Errorf("%w: requester id is required", model.ErrInvalidParams)
	}
	vr, err := g.cards.Verify(ctx, tok, requesterID)
	if errors.Is(err, model.ErrAlreadyUsed) {
		owner, lerr := g.cards.ConsumedBy(ctx, tok)
		if lerr != nil {
			return LoginResult{RequesterID: requesterID, Key: vr.Key}, lerr
		}
		if owner == requesterID {
			g.logger.Info("card key login resumed", "requester", requesterID, "short_id", vr.Key.ShortID)
			err = nil
		}
	}
	if err != nil {
		g.logger.Info("card key login rejected", "requester", requesterID, "kind", model.KindOf(err))
		return LoginResult{RequesterID: requesterID, Key: vr.Key}, err
	}

	res := LoginResult{RequesterID: requesterID, Key: vr.Key}
	alloc, err := g.engine.Allocate(ctx, requesterID, allocation.Quotas{Any: vr.Key.EmailCount})
	if err != nil {
		return res, g.afterConsume(requesterID, "card_key", err)
	}
	res.Allocation = alloc
	return res, nil
}

// RegisterWithInvite redeems tok for requesterID using method and allocates
// the invite's IMAP and GRAPH quotas. A requester already registered with the
// invite keeps its single slot and only the allocation is retried.
func (g *Gateway) RegisterWithInvite(ctx context.Context, tok, requesterID, method string) (RegisterResult, error) {
	if requesterID == "" {
		return RegisterResult{}, fmt.Errorf("%w: requester id is required", model.ErrInvalidParams)
	}
	return g.redeemAndAllocate(ctx, tok, requesterID, method)
}

// StartTrial creates a trial identity for an invite that auto-creates trial
// accounts, redeems the invite for it and allocates the invite's quotas.
// Passing the trialID of an earlier attempt resumes that trial instead: the
// identity must already be registered with the invite, and only the
// allocation is retried.
func (g *Gateway) StartTrial(ctx context.Context, tok, trialID string) (RegisterResult, error) {
	inv, err := g.invites.Decode(tok)
	if err != nil {
		return RegisterResult{}, err
	}
	if !inv.AutoCreateTrialAccount {
		return RegisterResult{Invite: inv}, fmt.Errorf("invite %s: %w", inv.ID, model.ErrTrialNotEnabled)
	}

	if trialID != "" {
		ok, err := g.invites.Registered(ctx, tok, trialID)
		if err != nil {
			return RegisterResult{Invite: inv}, err
		}
		if !ok || !strings.HasPrefix(trialID, TrialPrefix) {
			return RegisterResult{Invite: inv}, fmt.Errorf("%w: %q is not a trial of invite %s", model.ErrInvalidParams, trialID, inv.ID)
		}
		return g.redeemAndAllocate(ctx, tok, trialID, invite.TrialMethod)
	}

	id, err := g.trialID()
	if err != nil {
		return RegisterResult{Invite: inv}, fmt.Errorf("generate trial identity: %w", err)
	}
	return g.redeemAndAllocate(ctx, tok, id, invite.TrialMethod)
}

func (g *Gateway) redeemAndAllocate(ctx context.Context, tok, requesterID, method string) (RegisterResult, error) {
	rr, err := g.invites.Redeem(ctx, tok, requesterID, method)
	res := RegisterResult{
		RequesterID: requesterID,
		Invite:      rr.Invite,
		CountAfter:  rr.CountAfter,
		Remaining:   rr.Remaining,
		Resumed:     rr.Resumed,
	}
	if err != nil {
		g.logger.Info("invite registration rejected", "requester", requesterID, "method", method, "kind", model.KindOf(err))
		return res, err
	}

	alloc, err := g.engine.Allocate(ctx, requesterID, allocation.Quotas{
		IMAP:  rr.Invite.IMAPCount,
		Graph: rr.Invite.GraphCount,
	})
	if err != nil {
		return res, g.afterConsume(requesterID, "invite", err)
	}
	res.Allocation = alloc
	return res, nil
}

func (g *Gateway) afterConsume(requesterID, via string, err error) error {
	g.logger.Warn("allocation failed after token was consumed",
		"requester", requesterID, "via", via, "kind", model.KindOf(err), "error", err)
	return &AllocationError{RequesterID: requesterID, Err: err}
}
