// Package invite issues, verifies and redeems invite links. An invite carries
// its own quotas and expiry; the usage ledger counts registrations against
// MaxRegistrations.
package invite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/token"
)

// Tag prefixes every invite token.
const Tag = "IV"

// MaxValidDays caps how far in the future an invite may expire.
const MaxValidDays = 3650

const secondsPerDay = 24 * 60 * 60

// Invite is the decoded content of an invite token.
type Invite struct {
	ID                     string  `json:"id"`
	IMAPCount              int     `json:"imap_count"`
	GraphCount             int     `json:"graph_count"`
	MaxRegistrations       int     `json:"max_registrations"`
	ExpiresAt              int64   `json:"expires_at"`
	Methods                Methods `json:"methods"`
	AllowBatchAddEmails    bool    `json:"allow_batch_add_emails"`
	AutoCreateTrialAccount bool    `json:"auto_create_trial_account"`
	CreatedAtDay           int     `json:"created_at_day"`
	CreatedBy              string  `json:"created_by,omitempty"`
}

// wire is the serialized form with single-letter keys.
type wire struct {
	M int    `json:"m"`
	G int    `json:"g"`
	R int    `json:"r"`
	E int64  `json:"e"`
	F int    `json:"f"`
	B int    `json:"b,omitempty"`
	A int    `json:"a,omitempty"`
	I string `json:"i"`
	D int    `json:"d"`
	C string `json:"c,omitempty"`
}

// Params are the operator's choices when issuing an invite. A zero Methods
// set means every method, unless the invite creates trial accounts.
type Params struct {
	IMAPCount              int
	GraphCount             int
	MaxRegistrations       int
	ValidDays              int
	Methods                Methods
	AllowBatchAddEmails    bool
	AutoCreateTrialAccount bool
	CreatedBy              string
}

func (p Params) validate() error {
	switch {
	case p.IMAPCount < 0 || p.GraphCount < 0:
		return fmt.Errorf("%w: counts must not be negative", model.ErrInvalidParams)
	case p.IMAPCount+p.GraphCount == 0:
		return fmt.Errorf("%w: invite must grant at least one mailbox", model.ErrInvalidParams)
	case p.MaxRegistrations < 1:
		return fmt.Errorf("%w: max registrations must be at least 1", model.ErrInvalidParams)
	case p.ValidDays < 1 || p.ValidDays > MaxValidDays:
		return fmt.Errorf("%w: valid days must be 1 to %d", model.ErrInvalidParams, MaxValidDays)
	case p.Methods&^AllMethods != 0:
		return fmt.Errorf("%w: unknown method bits %#x", model.ErrInvalidParams, uint8(p.Methods))
	case p.AutoCreateTrialAccount && p.Methods != 0:
		return fmt.Errorf("%w: trial invites cannot also allow registration methods", model.ErrInvalidParams)
	}
	return nil
}

// VerifyResult describes an invite's state. Valid means the token decoded;
// CanUse means a registration would currently be accepted.
type VerifyResult struct {
	Valid     bool
	CanUse    bool
	Invite    Invite
	Used      int
	Remaining int
}

// RedeemResult is the outcome of a successful Redeem. Resumed is set when
// the requester already held a registration and no new slot was taken.
type RedeemResult struct {
	Invite     Invite
	CountAfter int
	Remaining  int
	Resumed    bool
}

// Service issues, verifies and redeems invites.
type Service struct {
	env    *token.Envelope
	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an invite service.
func NewService(env *token.Envelope, l *ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{env: env, ledger: l, logger: logger, now: time.Now}
}

// Issue mints a new invite token.
func (s *Service) Issue(_ context.Context, p Params) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	if p.Methods == 0 && !p.AutoCreateTrialAccount {
		p.Methods = AllMethods
	}

	id, err := token.ShortID()
	if err != nil {
		return "", fmt.Errorf("generate invite id: %w", err)
	}
	now := s.now().Unix()
	w := wire{
		M: p.IMAPCount,
		G: p.GraphCount,
		R: p.MaxRegistrations,
		E: now + int64(p.ValidDays)*secondsPerDay,
		F: int(p.Methods),
		B: boolToInt(p.AllowBatchAddEmails),
		A: boolToInt(p.AutoCreateTrialAccount),
		I: id,
		D: int((now / secondsPerDay) % 65536),
		C: p.CreatedBy,
	}
	tok, err := s.env.Wrap(Tag, w)
	if err != nil {
		return "", fmt.Errorf("wrap invite: %w", err)
	}
	s.logger.Info("invite issued", "invite", id, "imap", p.IMAPCount, "graph", p.GraphCount,
		"max_registrations", p.MaxRegistrations, "valid_days", p.ValidDays)
	return tok, nil
}

// Decode unwraps and validates tok without consulting the ledger.
func (s *Service) Decode(tok string) (Invite, error) {
	var w wire
	if err := s.env.Unwrap(tok, Tag, &w); err != nil {
		return Invite{}, err
	}
	return w.toInvite()
}

// Verify reports whether tok can currently be used to register. It never
// writes to the ledger. Expired and exhausted invites return a result with
// Valid set together with model.ErrExpired or model.ErrQuotaExhausted.
func (s *Service) Verify(ctx context.Context, tok string) (VerifyResult, error) {
	inv, err := s.Decode(tok)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{Valid: true, Invite: inv}

	if s.now().Unix() > inv.ExpiresAt {
		return res, fmt.Errorf("invite %s: %w", inv.ID, model.ErrExpired)
	}

	used, err := s.ledger.InviteUseCount(ctx, inv.ID)
	if err != nil {
		return res, err
	}
	res.Used = used
	res.Remaining = max(0, inv.MaxRegistrations-used)
	if res.Remaining == 0 {
		return res, fmt.Errorf("invite %s: %w", inv.ID, model.ErrQuotaExhausted)
	}
	res.CanUse = true
	return res, nil
}

// Redeem registers requesterID against tok using method. The registration
// slot is taken with one atomic ledger write, so concurrent redemptions never
// exceed MaxRegistrations. A requester that already holds a registration gets
// it back with Resumed set, even once the invite is exhausted or expired.
func (s *Service) Redeem(ctx context.Context, tok, requesterID, method string) (RedeemResult, error) {
	inv, err := s.Decode(tok)
	if err != nil {
		return RedeemResult{}, err
	}
	if err := inv.allows(method); err != nil {
		return RedeemResult{Invite: inv}, err
	}

	entries, err := s.ledger.Entries(ctx, inv.ID)
	if err != nil {
		return RedeemResult{Invite: inv}, err
	}
	if registered(entries, requesterID) {
		s.logger.Info("invite registration resumed", "invite", inv.ID, "requester", requesterID)
		return RedeemResult{
			Invite:     inv,
			CountAfter: len(entries),
			Remaining:  max(0, inv.MaxRegistrations-len(entries)),
			Resumed:    true,
		}, nil
	}

	if _, err := s.Verify(ctx, tok); err != nil {
		return RedeemResult{Invite: inv}, err
	}

	use, err := s.ledger.TryRecordInviteUse(ctx, inv.ID, inv.MaxRegistrations, requesterID, method)
	if err != nil {
		return RedeemResult{Invite: inv}, err
	}
	if !use.Inserted {
		s.logger.Info("invite quota exhausted", "invite", inv.ID, "requester", requesterID)
		return RedeemResult{Invite: inv, CountAfter: use.CountAfter}, fmt.Errorf("invite %s: %w", inv.ID, model.ErrQuotaExhausted)
	}

	s.logger.Info("invite redeemed", "invite", inv.ID, "requester", requesterID, "method", method, "count", use.CountAfter)
	return RedeemResult{
		Invite:     inv,
		CountAfter: use.CountAfter,
		Remaining:  max(0, inv.MaxRegistrations-use.CountAfter),
	}, nil
}

// Registered reports whether requesterID holds a registration for the
// invite tok.
func (s *Service) Registered(ctx context.Context, tok, requesterID string) (bool, error) {
	inv, err := s.Decode(tok)
	if err != nil {
		return false, err
	}
	entries, err := s.ledger.Entries(ctx, inv.ID)
	if err != nil {
		return false, err
	}
	return registered(entries, requesterID), nil
}

func registered(entries []model.LedgerEntry, requesterID string) bool {
	for _, e := range entries {
		if e.UsedBy == requesterID {
			return true
		}
	}
	return false
}

func (inv Invite) allows(method string) error {
	if method == TrialMethod {
		if !inv.AutoCreateTrialAccount {
			return fmt.Errorf("invite %s: %w", inv.ID, model.ErrTrialNotEnabled)
		}
		return nil
	}
	bit, err := ParseMethod(method)
	if err != nil {
		return err
	}
	if !inv.Methods.Has(bit) {
		return fmt.Errorf("invite %s does not accept %q: %w", inv.ID, method, model.ErrMethodNotAllowed)
	}
	return nil
}

func (w wire) toInvite() (Invite, error) {
	switch {
	case w.M < 0 || w.G < 0 || w.M+w.G == 0:
		return Invite{}, fieldError("m/g")
	case w.R < 1:
		return Invite{}, fieldError("r")
	case w.E <= 0:
		return Invite{}, fieldError("e")
	case w.F < 0 || w.F > int(AllMethods):
		return Invite{}, fieldError("f")
	case w.B != 0 && w.B != 1:
		return Invite{}, fieldError("b")
	case w.A != 0 && w.A != 1:
		return Invite{}, fieldError("a")
	case len(w.I) != token.ShortIDLen:
		return Invite{}, fieldError("i")
	case w.D < 0 || w.D > 65535:
		return Invite{}, fieldError("d")
	}
	return Invite{
		ID:                     w.I,
		IMAPCount:              w.M,
		GraphCount:             w.G,
		MaxRegistrations:       w.R,
		ExpiresAt:              w.E,
		Methods:                Methods(w.F),
		AllowBatchAddEmails:    w.B == 1,
		AutoCreateTrialAccount: w.A == 1,
		CreatedAtDay:           w.D,
		CreatedBy:              w.C,
	}, nil
}

func fieldError(field string) error {
	return fmt.Errorf("%w: invite field %q missing or invalid", model.ErrDecodeFailure, field)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
