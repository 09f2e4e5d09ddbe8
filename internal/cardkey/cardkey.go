// Package cardkey issues and verifies card keys: self-contained tokens that
// entitle the holder to a number of mailboxes. One-time keys are consumed in
// the usage ledger on first verification; reusable keys never touch it.
package cardkey

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/token"
)

// Tag prefixes every card key.
const Tag = "CK"

// MaxCustomSourceLen bounds the operator-chosen source code.
const MaxCustomSourceLen = 3

// Source identifies the distribution channel of a card key.
type Source string

const (
	SourceChannelA Source = "channel-a"
	SourceChannelB Source = "channel-b"
	SourceInternal Source = "internal"
	SourceCustom   Source = "custom"
)

var sourceCodes = map[Source]string{
	SourceChannelA: "a",
	SourceChannelB: "b",
	SourceInternal: "i",
	SourceCustom:   "c",
}

// ParseSource accepts the long source names.
func ParseSource(s string) (Source, error) {
	src := Source(s)
	if _, ok := sourceCodes[src]; !ok {
		return "", fmt.Errorf("%w: unknown source %q", model.ErrInvalidParams, s)
	}
	return src, nil
}

// Duration is a coarse validity class carried by the key.
type Duration string

const (
	DurationShort Duration = "short"
	DurationLong  Duration = "long"
)

var durationCodes = map[Duration]string{
	DurationShort: "s",
	DurationLong:  "l",
}

// ParseDuration accepts "short" and "long".
func ParseDuration(s string) (Duration, error) {
	d := Duration(s)
	if _, ok := durationCodes[d]; !ok {
		return "", fmt.Errorf("%w: unknown duration %q", model.ErrInvalidParams, s)
	}
	return d, nil
}

// CardKey is the decoded content of a card key.
type CardKey struct {
	Source       Source   `json:"source"`
	CustomSource string   `json:"custom_source,omitempty"`
	EmailCount   int      `json:"email_count"`
	Duration     Duration `json:"duration"`
	IssuedAt     int64    `json:"issued_at"`
	ShortID      string   `json:"short_id"`
	Reusable     bool     `json:"reusable"`
}

// wire is the serialized form. Keys and enum values are single characters
// to keep tokens short.
type wire struct {
	S string `json:"s"`
	X string `json:"x,omitempty"`
	N int    `json:"n"`
	D string `json:"d"`
	T int64  `json:"t"`
	I string `json:"i"`
	R int    `json:"r,omitempty"`
}

// Params are the operator's choices when issuing a key.
type Params struct {
	Source       Source
	CustomSource string
	EmailCount   int
	Duration     Duration
	Reusable     bool
}

func (p Params) validate() error {
	if _, ok := sourceCodes[p.Source]; !ok {
		return fmt.Errorf("%w: unknown source %q", model.ErrInvalidParams, p.Source)
	}
	if p.Source == SourceCustom {
		if n := len(p.CustomSource); n == 0 || n > MaxCustomSourceLen {
			return fmt.Errorf("%w: custom source must be 1 to %d characters", model.ErrInvalidParams, MaxCustomSourceLen)
		}
	} else if p.CustomSource != "" {
		return fmt.Errorf("%w: custom source given for source %q", model.ErrInvalidParams, p.Source)
	}
	if p.EmailCount < 1 {
		return fmt.Errorf("%w: email count must be at least 1", model.ErrInvalidParams)
	}
	if _, ok := durationCodes[p.Duration]; !ok {
		return fmt.Errorf("%w: unknown duration %q", model.ErrInvalidParams, p.Duration)
	}
	return nil
}

// VerifyResult is the outcome of a successful Verify.
type VerifyResult struct {
	Valid bool
	Key   CardKey
}

// Service issues and verifies card keys.
type Service struct {
	env    *token.Envelope
	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a card-key service.
func NewService(env *token.Envelope, l *ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{env: env, ledger: l, logger: logger, now: time.Now}
}

// Issue mints a new card key.
func (s *Service) Issue(_ context.Context, p Params) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	id, err := token.ShortID()
	if err != nil {
		return "", fmt.Errorf("generate short id: %w", err)
	}
	w := wire{
		S: sourceCodes[p.Source],
		X: p.CustomSource,
		N: p.EmailCount,
		D: durationCodes[p.Duration],
		T: s.now().Unix(),
		I: id,
	}
	if p.Reusable {
		w.R = 1
	}
	tok, err := s.env.Wrap(Tag, w)
	if err != nil {
		return "", fmt.Errorf("wrap card key: %w", err)
	}
	s.logger.Info("card key issued", "short_id", id, "source", p.Source, "emails", p.EmailCount, "reusable", p.Reusable)
	return tok, nil
}

// Decode unwraps and validates tok without touching the ledger.
func (s *Service) Decode(tok string) (CardKey, error) {
	_, key, err := s.decode(tok)
	return key, err
}

func (s *Service) decode(tok string) (wire, CardKey, error) {
	var w wire
	if err := s.env.Unwrap(tok, Tag, &w); err != nil {
		return wire{}, CardKey{}, err
	}
	key, err := w.toCardKey()
	return w, key, err
}

// Verify decodes tok and, for a one-time key, consumes it on behalf of
// requesterID. A one-time key that was already consumed fails with
// model.ErrAlreadyUsed; the decoded key is still returned.
func (s *Service) Verify(ctx context.Context, tok, requesterID string) (VerifyResult, error) {
	w, key, err := s.decode(tok)
	if err != nil {
		return VerifyResult{}, err
	}
	if key.Reusable {
		return VerifyResult{Valid: true, Key: key}, nil
	}

	canonical, err := s.canonical(w)
	if err != nil {
		return VerifyResult{Key: key}, err
	}
	ok, err := s.ledger.TryRecordCardKeyUse(ctx, canonical, requesterID)
	if err != nil {
		return VerifyResult{Key: key}, err
	}
	if !ok {
		s.logger.Info("card key replay rejected", "short_id", key.ShortID, "requester", requesterID)
		return VerifyResult{Key: key}, fmt.Errorf("card key %s: %w", key.ShortID, model.ErrAlreadyUsed)
	}
	return VerifyResult{Valid: true, Key: key}, nil
}

// ConsumedBy returns the requester that consumed the one-time key tok, or ""
// while it is unused. Reusable keys are never consumed.
func (s *Service) ConsumedBy(ctx context.Context, tok string) (string, error) {
	w, key, err := s.decode(tok)
	if err != nil {
		return "", err
	}
	if key.Reusable {
		return "", nil
	}
	canonical, err := s.canonical(w)
	if err != nil {
		return "", err
	}
	entries, err := s.ledger.Entries(ctx, canonical)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0].UsedBy, nil
}

// canonical re-encodes w. The ledger is keyed by this form, so spelling
// variants of one key (padding, alphabet, checksum case) share a single entry.
func (s *Service) canonical(w wire) (string, error) {
	tok, err := s.env.Wrap(Tag, w)
	if err != nil {
		return "", fmt.Errorf("canonicalize card key: %w", err)
	}
	return tok, nil
}

func (w wire) toCardKey() (CardKey, error) {
	src, ok := lookup(sourceCodes, w.S)
	if !ok {
		return CardKey{}, fieldError("s")
	}
	if src == SourceCustom && (w.X == "" || len(w.X) > MaxCustomSourceLen) {
		return CardKey{}, fieldError("x")
	}
	if w.N < 1 {
		return CardKey{}, fieldError("n")
	}
	dur, ok := lookup(durationCodes, w.D)
	if !ok {
		return CardKey{}, fieldError("d")
	}
	if w.T <= 0 {
		return CardKey{}, fieldError("t")
	}
	if len(w.I) != token.ShortIDLen {
		return CardKey{}, fieldError("i")
	}
	if w.R != 0 && w.R != 1 {
		return CardKey{}, fieldError("r")
	}
	return CardKey{
		Source:       src,
		CustomSource: w.X,
		EmailCount:   w.N,
		Duration:     dur,
		IssuedAt:     w.T,
		ShortID:      w.I,
		Reusable:     w.R == 1,
	}, nil
}

func lookup[K comparable](codes map[K]string, code string) (K, bool) {
	for k, c := range codes {
		if c == code {
			return k, true
		}
	}
	var zero K
	return zero, false
}

func fieldError(field string) error {
	return fmt.Errorf("%w: card key field %q missing or invalid", model.ErrDecodeFailure, field)
}
