// Package ledger records card-key consumption and invite registrations.
// Entries are append-only. Every gate decision is a single conditional write
// in the backing store, so concurrent callers in any number of processes get
// exactly one winner per one-time key and at most bound winners per invite.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailgate/mailgate/internal/model"
)

// Store is the persistence a Ledger needs. Implementations must make
// InsertCardKeyUse and CountAndInsertInviteUse atomic with respect to every
// other caller of the same store.
type Store interface {
	// InsertCardKeyUse inserts entry unless an entry for the same subject
	// exists. It reports whether the row was inserted.
	InsertCardKeyUse(ctx context.Context, entry model.LedgerEntry) (bool, error)

	// CountAndInsertInviteUse appends entry only while fewer than limit entries
	// exist for its subject. It returns whether the entry was appended and
	// the entry count after the attempt.
	CountAndInsertInviteUse(ctx context.Context, entry model.LedgerEntry, limit int) (bool, int, error)

	// CountInviteUses returns the stored entry count for an invite.
	CountInviteUses(ctx context.Context, inviteID string) (int, error)

	// ListEntries returns every entry recorded for subjectID, oldest first.
	// Card-key and invite entries are both included.
	ListEntries(ctx context.Context, subjectID string) ([]model.LedgerEntry, error)
}

// InviteUse is the outcome of TryRecordInviteUse.
type InviteUse struct {
	Inserted   bool
	CountAfter int
}

// Ledger gates token use.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New returns a Ledger backed by store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// TryRecordCardKeyUse records the first use of key. It returns false when the
// key was already used.
func (l *Ledger) TryRecordCardKeyUse(ctx context.Context, key, usedBy string) (bool, error) {
	entry, err := l.entry(key, usedBy, "")
	if err != nil {
		return false, err
	}
	ok, err := l.store.InsertCardKeyUse(ctx, entry)
	if err != nil {
		return false, model.StoreError("record card key use", err)
	}
	return ok, nil
}

// TryRecordInviteUse appends a registration for inviteID if fewer than bound
// registrations exist.
func (l *Ledger) TryRecordInviteUse(ctx context.Context, inviteID string, bound int, usedBy, method string) (InviteUse, error) {
	if bound < 1 {
		return InviteUse{}, fmt.Errorf("%w: registration bound %d", model.ErrInvalidParams, bound)
	}
	entry, err := l.entry(inviteID, usedBy, method)
	if err != nil {
		return InviteUse{}, err
	}
	ok, count, err := l.store.CountAndInsertInviteUse(ctx, entry, bound)
	if err != nil {
		return InviteUse{}, model.StoreError("record invite use", err)
	}
	return InviteUse{Inserted: ok, CountAfter: count}, nil
}

// InviteUseCount returns how many registrations inviteID has.
func (l *Ledger) InviteUseCount(ctx context.Context, inviteID string) (int, error) {
	n, err := l.store.CountInviteUses(ctx, inviteID)
	if err != nil {
		return 0, model.StoreError("count invite uses", err)
	}
	return n, nil
}

// Entries lists the ledger entries for a card key or invite ID.
func (l *Ledger) Entries(ctx context.Context, subjectID string) ([]model.LedgerEntry, error) {
	entries, err := l.store.ListEntries(ctx, subjectID)
	if err != nil {
		return nil, model.StoreError("list ledger entries", err)
	}
	return entries, nil
}

func (l *Ledger) entry(subject, usedBy, method string) (model.LedgerEntry, error) {
	if subject == "" {
		return model.LedgerEntry{}, fmt.Errorf("%w: empty ledger subject", model.ErrInvalidParams)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("generate entry id: %w", err)
	}
	return model.LedgerEntry{
		ID:        id.String(),
		SubjectID: subject,
		UsedAt:    l.now().Unix(),
		UsedBy:    usedBy,
		Method:    method,
	}, nil
}
