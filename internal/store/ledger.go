package store

import (
	"context"

	"github.com/mailgate/mailgate/internal/allocation"
	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/model"
)

var (
	_ ledger.Store     = (*Store)(nil)
	_ allocation.Store = (*Store)(nil)
)

// InsertCardKeyUse records a card-key use unless the key already has one.
func (s *Store) InsertCardKeyUse(ctx context.Context, e model.LedgerEntry) (bool, error) {
	q := s.rebind(s.dialect.insertIgnore("card_key_uses", "card_key, id, used_at, used_by"))
	res, err := s.db.ExecContext(ctx, q, e.SubjectID, e.ID, e.UsedAt, e.UsedBy)
	if err != nil {
		return false, model.StoreError("insert card key use", err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, model.StoreError("insert card key use", err)
	}
	return ok, nil
}

// CountAndInsertInviteUse appends an invite registration while the invite
// has fewer than limit. The counter row is bumped with a guarded UPDATE, so
// two transactions can never both take the last slot.
func (s *Store) CountAndInsertInviteUse(ctx context.Context, e model.LedgerEntry, limit int) (bool, int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, 0, model.StoreError("begin invite use", err)
	}
	defer tx.Rollback()

	ensure := tx.Rebind(s.dialect.insertIgnore("invite_counters", "invite_id, used"))
	if _, err := tx.ExecContext(ctx, ensure, e.SubjectID, 0); err != nil {
		return false, 0, model.StoreError("ensure invite counter", err)
	}

	res, err := tx.ExecContext(ctx,
		tx.Rebind("UPDATE invite_counters SET used = used + 1 WHERE invite_id = ? AND used < ?"),
		e.SubjectID, limit)
	if err != nil {
		return false, 0, model.StoreError("bump invite counter", err)
	}
	won, err := affected(res)
	if err != nil {
		return false, 0, model.StoreError("bump invite counter", err)
	}

	if won {
		q := tx.Rebind("INSERT INTO invite_uses (id, invite_id, used_at, used_by, method) VALUES (?, ?, ?, ?, ?)")
		if _, err := tx.ExecContext(ctx, q, e.ID, e.SubjectID, e.UsedAt, e.UsedBy, e.Method); err != nil {
			return false, 0, model.StoreError("insert invite use", err)
		}
	}

	var used int
	if err := tx.GetContext(ctx, &used, tx.Rebind("SELECT used FROM invite_counters WHERE invite_id = ?"), e.SubjectID); err != nil {
		return false, 0, model.StoreError("read invite counter", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, model.StoreError("commit invite use", err)
	}
	return won, used, nil
}

// CountInviteUses returns how many registrations an invite has.
func (s *Store) CountInviteUses(ctx context.Context, inviteID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.rebind("SELECT COUNT(*) FROM invite_uses WHERE invite_id = ?"), inviteID); err != nil {
		return 0, model.StoreError("count invite uses", err)
	}
	return n, nil
}

// ListEntries returns card-key and invite entries for a subject, oldest first.
func (s *Store) ListEntries(ctx context.Context, subjectID string) ([]model.LedgerEntry, error) {
	q := s.rebind(`SELECT id, card_key AS subject_id, used_at, used_by, '' AS method
			FROM card_key_uses WHERE card_key = ?
		UNION ALL
		SELECT id, invite_id AS subject_id, used_at, used_by, method
			FROM invite_uses WHERE invite_id = ?
		ORDER BY used_at, id`)

	var out []model.LedgerEntry
	if err := s.db.SelectContext(ctx, &out, q, subjectID, subjectID); err != nil {
		return nil, model.StoreError("list ledger entries", err)
	}
	return out, nil
}
