package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mailgate/mailgate/internal/allocation"
	"github.com/mailgate/mailgate/internal/model"
)

// queryer is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx.
type queryer interface {
	Rebind(query string) string
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Claim runs fn in a transaction that holds the allocation marker for
// ownerID. The marker row is upserted first, which locks it for the rest of
// the transaction, so a second allocation for the same owner waits and then
// sees the first one's claims.
func (s *Store) Claim(ctx context.Context, ownerID string, fn func(tx allocation.ClaimTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.StoreError("begin claim", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(s.dialect.markerUpsert()), ownerID, time.Now().Unix()); err != nil {
		return model.StoreError("take allocation marker", err)
	}

	if err := fn(&claimTx{tx: tx, lockSuffix: s.dialect.lockSuffix}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.StoreError("commit claim", err)
	}
	return nil
}

type claimTx struct {
	tx         *sqlx.Tx
	lockSuffix string
}

func (c *claimTx) ListOwnedBy(ctx context.Context, ownerID string) ([]model.EmailResource, error) {
	return listOwnedBy(ctx, c.tx, ownerID)
}

func (c *claimTx) CountUnassigned(ctx context.Context, protocol model.Protocol) (int, error) {
	var n int
	q := c.tx.Rebind("SELECT COUNT(*) FROM email_resources WHERE protocol = ? AND owner_id IS NULL AND banned = 0")
	if err := c.tx.GetContext(ctx, &n, q, string(protocol)); err != nil {
		return 0, model.StoreError("count unassigned", err)
	}
	return n, nil
}

func (c *claimTx) ListUnassigned(ctx context.Context, protocol model.Protocol, limit int, exclude []string) ([]model.EmailResource, error) {
	q := "SELECT " + resourceColumns +
		" FROM email_resources WHERE protocol = ? AND owner_id IS NULL AND banned = 0"
	args := []interface{}{string(protocol)}
	if len(exclude) > 0 {
		q += " AND address NOT IN (?)"
		args = append(args, exclude)
	}
	q += " ORDER BY created_at, address LIMIT ?" + c.lockSuffix
	args = append(args, limit)

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, model.StoreError("expand exclusions", err)
	}

	var out []model.EmailResource
	if err := c.tx.SelectContext(ctx, &out, c.tx.Rebind(q), args...); err != nil {
		return nil, model.StoreError("list unassigned", err)
	}
	return out, nil
}

func (c *claimTx) ClaimIfUnassigned(ctx context.Context, address, ownerID string, claimedAt int64) (bool, error) {
	q := c.tx.Rebind(`UPDATE email_resources SET owner_id = ?, claimed_at = ?
		WHERE address = ? AND owner_id IS NULL AND banned = 0`)
	res, err := c.tx.ExecContext(ctx, q, ownerID, claimedAt, address)
	if err != nil {
		return false, model.StoreError("claim resource", err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, model.StoreError("claim resource", err)
	}
	return ok, nil
}
