package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailgate/mailgate/internal/model"
)

// resourceColumns reads owner_id as '' when the resource is unassigned.
const resourceColumns = `address, protocol, COALESCE(owner_id, '') AS owner_id, banned,
	password, client_id, refresh_token, created_at, claimed_at`

// ---------------------------------------------------------------------------
// Pool administration
// ---------------------------------------------------------------------------

// AddResources inserts resources into the pool as unassigned. Addresses that
// already exist are skipped. It returns how many rows were inserted.
func (s *Store) AddResources(ctx context.Context, resources []model.EmailResource) (int, error) {
	for _, r := range resources {
		if !validAddress(r.Address) {
			return 0, fmt.Errorf("%w: invalid address %q", model.ErrInvalidParams, r.Address)
		}
		if r.Protocol != model.ProtocolIMAP && r.Protocol != model.ProtocolGraph {
			return 0, fmt.Errorf("%w: resource %s has protocol %q", model.ErrInvalidParams, r.Address, r.Protocol)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, model.StoreError("begin add resources", err)
	}
	defer tx.Rollback()

	q := s.rebind(s.dialect.insertIgnore("email_resources",
		"address, protocol, banned, password, client_id, refresh_token, created_at"))
	now := time.Now().Unix()
	added := 0
	for _, r := range resources {
		created := r.CreatedAt
		if created == 0 {
			created = now
		}
		res, err := tx.ExecContext(ctx, q, r.Address, string(r.Protocol), boolToInt(r.Banned),
			r.Password, r.ClientID, r.RefreshToken, created)
		if err != nil {
			return 0, model.StoreError("insert resource", err)
		}
		if ok, err := affected(res); err != nil {
			return 0, model.StoreError("insert resource", err)
		} else if ok {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, model.StoreError("commit add resources", err)
	}
	return added, nil
}

// ResourceFilter narrows ListResources. Zero values match everything.
type ResourceFilter struct {
	Protocol   model.Protocol
	OwnerID    string
	Unassigned bool
	Banned     *bool
	Limit      int
}

// ListResources returns pool resources ordered by address.
func (s *Store) ListResources(ctx context.Context, f ResourceFilter) ([]model.EmailResource, error) {
	var where []string
	var args []interface{}
	if f.Protocol != "" {
		where = append(where, "protocol = ?")
		args = append(args, string(f.Protocol))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Unassigned {
		where = append(where, "owner_id IS NULL")
	}
	if f.Banned != nil {
		where = append(where, "banned = ?")
		args = append(args, boolToInt(*f.Banned))
	}

	q := "SELECT " + resourceColumns + " FROM email_resources"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY address"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []model.EmailResource
	if err := s.db.SelectContext(ctx, &out, s.rebind(q), args...); err != nil {
		return nil, model.StoreError("list resources", err)
	}
	return out, nil
}

// GetResource returns one resource by address.
func (s *Store) GetResource(ctx context.Context, address string) (*model.EmailResource, error) {
	var r model.EmailResource
	q := s.rebind("SELECT " + resourceColumns + " FROM email_resources WHERE address = ?")
	if err := s.db.GetContext(ctx, &r, q, address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, model.StoreError("get resource", err)
	}
	return &r, nil
}

// SetBanned flags or clears a resource's banned flag. Ownership is left as
// is: a banned resource keeps its owner but is no longer handed out.
func (s *Store) SetBanned(ctx context.Context, address string, banned bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE email_resources SET banned = ? WHERE address = ?"),
		boolToInt(banned), address)
	if err != nil {
		return model.StoreError("set banned", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.StoreError("set banned", err)
	}
	if n == 0 {
		// MySQL reports 0 for an unchanged row, so check existence.
		if _, err := s.GetResource(ctx, address); err != nil {
			return err
		}
	}
	return nil
}

// PoolStats returns per-protocol counts. Both protocols are always present.
func (s *Store) PoolStats(ctx context.Context) ([]model.PoolStats, error) {
	const q = `SELECT protocol,
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN owner_id IS NULL AND banned = 0 THEN 1 ELSE 0 END), 0) AS unassigned,
		COALESCE(SUM(CASE WHEN banned <> 0 THEN 1 ELSE 0 END), 0) AS banned
		FROM email_resources GROUP BY protocol ORDER BY protocol`

	var rows []model.PoolStats
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, model.StoreError("pool stats", err)
	}

	byProto := make(map[model.Protocol]model.PoolStats, len(rows))
	for _, r := range rows {
		byProto[r.Protocol] = r
	}
	out := make([]model.PoolStats, 0, 2)
	for _, p := range []model.Protocol{model.ProtocolGraph, model.ProtocolIMAP} {
		st := byProto[p]
		st.Protocol = p
		out = append(out, st)
	}
	return out, nil
}

// ListOwnedBy returns the non-banned resources bound to ownerID.
func (s *Store) ListOwnedBy(ctx context.Context, ownerID string) ([]model.EmailResource, error) {
	return listOwnedBy(ctx, s.db, ownerID)
}

func listOwnedBy(ctx context.Context, q queryer, ownerID string) ([]model.EmailResource, error) {
	var out []model.EmailResource
	query := q.Rebind("SELECT " + resourceColumns +
		" FROM email_resources WHERE owner_id = ? AND banned = 0 ORDER BY protocol, address")
	if err := q.SelectContext(ctx, &out, query, ownerID); err != nil {
		return nil, model.StoreError("list owned resources", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
