// Package redisledger implements ledger.Store on Redis for deployments that
// keep the usage ledger outside the SQL database.
//
// A card-key use is a SET NX on one key. Invite registrations are appended
// to a list by a Lua script that compares LLEN with the bound first, so the
// check and the append are one atomic step on the server.
package redisledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/model"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "mailgate:ledger:"

var _ ledger.Store = (*Store)(nil)

var appendBounded = redis.NewScript(`
	local n = redis.call('LLEN', KEYS[1])
	if n >= tonumber(ARGV[2]) then
		return {0, n}
	end
	n = redis.call('RPUSH', KEYS[1], ARGV[1])
	return {1, n}
`)

// Store is a Redis-backed ledger store.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Store. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) cardKey(key string) string  { return s.prefix + "ck:" + key }
func (s *Store) inviteKey(id string) string { return s.prefix + "iv:" + id }

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return model.StoreError("redis ping", s.client.Ping(ctx).Err())
}

// InsertCardKeyUse stores the entry under the card key unless one exists.
func (s *Store) InsertCardKeyUse(ctx context.Context, e model.LedgerEntry) (bool, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode entry: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.cardKey(e.SubjectID), b, 0).Result()
	if err != nil {
		return false, model.StoreError("redis ledger: insert card key use", err)
	}
	return ok, nil
}

// CountAndInsertInviteUse appends the entry while the invite list is shorter
// than limit.
func (s *Store) CountAndInsertInviteUse(ctx context.Context, e model.LedgerEntry, limit int) (bool, int, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return false, 0, fmt.Errorf("encode entry: %w", err)
	}

	result, err := appendBounded.Run(ctx, s.client, []string{s.inviteKey(e.SubjectID)}, b, limit).Result()
	if err != nil {
		return false, 0, model.StoreError("redis ledger: append invite use", err)
	}

	arr, ok := result.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, model.StoreError("redis ledger: append invite use", errors.New("unexpected script result"))
	}
	inserted, ok1 := arr[0].(int64)
	count, ok2 := arr[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, model.StoreError("redis ledger: append invite use", errors.New("unexpected script result"))
	}
	return inserted == 1, int(count), nil
}

// CountInviteUses returns the length of the invite's list.
func (s *Store) CountInviteUses(ctx context.Context, inviteID string) (int, error) {
	n, err := s.client.LLen(ctx, s.inviteKey(inviteID)).Result()
	if err != nil {
		return 0, model.StoreError("redis ledger: count invite uses", err)
	}
	return int(n), nil
}

// ListEntries returns the card-key entry and invite entries for subjectID,
// oldest first.
func (s *Store) ListEntries(ctx context.Context, subjectID string) ([]model.LedgerEntry, error) {
	var raw []string

	v, err := s.client.Get(ctx, s.cardKey(subjectID)).Result()
	switch {
	case err == nil:
		raw = append(raw, v)
	case errors.Is(err, redis.Nil):
	default:
		return nil, model.StoreError("redis ledger: get card key use", err)
	}

	items, err := s.client.LRange(ctx, s.inviteKey(subjectID), 0, -1).Result()
	if err != nil {
		return nil, model.StoreError("redis ledger: list invite uses", err)
	}
	raw = append(raw, items...)

	out := make([]model.LedgerEntry, 0, len(raw))
	for _, r := range raw {
		var e model.LedgerEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("redis ledger: decode entry: %w", err)
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UsedAt != out[j].UsedAt {
			return out[i].UsedAt < out[j].UsedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
