package redisledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/model"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, ""), mr
}

func TestInsertCardKeyUseOnce(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	e := model.LedgerEntry{ID: "e1", SubjectID: "CKkey", UsedAt: 10, UsedBy: "alice"}
	ok, err := s.InsertCardKeyUse(ctx, e)
	if err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	e.ID = "e2"
	ok, err = s.InsertCardKeyUse(ctx, e)
	if err != nil || ok {
		t.Fatalf("second insert = %v, %v", ok, err)
	}

	if !mr.Exists(DefaultPrefix + "ck:CKkey") {
		t.Error("expected the card key to be stored under the default prefix")
	}

	entries, err := s.ListEntries(ctx, "CKkey")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestCountAndInsertInviteUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		e := model.LedgerEntry{ID: fmt.Sprintf("u%d", i), SubjectID: "inv", UsedAt: int64(10 - i), Method: "google"}
		ok, count, err := s.CountAndInsertInviteUse(ctx, e, 2)
		if err != nil {
			t.Fatalf("#%d: %v", i, err)
		}
		if ok != (i <= 2) || count != min(i, 2) {
			t.Errorf("#%d = (%v, %d)", i, ok, count)
		}
	}

	n, err := s.CountInviteUses(ctx, "inv")
	if err != nil {
		t.Fatalf("CountInviteUses: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	entries, err := s.ListEntries(ctx, "inv")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "u2" || entries[1].ID != "u1" {
		t.Errorf("entries not ordered by use time: %+v", entries)
	}
}

func TestLedgerOverRedisConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	l := ledger.New(s)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			use, err := l.TryRecordInviteUse(ctx, "inv42", 3, fmt.Sprintf("user%d", i), "other")
			if err != nil {
				t.Errorf("TryRecordInviteUse: %v", err)
				return
			}
			if use.Inserted {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := wins.Load(); got != 3 {
		t.Errorf("wins = %d, want 3", got)
	}
}

func TestServerDownIsStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.InsertCardKeyUse(context.Background(), model.LedgerEntry{ID: "x", SubjectID: "k"})
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("got %v, want ErrStoreUnavailable", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("Ping = %v, want ErrStoreUnavailable", err)
	}
}
