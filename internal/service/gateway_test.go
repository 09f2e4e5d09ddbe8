package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mailgate/mailgate/internal/allocation"
	"github.com/mailgate/mailgate/internal/cardkey"
	"github.com/mailgate/mailgate/internal/codec"
	"github.com/mailgate/mailgate/internal/invite"
	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/store"
	"github.com/mailgate/mailgate/internal/token"
)

func newTestGateway(t *testing.T, imap, graph int) (*Gateway, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open("sqlite", "")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var pool []model.EmailResource
	for i := 0; i < imap; i++ {
		pool = append(pool, model.EmailResource{Address: fmt.Sprintf("imap%02d@example.com", i), Protocol: model.ProtocolIMAP})
	}
	for i := 0; i < graph; i++ {
		pool = append(pool, model.EmailResource{Address: fmt.Sprintf("graph%02d@example.com", i), Protocol: model.ProtocolGraph})
	}
	if len(pool) > 0 {
		if _, err := st.AddResources(context.Background(), pool); err != nil {
			t.Fatalf("AddResources: %v", err)
		}
	}

	c, err := codec.New([]byte("gateway-secret"))
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	env := token.NewEnvelope(c)
	l := ledger.New(st)
	g := NewGateway(
		cardkey.NewService(env, l, logger),
		invite.NewService(env, l, logger),
		allocation.NewEngine(st, allocation.DefaultConfig(), logger),
		logger,
	)
	return g, st
}

func countByProtocol(res []model.EmailResource) map[model.Protocol]int {
	m := map[model.Protocol]int{}
	for _, r := range res {
		m[r.Protocol]++
	}
	return m
}

func TestLoginWithCardKey(t *testing.T) {
	g, _ := newTestGateway(t, 2, 2)
	ctx := context.Background()

	tok, err := g.CardKeys().Issue(ctx, cardkey.Params{Source: cardkey.SourceChannelA, EmailCount: 3, Duration: cardkey.DurationLong})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	res, err := g.LoginWithCardKey(ctx, tok, "alice")
	if err != nil {
		t.Fatalf("LoginWithCardKey: %v", err)
	}
	got := countByProtocol(res.Allocation.Resources)
	if got[model.ProtocolGraph] != 2 || got[model.ProtocolIMAP] != 1 {
		t.Errorf("allocated %v, want 2 GRAPH then 1 IMAP", got)
	}
	for _, r := range res.Allocation.Resources {
		if r.OwnerID != "alice" {
			t.Errorf("%s owned by %q", r.Address, r.OwnerID)
		}
	}

	again, err := g.LoginWithCardKey(ctx, tok, "alice")
	if err != nil {
		t.Fatalf("repeat login by the consumer: %v", err)
	}
	if !again.Allocation.Existing || len(again.Allocation.Resources) != 3 {
		t.Errorf("repeat login = %+v, want the existing allocation", again.Allocation)
	}

	if _, err := g.LoginWithCardKey(ctx, tok, "bob"); !errors.Is(err, model.ErrAlreadyUsed) {
		t.Errorf("replay by another requester = %v, want ErrAlreadyUsed", err)
	}
}

func addGraph(t *testing.T, st *store.Store, addrs ...string) {
	t.Helper()
	var pool []model.EmailResource
	for _, a := range addrs {
		pool = append(pool, model.EmailResource{Address: a, Protocol: model.ProtocolGraph})
	}
	if _, err := st.AddResources(context.Background(), pool); err != nil {
		t.Fatalf("AddResources: %v", err)
	}
}

func TestLoginRetryAfterShortage(t *testing.T) {
	g, st := newTestGateway(t, 0, 0)
	ctx := context.Background()

	tok, err := g.CardKeys().Issue(ctx, cardkey.Params{Source: cardkey.SourceChannelB, EmailCount: 1, Duration: cardkey.DurationShort})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = g.LoginWithCardKey(ctx, tok, "alice")
	if !errors.Is(err, model.ErrInsufficientResources) || !model.Retryable(err) {
		t.Fatalf("login on empty pool = %v, want retryable ErrInsufficientResources", err)
	}
	if owner, err := g.CardKeys().ConsumedBy(ctx, tok); err != nil || owner != "alice" {
		t.Fatalf("ConsumedBy = %q, %v", owner, err)
	}

	addGraph(t, st, "refill@example.com")
	res, err := g.LoginWithCardKey(ctx, tok, "alice")
	if err != nil {
		t.Fatalf("retry after refill: %v", err)
	}
	if len(res.Allocation.Resources) != 1 || res.Allocation.Existing {
		t.Errorf("retry allocation = %+v", res.Allocation)
	}

	entries, err := ledger.New(st).Entries(ctx, tok)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("ledger has %d entries for the key, want 1", len(entries))
	}
	if _, err := g.LoginWithCardKey(ctx, tok, "mallory"); !errors.Is(err, model.ErrAlreadyUsed) {
		t.Errorf("other requester = %v, want ErrAlreadyUsed", err)
	}
}

func TestLoginWithReusableCardKeyIsIdempotent(t *testing.T) {
	g, _ := newTestGateway(t, 0, 3)
	ctx := context.Background()

	tok, err := g.CardKeys().Issue(ctx, cardkey.Params{Source: cardkey.SourceInternal, EmailCount: 2, Duration: cardkey.DurationShort, Reusable: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	first, err := g.LoginWithCardKey(ctx, tok, "bob")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, err := g.LoginWithCardKey(ctx, tok, "bob")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if !second.Allocation.Existing || len(second.Allocation.Resources) != len(first.Allocation.Resources) {
		t.Errorf("second login = %+v, want the existing allocation", second.Allocation)
	}
}

func TestRegisterWithInvite(t *testing.T) {
	g, _ := newTestGateway(t, 1, 1)
	ctx := context.Background()

	tok, err := g.Invites().Issue(ctx, invite.Params{IMAPCount: 1, GraphCount: 1, MaxRegistrations: 1, ValidDays: 7})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	res, err := g.RegisterWithInvite(ctx, tok, "carol", "google")
	if err != nil {
		t.Fatalf("RegisterWithInvite: %v", err)
	}
	got := countByProtocol(res.Allocation.Resources)
	if got[model.ProtocolIMAP] != 1 || got[model.ProtocolGraph] != 1 {
		t.Errorf("allocated %v", got)
	}
	if res.CountAfter != 1 || res.Remaining != 0 {
		t.Errorf("count after %d remaining %d", res.CountAfter, res.Remaining)
	}

	if _, err := g.RegisterWithInvite(ctx, tok, "dave", "google"); !errors.Is(err, model.ErrQuotaExhausted) {
		t.Errorf("second registration = %v, want ErrQuotaExhausted", err)
	}
}

func TestAllocationFailureAfterRedeem(t *testing.T) {
	g, _ := newTestGateway(t, 0, 1)
	ctx := context.Background()

	tok, err := g.Invites().Issue(ctx, invite.Params{IMAPCount: 1, MaxRegistrations: 2, ValidDays: 1})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	res, err := g.RegisterWithInvite(ctx, tok, "erin", "other")

	var ae *AllocationError
	if !errors.As(err, &ae) {
		t.Fatalf("got %v, want *AllocationError", err)
	}
	if ae.RequesterID != "erin" || !errors.Is(err, model.ErrInsufficientResources) {
		t.Errorf("AllocationError = %+v", ae)
	}
	if res.CountAfter != 1 || len(res.Allocation.Resources) != 0 {
		t.Errorf("result = %+v, want the redemption without resources", res)
	}
}

func TestRegisterRetryAfterShortage(t *testing.T) {
	g, st := newTestGateway(t, 0, 0)
	ctx := context.Background()

	tok, err := g.Invites().Issue(ctx, invite.Params{GraphCount: 1, MaxRegistrations: 2, ValidDays: 1})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	inv, _ := g.Invites().Decode(tok)
	l := ledger.New(st)

	if _, err := g.RegisterWithInvite(ctx, tok, "erin", "linuxdo"); !errors.Is(err, model.ErrInsufficientResources) {
		t.Fatalf("register on empty pool = %v, want ErrInsufficientResources", err)
	}

	addGraph(t, st, "g1@example.com")
	res, err := g.RegisterWithInvite(ctx, tok, "erin", "linuxdo")
	if err != nil {
		t.Fatalf("retry after refill: %v", err)
	}
	if !res.Resumed || res.CountAfter != 1 || res.Remaining != 1 {
		t.Errorf("retry = %+v, want resumed with one slot used", res)
	}
	if len(res.Allocation.Resources) != 1 {
		t.Errorf("retry allocated %d mailboxes", len(res.Allocation.Resources))
	}
	if n, _ := l.InviteUseCount(ctx, inv.ID); n != 1 {
		t.Errorf("invite use count = %d, want 1", n)
	}

	again, err := g.RegisterWithInvite(ctx, tok, "erin", "linuxdo")
	if err != nil {
		t.Fatalf("repeat registration: %v", err)
	}
	if !again.Allocation.Existing {
		t.Errorf("repeat registration = %+v, want the existing allocation", again.Allocation)
	}
	if n, _ := l.InviteUseCount(ctx, inv.ID); n != 1 {
		t.Errorf("invite use count after repeat = %d, want 1", n)
	}
}

func TestResumeTrialAfterShortage(t *testing.T) {
	g, st := newTestGateway(t, 0, 0)
	ctx := context.Background()

	tok, err := g.Invites().Issue(ctx, invite.Params{GraphCount: 1, MaxRegistrations: 1, ValidDays: 1, AutoCreateTrialAccount: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = g.StartTrial(ctx, tok, "")
	var ae *AllocationError
	if !errors.As(err, &ae) || !errors.Is(err, model.ErrInsufficientResources) {
		t.Fatalf("trial on empty pool = %v, want *AllocationError", err)
	}
	if !strings.HasPrefix(ae.RequesterID, TrialPrefix) {
		t.Fatalf("trial identity %q", ae.RequesterID)
	}

	if _, err := g.StartTrial(ctx, tok, TrialPrefix+"unknown"); !errors.Is(err, model.ErrInvalidParams) {
		t.Errorf("resume of unknown trial = %v, want ErrInvalidParams", err)
	}

	addGraph(t, st, "g1@example.com")
	res, err := g.StartTrial(ctx, tok, ae.RequesterID)
	if err != nil {
		t.Fatalf("resume after refill: %v", err)
	}
	if res.RequesterID != ae.RequesterID || !res.Resumed || res.CountAfter != 1 {
		t.Errorf("resume = %+v", res)
	}
	if len(res.Allocation.Resources) != 1 || res.Allocation.Resources[0].OwnerID != ae.RequesterID {
		t.Errorf("resume allocation = %+v", res.Allocation)
	}

	if _, err := g.StartTrial(ctx, tok, ""); !errors.Is(err, model.ErrQuotaExhausted) {
		t.Errorf("new trial on exhausted invite = %v, want ErrQuotaExhausted", err)
	}
}

func TestStartTrial(t *testing.T) {
	g, _ := newTestGateway(t, 0, 2)
	ctx := context.Background()

	trial, err := g.Invites().Issue(ctx, invite.Params{GraphCount: 1, MaxRegistrations: 2, ValidDays: 1, AutoCreateTrialAccount: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	a, err := g.StartTrial(ctx, trial, "")
	if err != nil {
		t.Fatalf("StartTrial: %v", err)
	}
	b, err := g.StartTrial(ctx, trial, "")
	if err != nil {
		t.Fatalf("second StartTrial: %v", err)
	}
	if !strings.HasPrefix(a.RequesterID, TrialPrefix) || a.RequesterID == b.RequesterID {
		t.Errorf("trial identities %q and %q", a.RequesterID, b.RequesterID)
	}
	if len(a.Allocation.Resources) != 1 || len(b.Allocation.Resources) != 1 {
		t.Errorf("allocations %+v %+v", a.Allocation, b.Allocation)
	}
	if _, err := g.StartTrial(ctx, trial, ""); !errors.Is(err, model.ErrQuotaExhausted) {
		t.Errorf("third StartTrial = %v, want ErrQuotaExhausted", err)
	}

	normal, err := g.Invites().Issue(ctx, invite.Params{GraphCount: 1, MaxRegistrations: 2, ValidDays: 1})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := g.StartTrial(ctx, normal, ""); !errors.Is(err, model.ErrTrialNotEnabled) {
		t.Errorf("StartTrial on normal invite = %v, want ErrTrialNotEnabled", err)
	}
}

func TestGatewayRejectsEmptyRequester(t *testing.T) {
	g, _ := newTestGateway(t, 1, 1)
	ctx := context.Background()
	if _, err := g.LoginWithCardKey(ctx, "CKanything", ""); !errors.Is(err, model.ErrInvalidParams) {
		t.Errorf("LoginWithCardKey = %v", err)
	}
	if _, err := g.RegisterWithInvite(ctx, "IVanything", "", "google"); !errors.Is(err, model.ErrInvalidParams) {
		t.Errorf("RegisterWithInvite = %v", err)
	}
}
