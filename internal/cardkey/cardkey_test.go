package cardkey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailgate/mailgate/internal/codec"
	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/store"
	"github.com/mailgate/mailgate/internal/token"
)

type testEnv struct {
	svc    *Service
	env    *token.Envelope
	ledger *ledger.Ledger
}

func newTestService(t *testing.T) testEnv {
	t.Helper()
	c, err := codec.New([]byte("card-secret"))
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	st, err := store.Open("sqlite", "")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := token.NewEnvelope(c)
	l := ledger.New(st)
	svc := NewService(env, l, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return testEnv{svc: svc, env: env, ledger: l}
}

func TestOneTimeKeyScenario(t *testing.T) {
	te := newTestService(t)
	ctx := context.Background()

	tok, err := te.svc.Issue(ctx, Params{Source: SourceChannelA, EmailCount: 3, Duration: DurationLong})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(tok, Tag) {
		t.Fatalf("token %q missing %s prefix", tok, Tag)
	}

	res, err := te.svc.Verify(ctx, tok, "alice")
	if err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if !res.Valid {
		t.Fatal("first Verify should be valid")
	}
	k := res.Key
	if k.Source != SourceChannelA || k.EmailCount != 3 || k.Duration != DurationLong || k.Reusable {
		t.Errorf("decoded key = %+v", k)
	}
	if k.IssuedAt != 1700000000 || len(k.ShortID) != token.ShortIDLen {
		t.Errorf("decoded key = %+v", k)
	}

	res, err = te.svc.Verify(ctx, tok, "bob")
	if !errors.Is(err, model.ErrAlreadyUsed) {
		t.Fatalf("second Verify = %v, want ErrAlreadyUsed", err)
	}
	if res.Valid || res.Key.ShortID != k.ShortID {
		t.Errorf("replay result = %+v, want invalid with decoded key", res)
	}
}

func TestConsumedBy(t *testing.T) {
	te := newTestService(t)
	ctx := context.Background()

	tok, err := te.svc.Issue(ctx, Params{Source: SourceChannelA, EmailCount: 1, Duration: DurationShort})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if owner, err := te.svc.ConsumedBy(ctx, tok); err != nil || owner != "" {
		t.Fatalf("ConsumedBy before use = %q, %v", owner, err)
	}
	if _, err := te.svc.Verify(ctx, tok, "alice"); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	variant := tok[:2] + strings.ToUpper(tok[2:6]) + tok[6:]
	if owner, err := te.svc.ConsumedBy(ctx, variant); err != nil || owner != "alice" {
		t.Errorf("ConsumedBy = %q, %v, want alice", owner, err)
	}

	reusable, err := te.svc.Issue(ctx, Params{Source: SourceInternal, EmailCount: 1, Duration: DurationShort, Reusable: true})
	if err != nil {
		t.Fatalf("Issue reusable: %v", err)
	}
	te.svc.Verify(ctx, reusable, "bob")
	if owner, _ := te.svc.ConsumedBy(ctx, reusable); owner != "" {
		t.Errorf("reusable key consumed by %q", owner)
	}
}

func TestReusableKeyNeverTouchesLedger(t *testing.T) {
	te := newTestService(t)
	ctx := context.Background()

	tok, err := te.svc.Issue(ctx, Params{Source: SourceInternal, EmailCount: 1, Duration: DurationShort, Reusable: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for i := 0; i < 3; i++ {
		res, err := te.svc.Verify(ctx, tok, fmt.Sprintf("user%d", i))
		if err != nil {
			t.Fatalf("Verify #%d: %v", i+1, err)
		}
		if !res.Valid || !res.Key.Reusable {
			t.Errorf("Verify #%d = %+v", i+1, res)
		}
	}

	entries, err := te.ledger.Entries(ctx, tok)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("reusable key wrote %d ledger entries", len(entries))
	}
}

func TestSpellingVariantsShareLedgerEntry(t *testing.T) {
	te := newTestService(t)
	ctx := context.Background()

	tok, err := te.svc.Issue(ctx, Params{Source: SourceChannelB, EmailCount: 2, Duration: DurationShort})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := te.svc.Verify(ctx, tok, "alice"); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	variant := " " + tok[:2] + strings.ToUpper(tok[2:6]) + tok[6:] + "\n"
	if _, err := te.svc.Verify(ctx, variant, "mallory"); !errors.Is(err, model.ErrAlreadyUsed) {
		t.Errorf("variant Verify = %v, want ErrAlreadyUsed", err)
	}
}

func TestConcurrentVerifyHasOneWinner(t *testing.T) {
	te := newTestService(t)
	ctx := context.Background()
	tok, err := te.svc.Issue(ctx, Params{Source: SourceCustom, CustomSource: "shp", EmailCount: 1, Duration: DurationLong})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const callers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, used := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := te.svc.Verify(ctx, tok, fmt.Sprintf("user%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, model.ErrAlreadyUsed):
				used++
			default:
				t.Errorf("Verify: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || used != callers-1 {
		t.Errorf("wins=%d used=%d, want 1 and %d", wins, used, callers-1)
	}
}

func TestIssueValidation(t *testing.T) {
	te := newTestService(t)
	tests := []struct {
		name string
		p    Params
	}{
		{"zero emails", Params{Source: SourceChannelA, EmailCount: 0, Duration: DurationLong}},
		{"unknown source", Params{Source: "shop", EmailCount: 1, Duration: DurationLong}},
		{"custom without code", Params{Source: SourceCustom, EmailCount: 1, Duration: DurationLong}},
		{"custom code too long", Params{Source: SourceCustom, CustomSource: "abcd", EmailCount: 1, Duration: DurationLong}},
		{"code on fixed source", Params{Source: SourceInternal, CustomSource: "ab", EmailCount: 1, Duration: DurationLong}},
		{"unknown duration", Params{Source: SourceInternal, EmailCount: 1, Duration: "forever"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := te.svc.Issue(context.Background(), tt.p); !errors.Is(err, model.ErrInvalidParams) {
				t.Errorf("got %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	te := newTestService(t)
	ctx := context.Background()
	tok, err := te.svc.Issue(ctx, Params{Source: SourceChannelA, EmailCount: 1, Duration: DurationLong})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	last := tok[len(tok)-1]
	swap := "A"
	if last == 'A' {
		swap = "B"
	}
	tampered := tok[:len(tok)-1] + swap

	broken, err := te.env.Wrap(Tag, wire{S: "a", N: 0, D: "l", T: 1, I: "ABCDEF"})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	tests := []struct {
		name string
		tok  string
		want error
	}{
		{"invite token", "IV" + tok[2:], model.ErrMalformedToken},
		{"truncated", tok[:10], model.ErrMalformedToken},
		{"tampered", tampered, model.ErrIntegrityFailure},
		{"missing field", broken, model.ErrDecodeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := te.svc.Verify(ctx, tt.tok, "alice")
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if res.Valid {
				t.Error("rejected token reported valid")
			}
		})
	}

	// None of the rejected tokens may consume the real key.
	if _, err := te.svc.Verify(ctx, tok, "alice"); err != nil {
		t.Errorf("genuine key should still verify: %v", err)
	}
}

func TestParseHelpers(t *testing.T) {
	if s, err := ParseSource("channel-b"); err != nil || s != SourceChannelB {
		t.Errorf("ParseSource = %q, %v", s, err)
	}
	if _, err := ParseSource("nope"); !errors.Is(err, model.ErrInvalidParams) {
		t.Errorf("ParseSource(nope) = %v", err)
	}
	if d, err := ParseDuration("short"); err != nil || d != DurationShort {
		t.Errorf("ParseDuration = %q, %v", d, err)
	}
	if _, err := ParseDuration("week"); !errors.Is(err, model.ErrInvalidParams) {
		t.Errorf("ParseDuration(week) = %v", err)
	}
}
