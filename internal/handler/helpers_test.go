package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/service"
	"github.com/mailgate/mailgate/internal/store"
)

// ---------------------------------------------------------------------------
// queryInt tests
// ---------------------------------------------------------------------------

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		key        string
		defaultVal int
		want       int
	}{
		{"returns default for missing param", "/test", "limit", 25, 25},
		{"parses integer param", "/test?limit=100", "limit", 25, 100},
		{"returns default for non-integer", "/test?limit=abc", "limit", 25, 25},
		{"parses zero", "/test?limit=0", "limit", 10, 0},
		{"returns default for empty value", "/test?limit=", "limit", 25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if got := queryInt(r, tt.key, tt.defaultVal); got != tt.want {
				t.Errorf("queryInt(%q, %d) = %d, want %d", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// queryBool tests
// ---------------------------------------------------------------------------

func TestQueryBool(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"/test?unassigned=true", true},
		{"/test?unassigned=1", true},
		{"/test?unassigned=false", false},
		{"/test", false},
		{"/test?unassigned=", false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest("GET", tt.url, nil)
		if got := queryBool(r, "unassigned"); got != tt.want {
			t.Errorf("queryBool(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		val, lo, hi, want int
	}{
		{50, 0, 100, 50},
		{-5, 0, 100, 0},
		{500, 0, 100, 100},
	}
	for _, tt := range tests {
		if got := clampInt(tt.val, tt.lo, tt.hi); got != tt.want {
			t.Errorf("clampInt(%d, %d, %d) = %d, want %d", tt.val, tt.lo, tt.hi, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrMalformedToken, http.StatusBadRequest},
		{model.ErrDecodeFailure, http.StatusBadRequest},
		{model.ErrInvalidParams, http.StatusBadRequest},
		{model.ErrIntegrityFailure, http.StatusUnprocessableEntity},
		{model.ErrAlreadyUsed, http.StatusConflict},
		{model.ErrExpired, http.StatusGone},
		{model.ErrQuotaExhausted, http.StatusTooManyRequests},
		{model.ErrMethodNotAllowed, http.StatusForbidden},
		{model.ErrTrialNotEnabled, http.StatusForbidden},
		{model.ErrInsufficientResources, http.StatusServiceUnavailable},
		{model.StoreError("ping", errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(model.KindOf(tt.err)), func(t *testing.T) {
			if got := statusForKind(model.KindOf(tt.err)); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var resp model.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp.Error
}

func TestWriteKindError(t *testing.T) {
	t.Run("taxonomy error", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeKindError(w, fmt.Errorf("card key abc: %w", model.ErrAlreadyUsed), map[string]interface{}{"short_id": "abc"})

		if w.Code != http.StatusConflict {
			t.Errorf("status = %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %s", ct)
		}
		d := decodeError(t, w)
		if d.Kind != model.KindAlreadyUsed || d.Retryable || d.Context["short_id"] != "abc" {
			t.Errorf("detail = %+v", d)
		}
	})

	t.Run("allocation after consume", func(t *testing.T) {
		w := httptest.NewRecorder()
		short := &model.InsufficientResourcesError{Protocol: model.ProtocolIMAP, Needed: 2, Available: 1}
		writeKindError(w, &service.AllocationError{RequesterID: "alice", Err: short}, nil)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d", w.Code)
		}
		d := decodeError(t, w)
		if !d.Retryable || d.Context["token_consumed"] != true || d.Context["requester_id"] != "alice" {
			t.Errorf("detail = %+v", d)
		}
		if d.Context["protocol"] != "IMAP" || d.Context["needed"] != float64(2) || d.Context["available"] != float64(1) {
			t.Errorf("shortage context = %+v", d.Context)
		}
	})

	t.Run("not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeKindError(w, store.ErrNotFound, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("unknown errors are not leaked", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeKindError(w, errors.New("dial tcp 10.0.0.5:5432: secret detail"), nil)
		if w.Code != http.StatusInternalServerError || strings.Contains(w.Body.String(), "secret detail") {
			t.Errorf("got %d %s", w.Code, w.Body.String())
		}
	})
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"hello":"world"`) {
		t.Errorf("expected JSON body, got: %s", w.Body.String())
	}
}

func TestReadJSONInvalidBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader("{not json"))
	var v map[string]string
	if err := readJSON(r, &v); !errors.Is(err, model.ErrInvalidParams) {
		t.Errorf("got %v, want ErrInvalidParams", err)
	}
}
