package handler

import (
	"fmt"
	"net/http"

	"github.com/mailgate/mailgate/internal/cardkey"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/service"
)

// MaxBatchIssue bounds how many card keys one issue request may mint.
const MaxBatchIssue = 1000

// CardKeyHandler serves card-key issuance, verification and login.
type CardKeyHandler struct {
	gw *service.Gateway
}

// NewCardKeyHandler creates a new CardKeyHandler.
func NewCardKeyHandler(gw *service.Gateway) *CardKeyHandler {
	return &CardKeyHandler{gw: gw}
}

type issueCardKeyRequest struct {
	Source       string `json:"source"`
	CustomSource string `json:"custom_source"`
	EmailCount   int    `json:"email_count"`
	Duration     string `json:"duration"`
	Reusable     bool   `json:"reusable"`
	Count        int    `json:"count"`
}

type tokenRequest struct {
	Token       string `json:"token"`
	RequesterID string `json:"requester_id"`
}

type verifyCardKeyResponse struct {
	Valid   bool            `json:"valid"`
	CardKey cardkey.CardKey `json:"card_key"`
}

// Issue mints one or more card keys.
// POST /api/v1/card-keys
func (h *CardKeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueCardKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 1 || req.Count > MaxBatchIssue {
		writeKindError(w, fmt.Errorf("%w: count must be 1 to %d", model.ErrInvalidParams, MaxBatchIssue), nil)
		return
	}
	if req.Duration == "" {
		req.Duration = string(cardkey.DurationShort)
	}

	p := cardkey.Params{
		Source:       cardkey.Source(req.Source),
		CustomSource: req.CustomSource,
		EmailCount:   req.EmailCount,
		Duration:     cardkey.Duration(req.Duration),
		Reusable:     req.Reusable,
	}

	keys := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		tok, err := h.gw.CardKeys().Issue(r.Context(), p)
		if err != nil {
			writeKindError(w, err, nil)
			return
		}
		keys = append(keys, tok)
	}

	writeJSON(w, http.StatusCreated, model.ListResponse{
		Resource: keys,
		Meta:     &model.ResponseMeta{Count: len(keys)},
	})
}

// Verify checks a card key and consumes it when it is one-time.
// POST /api/v1/card-keys/verify
func (h *CardKeyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := readJSON(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}

	vr, err := h.gw.CardKeys().Verify(r.Context(), req.Token, req.RequesterID)
	if err != nil {
		var ctx map[string]interface{}
		if vr.Key.ShortID != "" {
			ctx = map[string]interface{}{"short_id": vr.Key.ShortID}
		}
		writeKindError(w, err, ctx)
		return
	}
	writeJSON(w, http.StatusOK, verifyCardKeyResponse{Valid: vr.Valid, CardKey: vr.Key})
}

// Login verifies a card key and allocates its mailboxes to the requester.
// POST /api/v1/card-keys/login
func (h *CardKeyHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := readJSON(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}

	res, err := h.gw.LoginWithCardKey(r.Context(), req.Token, req.RequesterID)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
