package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailgate/mailgate/internal/invite"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/server/middleware"
	"github.com/mailgate/mailgate/internal/service"
)

// InviteHandler serves invite issuance, verification, registration and trials.
type InviteHandler struct {
	gw *service.Gateway
}

// NewInviteHandler creates a new InviteHandler.
func NewInviteHandler(gw *service.Gateway) *InviteHandler {
	return &InviteHandler{gw: gw}
}

type issueInviteRequest struct {
	IMAPCount              int      `json:"imap_count"`
	GraphCount             int      `json:"graph_count"`
	MaxRegistrations       int      `json:"max_registrations"`
	ValidDays              int      `json:"valid_days"`
	Methods                []string `json:"methods"`
	AllowBatchAddEmails    bool     `json:"allow_batch_add_emails"`
	AutoCreateTrialAccount bool     `json:"auto_create_trial_account"`
}

type issueInviteResponse struct {
	Token  string        `json:"token"`
	Invite invite.Invite `json:"invite"`
}

type verifyInviteResponse struct {
	Valid     bool          `json:"valid"`
	CanUse    bool          `json:"can_use"`
	Reason    model.Kind    `json:"reason,omitempty"`
	Invite    invite.Invite `json:"invite"`
	Used      int           `json:"used"`
	Remaining int           `json:"remaining"`
}

type redeemRequest struct {
	Token       string `json:"token"`
	RequesterID string `json:"requester_id"`
	Method      string `json:"method"`
}

// Issue mints an invite. The authenticated operator is recorded as creator.
// POST /api/v1/invites
func (h *InviteHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueInviteRequest
	if err := readJSON(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	methods, err := invite.ParseMethods(req.Methods)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}

	p := invite.Params{
		IMAPCount:              req.IMAPCount,
		GraphCount:             req.GraphCount,
		MaxRegistrations:       req.MaxRegistrations,
		ValidDays:              req.ValidDays,
		Methods:                methods,
		AllowBatchAddEmails:    req.AllowBatchAddEmails,
		AutoCreateTrialAccount: req.AutoCreateTrialAccount,
	}
	if principal := middleware.GetPrincipal(r.Context()); principal != nil {
		p.CreatedBy = principal.Subject
	}

	tok, err := h.gw.Invites().Issue(r.Context(), p)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	inv, err := h.gw.Invites().Decode(tok)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, issueInviteResponse{Token: tok, Invite: inv})
}

// Verify reports an invite's state without consuming it. Expired and
// exhausted invites are answered with 200 and can_use=false.
// GET /api/v1/invites/{token}
func (h *InviteHandler) Verify(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")

	vr, err := h.gw.Invites().Verify(r.Context(), tok)
	if err != nil && !vr.Valid {
		writeKindError(w, err, nil)
		return
	}
	switch kind := model.KindOf(err); kind {
	case model.KindNone, model.KindExpired, model.KindQuotaExhausted:
		writeJSON(w, http.StatusOK, verifyInviteResponse{
			Valid:     vr.Valid,
			CanUse:    vr.CanUse,
			Reason:    kind,
			Invite:    vr.Invite,
			Used:      vr.Used,
			Remaining: vr.Remaining,
		})
	default:
		writeKindError(w, err, nil)
	}
}

// Redeem registers a requester with an invite and allocates its quotas.
// POST /api/v1/invites/redeem
func (h *InviteHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := readJSON(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	res, err := h.gw.RegisterWithInvite(r.Context(), req.Token, req.RequesterID, req.Method)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Trial creates a trial account from an invite that allows it. A
// requester_id from an earlier trial response resumes that trial.
// POST /api/v1/invites/trial
func (h *InviteHandler) Trial(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := readJSON(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	res, err := h.gw.StartTrial(r.Context(), req.Token, req.RequesterID)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
