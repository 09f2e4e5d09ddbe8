package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailgate/mailgate/internal/allocation"
	"github.com/mailgate/mailgate/internal/ledger"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/store"
)

// PoolHandler serves operator endpoints over the resource pool, direct
// allocation and the usage ledger.
type PoolHandler struct {
	store  *store.Store
	engine *allocation.Engine
	ledger *ledger.Ledger
}

// NewPoolHandler creates a new PoolHandler.
func NewPoolHandler(s *store.Store, engine *allocation.Engine, l *ledger.Ledger) *PoolHandler {
	return &PoolHandler{store: s, engine: engine, ledger: l}
}

type allocateRequest struct {
	RequesterID string `json:"requester_id"`
	IMAP        int    `json:"imap"`
	Graph       int    `json:"graph"`
	Any         int    `json:"any"`
}

type addResourcesRequest struct {
	Resources []model.EmailResource `json:"resources"`
}

// Stats returns per-protocol pool counts.
// GET /api/v1/pool
func (h *PoolHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.PoolStats(r.Context())
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: stats,
		Meta:     &model.ResponseMeta{Count: len(stats)},
	})
}

// ListResources lists pool resources. Query parameters: protocol,
// owner, unassigned, limit.
// GET /api/v1/pool/resources
func (h *PoolHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	f := store.ResourceFilter{
		OwnerID:    r.URL.Query().Get("owner"),
		Unassigned: queryBool(r, "unassigned"),
		Limit:      clampInt(queryInt(r, "limit", 100), 1, 1000),
	}
	if p := r.URL.Query().Get("protocol"); p != "" {
		proto, err := model.ParseProtocol(p)
		if err != nil {
			writeKindError(w, err, nil)
			return
		}
		f.Protocol = proto
	}

	res, err := h.store.ListResources(r.Context(), f)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	if res == nil {
		res = []model.EmailResource{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: res,
		Meta:     &model.ResponseMeta{Count: len(res)},
	})
}

// AddResources adds mailboxes to the pool. Addresses already present are
// skipped.
// POST /api/v1/pool/resources
func (h *PoolHandler) AddResources(w http.ResponseWriter, r *http.Request) {
	var req addResourcesRequest
	if err := readJSON(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	added, err := h.store.AddResources(r.Context(), req.Resources)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{
		"added":   added,
		"skipped": len(req.Resources) - added,
	})
}

// Ban excludes a mailbox from allocation.
// POST /api/v1/pool/resources/{address}/ban
func (h *PoolHandler) Ban(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, true)
}

// Unban makes a mailbox eligible for allocation again.
// POST /api/v1/pool/resources/{address}/unban
func (h *PoolHandler) Unban(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, false)
}

func (h *PoolHandler) setBanned(w http.ResponseWriter, r *http.Request, banned bool) {
	address := chi.URLParam(r, "address")
	if err := h.store.SetBanned(r.Context(), address, banned); err != nil {
		writeKindError(w, err, map[string]interface{}{"address": address})
		return
	}
	res, err := h.store.GetResource(r.Context(), address)
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Allocate binds resources to a requester directly, without a token.
// POST /api/v1/allocations
func (h *PoolHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := readJSON(r, &req); err != nil {
		writeKindError(w, err, nil)
		return
	}
	res, err := h.engine.Allocate(r.Context(), req.RequesterID, allocation.Quotas{
		IMAP:  req.IMAP,
		Graph: req.Graph,
		Any:   req.Any,
	})
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// LedgerEntries returns the usage entries recorded for a card key or invite
// ID.
// GET /api/v1/ledger/{subject}
func (h *PoolHandler) LedgerEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Entries(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		writeKindError(w, err, nil)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: entries,
		Meta:     &model.ResponseMeta{Count: len(entries)},
	})
}
