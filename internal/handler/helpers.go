package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/server/middleware"
	"github.com/mailgate/mailgate/internal/service"
	"github.com/mailgate/mailgate/internal/store"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeKindError maps err through the error taxonomy to a status code and
// writes the envelope with its kind. ctx is merged into the error context.
func writeKindError(w http.ResponseWriter, err error, ctx map[string]interface{}) {
	kind := model.KindOf(err)
	code := statusForKind(kind)
	if errors.Is(err, store.ErrNotFound) {
		code = http.StatusNotFound
	}

	var ae *service.AllocationError
	if errors.As(err, &ae) {
		if ctx == nil {
			ctx = map[string]interface{}{}
		}
		ctx["token_consumed"] = true
		ctx["requester_id"] = ae.RequesterID
	}
	var ie *model.InsufficientResourcesError
	if errors.As(err, &ie) {
		if ctx == nil {
			ctx = map[string]interface{}{}
		}
		ctx["protocol"] = ie.Protocol
		ctx["needed"] = ie.Needed
		ctx["available"] = ie.Available
	}

	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	if kind != model.KindNone {
		w.Header().Set(middleware.ErrorKindHeader, string(kind))
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:      code,
			Kind:      kind,
			Message:   msg,
			Retryable: model.Retryable(err),
			Context:   ctx,
		},
	})
}

// statusForKind is the HTTP status of each error kind.
func statusForKind(k model.Kind) int {
	switch k {
	case model.KindMalformedToken, model.KindDecodeFailure, model.KindInvalidParams:
		return http.StatusBadRequest
	case model.KindIntegrityFailure:
		return http.StatusUnprocessableEntity
	case model.KindAlreadyUsed:
		return http.StatusConflict
	case model.KindExpired:
		return http.StatusGone
	case model.KindQuotaExhausted:
		return http.StatusTooManyRequests
	case model.KindMethodNotAllowed, model.KindTrialNotEnabled:
		return http.StatusForbidden
	case model.KindInsufficientResources, model.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", model.ErrInvalidParams, err)
	}
	return nil
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// clampInt constrains val to be within [lo, hi].
func clampInt(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
