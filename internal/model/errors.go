package model

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the error taxonomy shared by every layer. Callers
// match them with errors.Is; wrapping must always preserve the sentinel.
var (
	// ErrMalformedToken means the token has the wrong prefix or is too short.
	ErrMalformedToken = errors.New("malformed token")

	// ErrIntegrityFailure means the token checksum does not match its payload.
	ErrIntegrityFailure = errors.New("token integrity check failed")

	// ErrDecodeFailure means the payload could not be deciphered, decompressed,
	// or parsed into a structurally valid record.
	ErrDecodeFailure = errors.New("token decode failed")

	// ErrExpired means the token is structurally valid but past its expiry.
	ErrExpired = errors.New("token expired")

	// ErrAlreadyUsed means a one-time card key was already redeemed.
	ErrAlreadyUsed = errors.New("token already used")

	// ErrQuotaExhausted means an invite has no registration slots left.
	ErrQuotaExhausted = errors.New("invite quota exhausted")

	// ErrInsufficientResources means the pool cannot satisfy a requested quota.
	ErrInsufficientResources = errors.New("insufficient email resources")

	// ErrStoreUnavailable wraps any failure of a backing store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidParams means issuance or allocation parameters are invalid.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrMethodNotAllowed means the invite does not permit the requested
	// registration method.
	ErrMethodNotAllowed = errors.New("registration method not allowed")

	// ErrTrialNotEnabled means the invite does not auto-create trial accounts.
	ErrTrialNotEnabled = errors.New("trial accounts not enabled for invite")
)

// Kind is a stable, machine-readable name for an error category.
type Kind string

const (
	KindNone                  Kind = ""
	KindMalformedToken        Kind = "malformed_token"
	KindIntegrityFailure      Kind = "integrity_failure"
	KindDecodeFailure         Kind = "decode_failure"
	KindExpired               Kind = "expired"
	KindAlreadyUsed           Kind = "already_used"
	KindQuotaExhausted        Kind = "quota_exhausted"
	KindInsufficientResources Kind = "insufficient_resources"
	KindStoreUnavailable      Kind = "store_unavailable"
	KindInvalidParams         Kind = "invalid_params"
	KindMethodNotAllowed      Kind = "method_not_allowed"
	KindTrialNotEnabled       Kind = "trial_not_enabled"
	KindUnknown               Kind = "unknown"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	// StoreUnavailable is checked first: a store failure during a decode or
	// claim step is still a store failure.
	{ErrStoreUnavailable, KindStoreUnavailable},
	{ErrMalformedToken, KindMalformedToken},
	{ErrIntegrityFailure, KindIntegrityFailure},
	{ErrDecodeFailure, KindDecodeFailure},
	{ErrExpired, KindExpired},
	{ErrAlreadyUsed, KindAlreadyUsed},
	{ErrQuotaExhausted, KindQuotaExhausted},
	{ErrInsufficientResources, KindInsufficientResources},
	{ErrInvalidParams, KindInvalidParams},
	{ErrMethodNotAllowed, KindMethodNotAllowed},
	{ErrTrialNotEnabled, KindTrialNotEnabled},
}

// KindOf returns the taxonomy kind of err. A nil error has KindNone and an
// error outside the taxonomy has KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Retryable reports whether the caller may try the same request again later.
// Store failures are eligible for backoff; an exhausted pool may be
// replenished. Every other kind is permanent.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStoreUnavailable, KindInsufficientResources:
		return true
	default:
		return false
	}
}

// StoreError wraps err from a backing store so that it matches
// ErrStoreUnavailable while keeping the original cause reachable.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// InsufficientResourcesError reports which protocol ran short during
// allocation.
type InsufficientResourcesError struct {
	Protocol  Protocol
	Needed    int
	Available int
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient %s resources: need %d, available %d", e.Protocol, e.Needed, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientResources) match.
func (e *InsufficientResourcesError) Is(target error) bool {
	return target == ErrInsufficientResources
}
