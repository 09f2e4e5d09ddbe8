// Package token frames codec payloads as tokens of the form
//
//	tag + checksum + payload
//
// where tag is a fixed family prefix and checksum is four hex digits computed
// over payload. The checksum is verified before any decode is attempted.
package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mailgate/mailgate/internal/codec"
	"github.com/mailgate/mailgate/internal/model"
)

const (
	// ChecksumLen is the number of hex digits between tag and payload.
	ChecksumLen = 4

	// MinPayloadLen is the shortest payload a real record can produce.
	MinPayloadLen = 8
)

// Reason names the envelope stage at which a token was rejected.
type Reason string

const (
	BadPrefix   Reason = "bad_prefix"
	TooShort    Reason = "too_short"
	BadChecksum Reason = "bad_checksum"
	BadPayload  Reason = "bad_payload"
)

// Error is returned by Unwrap. It unwraps to the taxonomy sentinel for its
// reason, so errors.Is(err, model.ErrIntegrityFailure) and friends work.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return "token " + string(e.Reason) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Envelope wraps and unwraps tokens with a shared codec.
type Envelope struct {
	codec *codec.Codec
}

// NewEnvelope returns an Envelope using c for payloads.
func NewEnvelope(c *codec.Codec) *Envelope {
	return &Envelope{codec: c}
}

// Wrap encodes v and frames it with tag.
func (e *Envelope) Wrap(tag string, v any) (string, error) {
	if tag == "" {
		return "", errors.New("token: empty tag")
	}
	payload, err := e.codec.Encode(v)
	if err != nil {
		return "", err
	}
	return tag + codec.Checksum(payload) + payload, nil
}

// Unwrap checks the frame of tok and decodes its payload into v. Surrounding
// whitespace is ignored.
func (e *Envelope) Unwrap(tok, tag string, v any) error {
	tok = strings.TrimSpace(tok)

	if !strings.HasPrefix(tok, tag) {
		return &Error{Reason: BadPrefix, Err: fmt.Errorf("%w: expected prefix %q", model.ErrMalformedToken, tag)}
	}
	if len(tok) < len(tag)+ChecksumLen+MinPayloadLen {
		return &Error{Reason: TooShort, Err: fmt.Errorf("%w: %d characters", model.ErrMalformedToken, len(tok))}
	}

	sum := tok[len(tag) : len(tag)+ChecksumLen]
	payload := tok[len(tag)+ChecksumLen:]
	if !strings.EqualFold(sum, codec.Checksum(payload)) {
		return &Error{Reason: BadChecksum, Err: model.ErrIntegrityFailure}
	}

	if err := e.codec.Decode(payload, v); err != nil {
		return &Error{Reason: BadPayload, Err: err}
	}
	return nil
}
