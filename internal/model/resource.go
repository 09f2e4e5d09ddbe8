package model

import (
	"fmt"
	"strings"
)

// Protocol identifies how a mailbox is accessed.
type Protocol string

const (
	ProtocolIMAP  Protocol = "IMAP"
	ProtocolGraph Protocol = "GRAPH"

	// ProtocolAny only appears in shortage reports for slots that either
	// protocol could fill. Resources never carry it.
	ProtocolAny Protocol = "ANY"
)

// ParseProtocol accepts protocol names case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToUpper(strings.TrimSpace(s))) {
	case ProtocolIMAP:
		return ProtocolIMAP, nil
	case ProtocolGraph:
		return ProtocolGraph, nil
	default:
		return "", fmt.Errorf("%w: unknown protocol %q", ErrInvalidParams, s)
	}
}

// Other returns the opposite protocol.
func (p Protocol) Other() Protocol {
	if p == ProtocolGraph {
		return ProtocolIMAP
	}
	return ProtocolGraph
}

// EmailResource is a mailbox in the shared pool. An empty OwnerID means the
// resource is unassigned. Credential fields are only handed to the owner.
type EmailResource struct {
	Address      string   `json:"address" db:"address"`
	Protocol     Protocol `json:"protocol" db:"protocol"`
	OwnerID      string   `json:"owner_id,omitempty" db:"owner_id"`
	Banned       bool     `json:"banned" db:"banned"`
	Password     string   `json:"password,omitempty" db:"password"`
	ClientID     string   `json:"client_id,omitempty" db:"client_id"`
	RefreshToken string   `json:"refresh_token,omitempty" db:"refresh_token"`
	CreatedAt    int64    `json:"created_at" db:"created_at"`
	ClaimedAt    *int64   `json:"claimed_at,omitempty" db:"claimed_at"`
}

// Assigned reports whether the resource has an owner.
func (r EmailResource) Assigned() bool {
	return r.OwnerID != ""
}

// PoolStats summarises the pool per protocol.
type PoolStats struct {
	Protocol   Protocol `json:"protocol" db:"protocol"`
	Total      int      `json:"total" db:"total"`
	Unassigned int      `json:"unassigned" db:"unassigned"`
	Banned     int      `json:"banned" db:"banned"`
}

// LedgerEntry records one consumption of a card key or one invite
// registration. Entries are append-only.
type LedgerEntry struct {
	ID        string `json:"id" db:"id"`
	SubjectID string `json:"subject_id" db:"subject_id"`
	UsedAt    int64  `json:"used_at" db:"used_at"`
	UsedBy    string `json:"used_by,omitempty" db:"used_by"`
	Method    string `json:"method,omitempty" db:"method"`
}
