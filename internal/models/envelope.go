// Package models defines the relay wire formats: envelopes as submitted by
// senders, their stored form, and the request/response bodies of the HTTP
// and WebSocket surfaces.
package models

import (
	"encoding/json"
	"fmt"
)

// Priority is carried through to recipients but not acted upon by the relay.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityUrgent, PriorityEmergency:
		return true
	}
	return false
}

const (
	// MaxKeyHashLen bounds the opaque recipient identifier.
	MaxKeyHashLen = 64

	// MaxPayloadLen is the protocol ceiling for the base64 payload. Operators
	// may configure a lower limit; they cannot raise this one.
	MaxPayloadLen = 65536

	// MaxNonceLen bounds the caller-chosen dedup token.
	MaxNonceLen = 32

	// MaxTTLHours is the protocol ceiling for a requested lifetime.
	MaxTTLHours = 24

	// DefaultTTLHours applies when the uploader omits ttl_hours.
	DefaultTTLHours = 4

	// MaxPollLimit and DefaultPollLimit bound a single poll page.
	MaxPollLimit     = 50
	DefaultPollLimit = 10

	// MaxAckBatch bounds the ids in one acknowledge request.
	MaxAckBatch = 50
)

// Envelope is an encrypted message as submitted by a sender. The relay treats
// every field as opaque except for the routing and lifecycle metadata.
type Envelope struct {
	// SHA256 hash of the recipient's public key, base64. Not verified
	// against any identity.
	RecipientKeyHash string `json:"recipient_key_hash"`

	// Opaque ciphertext, base64.
	EncryptedPayload string `json:"encrypted_payload"`

	// Requested lifetime in hours. Clamped server-side to the configured
	// maximum.
	TTLHours int `json:"ttl_hours"`

	Priority Priority `json:"priority"`

	// Caller-chosen deduplication token, base64. Must be unique across all
	// recipients for its lifetime.
	Nonce string `json:"nonce"`

	// Client-asserted creation time, unix ms. Informational only; the server
	// clock drives ordering and expiry.
	CreatedAt int64 `json:"created_at"`

	// Whether ttl_hours was present in the decoded body. An explicit zero is
	// a validation error, not a request for the default.
	ttlExplicit bool
}

// UnmarshalJSON tracks whether ttl_hours was present so that an explicit
// zero can be rejected instead of silently defaulted.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type envelope Envelope
	aux := struct {
		*envelope
		TTLHours *int `json:"ttl_hours"`
	}{envelope: (*envelope)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TTLHours != nil {
		e.TTLHours = *aux.TTLHours
		e.ttlExplicit = true
	}
	return nil
}

// ApplyDefaults fills the fields a sender may omit.
func (e *Envelope) ApplyDefaults(defaultTTLHours int) {
	if e.TTLHours == 0 && !e.ttlExplicit {
		e.TTLHours = defaultTTLHours
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
}

// Validate checks the per-field constraints. It does not enforce the
// operator payload ceiling, which is configuration, not protocol.
func (e *Envelope) Validate() error {
	if e.RecipientKeyHash == "" || len(e.RecipientKeyHash) > MaxKeyHashLen {
		return fmt.Errorf("recipient_key_hash must be 1-%d characters", MaxKeyHashLen)
	}
	if e.EncryptedPayload == "" || len(e.EncryptedPayload) > MaxPayloadLen {
		return fmt.Errorf("encrypted_payload must be 1-%d characters", MaxPayloadLen)
	}
	if e.TTLHours < 1 || e.TTLHours > MaxTTLHours {
		return fmt.Errorf("ttl_hours must be 1-%d", MaxTTLHours)
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("priority must be normal, urgent or emergency")
	}
	if e.Nonce == "" || len(e.Nonce) > MaxNonceLen {
		return fmt.Errorf("nonce must be 1-%d characters", MaxNonceLen)
	}
	return nil
}

// StoredEnvelope is an accepted envelope plus the server-assigned identity
// and timestamp. StoredAt, not the client's CreatedAt, is the queue ordering
// key and the TTL origin.
type StoredEnvelope struct {
	ID string `json:"id"`
	Envelope
	StoredAt int64 `json:"stored_at"`
}

// UnmarshalJSON restores the server-assigned fields alongside the embedded
// envelope, whose own decoder would otherwise claim the whole document.
func (s *StoredEnvelope) UnmarshalJSON(data []byte) error {
	if err := s.Envelope.UnmarshalJSON(data); err != nil {
		return err
	}
	aux := struct {
		ID       string `json:"id"`
		StoredAt int64  `json:"stored_at"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.ID = aux.ID
	s.StoredAt = aux.StoredAt
	return nil
}

// UploadRequest is the body of POST /relay/upload.
type UploadRequest struct {
	Envelope Envelope `json:"envelope"`
}

// UploadResponse acknowledges a stored envelope.
type UploadResponse struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

// PollResponse is one forward-only page of a recipient's queue.
type PollResponse struct {
	Messages   []StoredEnvelope `json:"messages"`
	HasMore    bool             `json:"has_more"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// AckRequest is the body of POST /relay/ack.
type AckRequest struct {
	MessageIDs []string `json:"message_ids"`
	KeyHash    string   `json:"key_hash"`
}

// Validate checks the ack batch bounds.
func (r *AckRequest) Validate() error {
	if len(r.MessageIDs) < 1 || len(r.MessageIDs) > MaxAckBatch {
		return fmt.Errorf("message_ids must contain 1-%d entries", MaxAckBatch)
	}
	if r.KeyHash == "" || len(r.KeyHash) > MaxKeyHashLen {
		return fmt.Errorf("key_hash must be 1-%d characters", MaxKeyHashLen)
	}
	return nil
}

// AckResponse reports how many messages an ack actually removed.
type AckResponse struct {
	Deleted int `json:"deleted"`
}

// RateLimitInfo accompanies a 429 response.
type RateLimitInfo struct {
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"reset_at"`
}
