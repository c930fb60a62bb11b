package mcp

import "encoding/json"

// Envelope is the payload published on session-in/session-out channels.
// Options carries routing metadata a RelayTransport needs to direct a
// response back to the right HTTP request without re-parsing Message.
type Envelope struct {
	Type    string           `json:"type"`
	Message json.RawMessage  `json:"message"`
	Options *EnvelopeOptions `json:"options,omitempty"`
}

// EnvelopeOptions carries the correlation id a response was produced for.
// It duplicates information already in Message (the JSON-RPC id) but saves
// a RelayTransport from having to decode Message just to route it.
type EnvelopeOptions struct {
	CorrelationID string `json:"correlationId,omitempty"`
}

const envelopeTypeMCP = "mcp"

// streamCorrelationID is the reserved correlation id server-initiated
// notifications (frames with no JSON-RPC id) publish under.
const streamCorrelationID = "__stream"

// Transport is the minimal lifecycle shared by ServerTransport and
// RelayTransport: both hold shared-store subscriptions for as long as they
// are alive and release them on Close.
type Transport interface {
	Close() error
}
