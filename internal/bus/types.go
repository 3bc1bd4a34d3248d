// Package bus defines the message types flowing between the transport,
// the ingestion router, and the delivery tracker.
package bus

import (
	"context"
	"time"
)

// InboundMessage is one customer message received from the external network,
// either pushed by the transport or discovered by the polling sweeper.
type InboundMessage struct {
	TenantID          string    `json:"tenant_id"`
	PeerAddress       string    `json:"peer_address"`
	ExternalMessageID string    `json:"external_message_id"`
	Body              string    `json:"body"`
	ReceivedAt        time.Time `json:"received_at"`
	Source            string    `json:"source,omitempty"` // SourcePush or SourceSweep
}

// Ingestion sources. Both paths converge on the same ingest entry point;
// the label only exists for observability.
const (
	SourcePush  = "push"
	SourceSweep = "sweep"
)

// AckLevel is the transport's multi-stage delivery confirmation.
// Wire values match the external network's ack codes (0..4).
type AckLevel int

const (
	AckNone           AckLevel = iota // expired / not delivered
	AckQueued                         // accepted by our side of the transport
	AckServerReceived                 // received by the network's server
	AckDeviceReceived                 // received on the peer's device
	AckRead                           // read by the peer
)

func (a AckLevel) String() string {
	switch a {
	case AckNone:
		return "NONE"
	case AckQueued:
		return "QUEUED"
	case AckServerReceived:
		return "SERVER_RECEIVED"
	case AckDeviceReceived:
		return "DEVICE_RECEIVED"
	case AckRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}

// AckEvent is a delivery acknowledgement observed on a tenant's session,
// keyed by the transport-assigned message handle.
type AckEvent struct {
	TenantID  string   `json:"tenant_id"`
	MessageID string   `json:"message_id"`
	Level     AckLevel `json:"level"`
}

// InboundHandler consumes an inbound message.
type InboundHandler func(ctx context.Context, msg InboundMessage)

// AckHandler consumes a delivery acknowledgement.
type AckHandler func(ev AckEvent)
