package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"field-service-coordination-system/shared/geo"
)

// Envelope is the wire shape published to Kafka for every task event. The
// payload stays schemaless on the wire and in storage so new actions can ship
// without a coordinated schema rollout; DecodePayload gives consumers the
// typed view.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	Topic      string          `json:"topic"`
	TaskID     uuid.UUID       `json:"task_id"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

const (
	TopicTaskEvents = "task.events"
	TopicAlerts     = "alerts"
)

// AttachmentRef is the stable reference the attachment gateway hands back on
// upload. Events and payments carry references, never file content.
type AttachmentRef struct {
	ID               uuid.UUID `json:"id"`
	MimeType         string    `json:"mime_type"`
	OriginalFilename string    `json:"original_filename"`
}

type CheckedInPayload struct {
	GeoLocation           geo.Coordinate  `json:"geo_location"`
	LocationLabel         string          `json:"location_label,omitempty"`
	DistanceFromSiteMeter float64         `json:"distance_from_site_meters"`
	AttachmentRefs        []AttachmentRef `json:"attachment_refs"`
	Warnings              []string        `json:"warnings"`
	Note                  *string         `json:"note,omitempty"`
}

// CheckedOutPayload mirrors CheckedInPayload; the two are kept as distinct
// types so adding checkout-only fields later does not leak into check-ins.
type CheckedOutPayload struct {
	GeoLocation           geo.Coordinate  `json:"geo_location"`
	LocationLabel         string          `json:"location_label,omitempty"`
	DistanceFromSiteMeter float64         `json:"distance_from_site_meters"`
	AttachmentRefs        []AttachmentRef `json:"attachment_refs"`
	Warnings              []string        `json:"warnings"`
	Note                  *string         `json:"note,omitempty"`
}

// CheckoutContext carries the field observations of a departure that was
// folded into a completion transaction: when a checkout both completes the
// task and collects payment there is no standalone checked_out event, the
// status_changed event carries the context instead.
type CheckoutContext struct {
	GeoLocation           geo.Coordinate  `json:"geo_location"`
	LocationLabel         string          `json:"location_label,omitempty"`
	DistanceFromSiteMeter float64         `json:"distance_from_site_meters"`
	AttachmentRefs        []AttachmentRef `json:"attachment_refs"`
	Warnings              []string        `json:"warnings"`
	Note                  *string         `json:"note,omitempty"`
}

type StatusChangedPayload struct {
	FromStatus string           `json:"from_status"`
	ToStatus   string           `json:"to_status"`
	Reason     *string          `json:"reason,omitempty"`
	Checkout   *CheckoutContext `json:"checkout,omitempty"`
}

type PaymentCollectedPayload struct {
	PaymentID  uuid.UUID `json:"payment_id"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	HasInvoice bool      `json:"has_invoice"`
}

type CommentedPayload struct {
	Comment        string          `json:"comment"`
	AttachmentRefs []AttachmentRef `json:"attachment_refs,omitempty"`
}

// DecodePayload maps an action to its payload variant. The switch is the
// application-boundary union over the schemaless stored blob; unknown actions
// are an error so consumers fail loudly instead of guessing.
func DecodePayload(action string, raw json.RawMessage) (any, error) {
	switch action {
	case "checked_in":
		var p CheckedInPayload
		return &p, json.Unmarshal(raw, &p)
	case "checked_out":
		var p CheckedOutPayload
		return &p, json.Unmarshal(raw, &p)
	case "status_changed":
		var p StatusChangedPayload
		return &p, json.Unmarshal(raw, &p)
	case "payment_collected":
		var p PaymentCollectedPayload
		return &p, json.Unmarshal(raw, &p)
	case "commented":
		var p CommentedPayload
		return &p, json.Unmarshal(raw, &p)
	default:
		return nil, fmt.Errorf("unknown event action %q", action)
	}
}
