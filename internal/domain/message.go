package domain

import (
	"time"
)

// ParseStatus tracks how far a raw message has made it through the parser.
type ParseStatus string

const (
	ParseStatusUnparsed ParseStatus = "unparsed"
	ParseStatusParsed   ParseStatus = "parsed"
	ParseStatusError    ParseStatus = "error"
)

// ResolutionStatus tracks operator handling of a failed message.
type ResolutionStatus string

const (
	ResolutionOpen     ResolutionStatus = "open"
	ResolutionResolved ResolutionStatus = "resolved"
)

// RawMessage is the durable record of an inbound MoMo SMS, exactly as
// received. Rows are never deleted; the parser updates parse_status and
// operators update resolution_status, nothing else mutates.
type RawMessage struct {
	ID            string `json:"id"`
	InstitutionID string `json:"institutionId"`

	// Sender is the SMS source address (short code or phone number).
	Sender string `json:"sender"`
	Body   string `json:"body"`

	ReceivedAt time.Time `json:"receivedAt"`
	CreatedAt  time.Time `json:"createdAt"`

	ParseStatus ParseStatus `json:"parseStatus"`
	ParseError  string      `json:"parseError,omitempty"`

	ResolutionStatus ResolutionStatus `json:"resolutionStatus"`
	ResolutionNote   string           `json:"resolutionNote,omitempty"`
}

// IngestRequest is the API payload for POST /messages.
type IngestRequest struct {
	Sender     string     `json:"sender"`
	Body       string     `json:"body"`
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
}

// ToRawMessage converts an ingest request to a RawMessage.
func (r *IngestRequest) ToRawMessage(id, institutionID string) *RawMessage {
	now := time.Now().UTC()
	receivedAt := now
	if r.ReceivedAt != nil {
		receivedAt = r.ReceivedAt.UTC()
	}
	return &RawMessage{
		ID:               id,
		InstitutionID:    institutionID,
		Sender:           r.Sender,
		Body:             r.Body,
		ReceivedAt:       receivedAt,
		CreatedAt:        now,
		ParseStatus:      ParseStatusUnparsed,
		ResolutionStatus: ResolutionOpen,
	}
}
