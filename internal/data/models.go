package data

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SourceTimeLayout is the timestamp layout of the `time` field in raw feed records,
// e.g. "17/May/2015:10:05:03 +0000". The day may be one or two digits.
const SourceTimeLayout = "2/Jan/2006:15:04:05 -0700"

// CanonicalTimeLayout is the ISO-8601 layout written into queue messages.
// A zero offset renders as "+00:00", never "Z".
const CanonicalTimeLayout = "2006-01-02T15:04:05-07:00"

// captureTimeLayout is used for the IndexDocument timestamp.
const captureTimeLayout = "2006-01-02T15:04:05.000000-07:00"

// QueueMessage is one normalized log record as it travels through the broker:
// a UTF-8 JSON object whose `time` field is in CanonicalTimeLayout.
type QueueMessage []byte

// Fields carries the routing metadata attached to every indexed document.
type Fields struct {
	Region    string `json:"region"`
	SessionID string `json:"sessionid"`
}

// IndexDocument is the body written to the search index.
// Event is the QueueMessage that produced the document, byte for byte.
type IndexDocument struct {
	Timestamp  string          `json:"timestamp"`
	SourceType string          `json:"sourcetype"`
	Index      string          `json:"index"`
	Fields     Fields          `json:"fields"`
	Event      json.RawMessage `json:"event"`
}

// Enrichment holds the fixed tags applied by a consumer run.
type Enrichment struct {
	SourceType string
	Region     string
	SessionID  string
}

// NewIndexDocument wraps msg with the enrichment metadata, captured at now.
func NewIndexDocument(msg QueueMessage, e Enrichment, now time.Time) IndexDocument {
	return IndexDocument{
		Timestamp:  now.Format(captureTimeLayout),
		SourceType: e.SourceType,
		Index:      e.SourceType,
		Fields: Fields{
			Region:    e.Region,
			SessionID: e.SessionID,
		},
		Event: json.RawMessage(msg),
	}
}

// NewSessionID returns a fresh 32-character hex token for one consumer run.
func NewSessionID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
