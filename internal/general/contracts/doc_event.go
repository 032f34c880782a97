package contracts

import "encoding/json"

// DocChangeMessage is published after every document-store mutation. It is a
// full-state snapshot, never a delta, so consumers can apply it regardless of
// delivery order relative to other documents. Exists=false signals deletion.
// Routing key: "doc.{collection}.{doc_id}" on ExchangeDocTopic.
type DocChangeMessage struct {
	Collection string          `json:"collection"`
	DocID      string          `json:"doc_id"`
	Exists     bool            `json:"exists"`
	Body       json.RawMessage `json:"body,omitempty"`
	Envelope
}
