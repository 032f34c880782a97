package contracts

// WSNotification mirrors notifications pushed over a device WebSocket.
type WSNotification struct {
	Type     string `json:"type"` // "notification"
	Channel  string `json:"channel"`
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	Severity string `json:"severity"`
	Envelope
}
