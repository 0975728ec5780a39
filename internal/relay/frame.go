package relay

// Op is a websocket frame operation.
type Op string

const (
	// endpoint -> server
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"

	// server -> endpoint
	OpSubscribed Op = "subscribed"
	OpAck        Op = "ack"
	OpError      Op = "error"
	OpMessage    Op = "message"
)

// Frame is the websocket envelope between endpoints and the gateway.
// Ref correlates a request with its subscribed/ack/error reply.
type Frame struct {
	Op      Op       `json:"op"`
	Ref     string   `json:"ref,omitempty"`
	Channel string   `json:"channel,omitempty"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}
