package transport

// Message is a MESSAGE frame delivered to a subscription handler.
type Message struct {
	Destination  string
	Subscription string
	MessageID    string
	ContentType  string
	Body         []byte
}

// Handler receives messages for one subscription. It runs on the connection's
// read goroutine and must not block on outbound sends.
type Handler func(Message)

// Subscription is a live topic handle.
type Subscription interface {
	ID() string
	Destination() string
	// Unsubscribe removes the handle. It is a no-op for handles already
	// invalidated by a dropped connection or a deactivation.
	Unsubscribe() error
}

type subscription struct {
	id          string
	destination string
	handler     Handler
	client      *Client
	sess        *session
}

func (s *subscription) ID() string          { return s.id }
func (s *subscription) Destination() string { return s.destination }

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s)
}
