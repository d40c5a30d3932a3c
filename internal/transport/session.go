package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// session is one established broker connection. Subscriptions are bound to
// the session they were created on and die with it.
type session struct {
	id   string
	ws   *websocket.Conn
	send chan []byte // never closed; done signals shutdown
	done chan struct{}

	closeOnce sync.Once

	outgoing     time.Duration // 0 disables outbound heart-beats
	readTimeout  time.Duration // 0 disables the read deadline
	writeTimeout time.Duration
}

// enqueue queues a marshalled frame without blocking.
func (s *session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *session) extendReadDeadline() {
	if s.readTimeout <= 0 {
		_ = s.ws.SetReadDeadline(time.Time{})
		return
	}
	_ = s.ws.SetReadDeadline(time.Now().Add(s.readTimeout))
}

// writePump is the only writer on the connection after the handshake.
func (s *session) writePump(logger *zap.Logger) {
	var heartbeat <-chan time.Time
	if s.outgoing > 0 {
		ticker := time.NewTicker(s.outgoing)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	defer s.ws.Close()

	for {
		select {
		case data := <-s.send:
			if err := s.write(websocket.TextMessage, data); err != nil {
				logger.Debug("websocket write error",
					zap.String("connID", s.id),
					zap.Error(err),
				)
				s.close()
				return
			}

		case <-heartbeat:
			if err := s.write(websocket.TextMessage, []byte{'\n'}); err != nil {
				s.close()
				return
			}

		case <-s.done:
			// Flush whatever was queued before shutdown (UNSUBSCRIBE, DISCONNECT).
			for {
				select {
				case data := <-s.send:
					if err := s.write(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (s *session) write(messageType int, data []byte) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteMessage(messageType, data)
}
