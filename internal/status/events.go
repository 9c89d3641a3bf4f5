package status

import (
	"net/http"
	"time"

	"github.com/edgesight/agent/internal/bus"
)

// Topics mirrored to websocket clients.
var tappedTopics = []string{
	bus.TopicDetection,
	bus.TopicKeepalive,
	bus.TopicSessionOpened,
	bus.TopicSessionClosed,
	bus.TopicStreamState,
	bus.TopicAgentState,
}

const (
	eventWriteWait = 5 * time.Second
	eventQueueSize = 64
)

// wsEvent is one frame on the /events socket.
type wsEvent struct {
	Topic string `json:"topic"`
	Ts    string `json:"ts"`
	Event any    `json:"event"`
}

// handleEvents upgrades to a websocket and mirrors bus traffic until the
// client goes away. A slow client loses events rather than stalling the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("events upgrade", "error", err)
		return
	}
	defer conn.Close()

	queue := make(chan wsEvent, eventQueueSize)
	subs := make([]*bus.Subscription, 0, len(tappedTopics))
	for _, topic := range tappedTopics {
		topic := topic
		subs = append(subs, s.bus.Subscribe(topic, func(ev any) {
			select {
			case queue <- wsEvent{Topic: topic, Ts: time.Now().UTC().Format(time.RFC3339Nano), Event: ev}:
			default:
			}
		}))
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	// Reader goroutine: the tap is write-only, but reads must be drained to
	// notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info("events client connected", "remote", conn.RemoteAddr().String())
	for {
		select {
		case <-closed:
			return
		case ev := <-queue:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("events write", "error", err)
				return
			}
		}
	}
}
