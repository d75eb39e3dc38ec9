package analytics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/secprog/poors-man-ratelimiter/pkg/metrics"
)

// Update is the live payload pushed to dashboard clients.
type Update struct {
	RequestsAllowed int64 `json:"requestsAllowed"`
	RequestsBlocked int64 `json:"requestsBlocked"`
	ActivePolicies  int   `json:"activePolicies"`
	Timestamp       int64 `json:"timestamp"`
}

// wsMessage tags each frame so clients can tell the initial fill from
// the running updates.
type wsMessage struct {
	Type    string `json:"type"` // "snapshot" or "summary"
	Payload Update `json:"payload"`
}

const sendBuffer = 8

type subscriber struct {
	send chan wsMessage
	done chan struct{}
}

// Broadcaster fans the current summary out to every attached
// WebSocket client. Clients never send anything meaningful back; the
// read loop exists only to notice disconnects.
type Broadcaster struct {
	compute func(ctx context.Context) (Update, error)

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]*websocket.Conn
}

func NewBroadcaster(compute func(ctx context.Context) (Update, error)) *Broadcaster {
	return &Broadcaster{
		compute: compute,
		upgrader: websocket.Upgrader{
			// The admin plane is loopback-bound; origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]*websocket.Conn),
	}
}

// HandleWS upgrades the connection, sends the snapshot, then leaves
// the client attached to the publish loop.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := &subscriber{
		send: make(chan wsMessage, sendBuffer),
		done: make(chan struct{}),
	}

	snapshot, err := b.compute(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("snapshot compute failed")
		conn.Close()
		return
	}

	// The snapshot goes into the buffer before the subscriber becomes
	// visible to Publish, so it is always the first frame on the wire.
	sub.send <- wsMessage{Type: "snapshot", Payload: snapshot}

	b.mu.Lock()
	b.subs[sub] = conn
	n := len(b.subs)
	b.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	log.Info().Int("clients", n).Msg("analytics client attached")

	go b.writeLoop(sub, conn)
	go b.readLoop(sub, conn)
}

func (b *Broadcaster) writeLoop(sub *subscriber, conn *websocket.Conn) {
	for {
		select {
		case msg := <-sub.send:
			if err := conn.WriteJSON(msg); err != nil {
				b.detach(sub, conn)
				return
			}
		case <-sub.done:
			return
		}
	}
}

func (b *Broadcaster) readLoop(sub *subscriber, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			b.detach(sub, conn)
			return
		}
	}
}

func (b *Broadcaster) detach(sub *subscriber, conn *websocket.Conn) {
	b.mu.Lock()
	_, present := b.subs[sub]
	if present {
		delete(b.subs, sub)
		close(sub.done)
	}
	n := len(b.subs)
	b.mu.Unlock()

	conn.Close()
	if present {
		metrics.WSClients.Set(float64(n))
		log.Info().Int("clients", n).Msg("analytics client detached")
	}
}

// Publish enqueues a summary frame for every attached client. A client
// whose buffer is full misses this frame rather than stalling the rest.
func (b *Broadcaster) Publish(update Update) {
	msg := wsMessage{Type: "summary", Payload: update}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.send <- msg:
		default:
		}
	}
}

// ClientCount reports the number of attached subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run publishes the computed summary on the given cadence until the
// context is cancelled.
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.ClientCount() == 0 {
				continue
			}
			update, err := b.compute(ctx)
			if err != nil {
				log.Error().Err(err).Msg("summary compute failed")
				continue
			}
			b.Publish(update)
		}
	}
}
