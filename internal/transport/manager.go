package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chatsync/internal/models"
	"chatsync/internal/observability"
)

const (
	maxFastAttempts = 5
	baseRetryDelay  = 500 * time.Millisecond
	maxRetryDelay   = 10 * time.Second
	probeInterval   = 30 * time.Second
	subscriberBuf   = 64
)

// Manager owns the single persistent event connection for a session. All
// stores subscribe to it read-only; none of them ever dials a second socket.
type Manager struct {
	url       string
	token     string
	sessionID string
	dialer    *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	refs      int
	subs      map[int]chan models.StreamEvent
	nextSub   int

	// retry knobs, overridden in tests
	fastAttempts int
	baseDelay    time.Duration
	maxDelay     time.Duration
	probeEvery   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Manager{}
)

// Acquire returns the live manager for the credential, creating and starting
// it on first use. Subsequent calls with the same token share the handle and
// bump its reference count; Release undoes one Acquire.
func Acquire(wsURL, token string) *Manager {
	registryMu.Lock()
	defer registryMu.Unlock()

	if m, ok := registry[token]; ok {
		m.mu.Lock()
		m.refs++
		m.mu.Unlock()
		return m
	}

	m := newManager(wsURL, token)
	registry[token] = m
	m.start()
	return m
}

func newManager(wsURL, token string) *Manager {
	return &Manager{
		url:          wsURL,
		token:        token,
		sessionID:    newSessionID(),
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subs:         map[int]chan models.StreamEvent{},
		refs:         1,
		fastAttempts: maxFastAttempts,
		baseDelay:    baseRetryDelay,
		maxDelay:     maxRetryDelay,
		probeEvery:   probeInterval,
	}
}

func (m *Manager) start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Release drops one reference. The socket closes only when the last consumer
// releases, so views never coordinate shutdown through shared globals.
func (m *Manager) Release() {
	registryMu.Lock()
	defer registryMu.Unlock()

	m.mu.Lock()
	m.refs--
	last := m.refs <= 0
	m.mu.Unlock()
	if !last {
		return
	}

	delete(registry, m.token)
	m.cancel()
	<-m.done
}

// Connected reports whether the event connection is confirmed live. The poll
// fallback consults this to decide whether it must run.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Subscribe registers a consumer of inbound events. The returned cancel func
// must be called to stop delivery. A slow consumer loses events rather than
// stalling the read loop; stores recover via their reconciliation fetches.
func (m *Manager) Subscribe() (<-chan models.StreamEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan models.StreamEvent, subscriberBuf)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

// SendTyping emits a typing start/stop frame. Silent no-op while disconnected.
func (m *Manager) SendTyping(targetID string, start bool) {
	frameType := models.FrameTypingStart
	if !start {
		frameType = models.FrameTypingStop
	}
	m.writeFrame(models.ClientFrame{Type: frameType, TargetID: targetID})
}

// JoinRoom and LeaveRoom scope server fan-out to the open conversation.
// Silent no-ops while disconnected.
func (m *Manager) JoinRoom(targetID string) {
	m.writeFrame(models.ClientFrame{Type: models.FrameJoinRoom, TargetID: targetID})
}

func (m *Manager) LeaveRoom(targetID string) {
	m.writeFrame(models.ClientFrame{Type: models.FrameLeaveRoom, TargetID: targetID})
}

func (m *Manager) writeFrame(frame models.ClientFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || m.conn == nil {
		return
	}
	if err := m.conn.WriteJSON(frame); err != nil {
		log.Printf("websocket write error: %v", err)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	attempt := 0
	connectedAt := time.Time{}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.dial(ctx)
		if err != nil {
			attempt++
			observability.IncWSReconnect()
			if attempt >= m.fastAttempts {
				// Degraded: poll fallback covers delivery, re-probe slowly.
				if !sleepCtx(ctx, m.probeEvery) {
					return
				}
				continue
			}
			delay := m.baseDelay << uint(attempt-1)
			if delay > m.maxDelay {
				delay = m.maxDelay
			}
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		connectedAt = time.Now()
		m.setConn(conn, true)
		m.publishConnEvent(ctx, "ws_connect", 0, "")

		reason := m.readLoop(ctx, conn)
		m.setConn(nil, false)
		m.publishConnEvent(ctx, "ws_disconnect", time.Since(connectedAt).Milliseconds(), reason)
		conn.Close()
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, span := otel.Tracer("chatsync/transport").Start(ctx, "ws.handshake")
	defer span.End()

	header := http.Header{"Authorization": {"Bearer " + m.token}}
	conn, _, err := m.dialer.DialContext(ctx, m.url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) string {
	for {
		var event models.StreamEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return "closed"
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("websocket read error: %v", err)
			}
			return err.Error()
		}
		if event.Type == "" {
			continue
		}
		observability.IncWSEvent(string(event.Type))
		m.fanOut(event)
	}
}

func (m *Manager) fanOut(event models.StreamEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

func (m *Manager) setConn(conn *websocket.Conn, connected bool) {
	m.mu.Lock()
	m.conn = conn
	m.connected = connected
	m.mu.Unlock()
	observability.SetWSConnected(connected)
}

func (m *Manager) publishConnEvent(ctx context.Context, name string, durationMS int64, reason string) {
	_ = observability.PublishEvent(ctx, "ws_events.session", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload: observability.ConnEventPayload{
			SessionID:  m.sessionID,
			Event:      name,
			DurationMS: durationMS,
			Reason:     reason,
		},
	}, observability.BuildHeaders("", ""))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func newSessionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
