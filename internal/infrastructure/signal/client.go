package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"tourstream/internal/core/domain"
	"tourstream/internal/core/ports"
	serrors "tourstream/pkg/errors"
	"tourstream/pkg/logger"
	"tourstream/pkg/retry"
	"tourstream/pkg/utils"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 60 * time.Second
	defaultPingInterval = 30 * time.Second
	eventBufferSize     = 32
	lookupTimeout       = 5 * time.Second
)

// WebSocketClient is the gorilla-backed SignalingClient. Connect dials
// with exponential backoff; once established, a dropped channel
// surfaces as a ChannelClosed event and the session must be rejoined,
// there is no silent mid-session reconnect.
type WebSocketClient struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	connID  domain.PeerID
	closed  bool
	pending map[string]chan LookupResultPayload

	events  chan ports.SignalingEvent
	writeCh chan Envelope
	done    chan struct{}

	writeTimeout time.Duration
	readTimeout  time.Duration
	pingInterval time.Duration

	logger *zap.SugaredLogger
}

var _ ports.SignalingClient = (*WebSocketClient)(nil)

// NewWebSocketClient creates a disconnected client. Connect must be
// called before any send.
func NewWebSocketClient(log *zap.Logger) *WebSocketClient {
	return &WebSocketClient{
		pending:      make(map[string]chan LookupResultPayload),
		events:       make(chan ports.SignalingEvent, eventBufferSize),
		writeCh:      make(chan Envelope, eventBufferSize),
		done:         make(chan struct{}),
		writeTimeout: defaultWriteTimeout,
		readTimeout:  defaultReadTimeout,
		pingInterval: defaultPingInterval,
		logger:       logger.ForComponent(log, "signaling"),
	}
}

// Connect dials the coordination server and waits for the assigned
// connection id. Dial attempts back off exponentially up to the
// configured attempt count.
func (c *WebSocketClient) Connect(ctx context.Context, cfg domain.SessionConfig) error {
	attempts := cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = attempts

	err := retry.Do(ctx, retryCfg, func() error {
		return c.dial(ctx, cfg)
	})
	if err != nil {
		return serrors.Wrap(err, serrors.ErrCodeSignalingConnection, "failed to connect to coordination server")
	}
	return nil
}

func (c *WebSocketClient) dial(ctx context.Context, cfg domain.SessionConfig) error {
	header := http.Header{}
	if cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AccessToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.ServerURL, header)
	if err != nil {
		c.logger.Warnw("dial failed", "server_url", cfg.ServerURL, "error", err)
		return err
	}

	// First frame must be the connection id assignment.
	conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return err
	}
	if env.Type != TypeConnectionID {
		conn.Close()
		return serrors.NewSignalingError("expected connection id, got " + env.Type)
	}
	var assigned ConnectionIDPayload
	if err := json.Unmarshal(env.Payload, &assigned); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connID = assigned.ConnectionID
	c.closed = false
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn)

	c.logger.Infow("connected to coordination server", "connection_id", assigned.ConnectionID)
	c.deliver(ports.ConnectionAssigned{ConnectionID: assigned.ConnectionID})
	return nil
}

// Disconnect closes the channel deliberately; no ChannelClosed event is
// emitted for an intentional close.
func (c *WebSocketClient) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	return conn.Close()
}

func (c *WebSocketClient) ConnectionID() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *WebSocketClient) Events() <-chan ports.SignalingEvent {
	return c.events
}

func (c *WebSocketClient) JoinRoom(ctx context.Context, roomID domain.RoomID, streamID domain.StreamID, offer *webrtc.SessionDescription) error {
	return c.send(ctx, TypeJoin, JoinPayload{RoomID: roomID, StreamID: streamID, Offer: offer})
}

func (c *WebSocketClient) LeaveRoom(ctx context.Context) error {
	return c.send(ctx, TypeLeave, struct{}{})
}

func (c *WebSocketClient) SendOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	return c.send(ctx, TypeOffer, SDPPayload{SDP: offer})
}

func (c *WebSocketClient) SendAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	return c.send(ctx, TypeAnswer, SDPPayload{SDP: answer})
}

func (c *WebSocketClient) SendICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit, publisher bool) error {
	return c.send(ctx, TypeICECandidate, CandidatePayload{
		Candidate: CandidateEnvelope{ICECandidateInit: candidate},
		Publisher: publisher,
	})
}

func (c *WebSocketClient) UpdateRoomMetadata(ctx context.Context, metadata json.RawMessage) error {
	return c.send(ctx, TypeRoomMetadata, MetadataPayload{Metadata: metadata})
}

func (c *WebSocketClient) PeerIDForStream(ctx context.Context, streamID domain.StreamID) (domain.PeerID, error) {
	value, err := c.lookup(ctx, LookupPeerForStream, streamID)
	return domain.PeerID(value), err
}

func (c *WebSocketClient) UserIDForStream(ctx context.Context, streamID domain.StreamID) (domain.UserID, error) {
	value, err := c.lookup(ctx, LookupUserForStream, streamID)
	return domain.UserID(value), err
}

func (c *WebSocketClient) lookup(ctx context.Context, kind string, streamID domain.StreamID) (string, error) {
	requestID := utils.GenerateRequestID()
	result := make(chan LookupResultPayload, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", domain.ErrNotConnected
	}
	c.pending[requestID] = result
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	raw, err := json.Marshal(LookupPayload{Kind: kind, StreamID: streamID})
	if err != nil {
		return "", err
	}
	if err := c.enqueue(ctx, Envelope{Type: TypeLookup, RequestID: requestID, Payload: raw}); err != nil {
		return "", err
	}

	timer := time.NewTimer(lookupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", serrors.NewSignalingError("identity lookup timed out")
	case res := <-result:
		if !res.Found {
			return "", nil
		}
		return res.Value, nil
	}
}

func (c *WebSocketClient) send(ctx context.Context, msgType string, payload interface{}) error {
	env, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, env)
}

func (c *WebSocketClient) enqueue(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return domain.ErrNotConnected
	case c.writeCh <- env:
		return nil
	}
}

func (c *WebSocketClient) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	for {
		select {
		case <-done:
			return
		case env := <-c.writeCh:
			conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				c.logger.Warnw("write failed", "type", env.Type, "error", err)
				c.fail(err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *WebSocketClient) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		return nil
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.fail(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		c.dispatch(env)
	}
}

// fail transitions the client to closed and reports the drop exactly
// once; a deliberate Disconnect wins the race and suppresses the event.
func (c *WebSocketClient) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Warnw("signaling channel dropped", "error", err)
	c.deliver(ports.ChannelClosed{
		Err: serrors.Wrap(err, serrors.ErrCodeSignalingConnection, "signaling channel dropped"),
	})
}

func (c *WebSocketClient) dispatch(env Envelope) {
	switch env.Type {
	case TypePeerJoined:
		var p PeerJoinedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.deliver(ports.PeerJoined{UserID: p.UserID, PeerID: p.PeerID})
		}
	case TypePeerDisconnected:
		var p PeerDisconnectedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.deliver(ports.PeerDisconnected{UserID: p.UserID, PeerID: p.PeerID, StreamID: p.StreamID})
		}
	case TypeOffer:
		var p SDPPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.deliver(ports.OfferReceived{From: env.From, SDP: p.SDP})
		}
	case TypeAnswer:
		var p SDPPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.deliver(ports.AnswerReceived{From: env.From, SDP: p.SDP})
		}
	case TypeICECandidate:
		var p CandidatePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.deliver(ports.CandidateReceived{
				From:      env.From,
				Candidate: p.Candidate.ICECandidateInit,
				Publisher: p.Publisher,
			})
		}
	case TypeRoomState:
		var p RoomStatePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.deliver(ports.RoomStateReceived{Room: p.Room})
		}
	case TypeLookupResult:
		var p LookupResultPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.mu.Lock()
		pending, ok := c.pending[env.RequestID]
		c.mu.Unlock()
		if ok {
			select {
			case pending <- p:
			default:
			}
		}
	case TypeError:
		var p ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.logger.Warnw("server rejected request", "code", p.Code, "message", p.Message)
		}
	default:
		c.logger.Debugw("ignoring unknown message type", "type", env.Type)
	}
}

// deliver drops events when the consumer falls behind rather than
// blocking the read pump.
func (c *WebSocketClient) deliver(event ports.SignalingEvent) {
	select {
	case c.events <- event:
	default:
		c.logger.Warnw("event buffer full, dropping event")
	}
}
