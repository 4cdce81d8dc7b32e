package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tourstream/internal/core/domain"
	"tourstream/internal/core/ports"
	"tourstream/internal/infrastructure/middleware"
	rtcrelay "tourstream/internal/infrastructure/webrtc"
	"tourstream/pkg/logger"
	"tourstream/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// peerConn is one live websocket session on the server side.
type peerConn struct {
	id       domain.PeerID
	userID   domain.UserID
	roomID   domain.RoomID
	streamID domain.StreamID

	conn    *websocket.Conn
	send    chan Envelope
	limiter *rate.Limiter
}

// Router terminates signaling websockets, keeps the room membership
// registry, and bridges messages into the relay.
type Router struct {
	rooms ports.RoomRepository
	relay *rtcrelay.Relay

	mu    sync.RWMutex
	conns map[domain.PeerID]*peerConn

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	msgRate      rate.Limit
	msgBurst     int

	logger *zap.SugaredLogger
}

// NewRouter wires a router to the room store and the media relay.
func NewRouter(rooms ports.RoomRepository, relay *rtcrelay.Relay, log *zap.Logger) *Router {
	r := &Router{
		rooms:        rooms,
		relay:        relay,
		conns:        make(map[domain.PeerID]*peerConn),
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		msgRate:      rate.Limit(50),
		msgBurst:     100,
		logger:       logger.ForComponent(log, "signal_router"),
	}

	relay.OnSubscriberOffer(func(peerID domain.PeerID, offer pion.SessionDescription) {
		r.sendTo(peerID, "", TypeOffer, SDPPayload{SDP: offer})
	})
	relay.OnICECandidate(func(peerID domain.PeerID, candidate pion.ICECandidateInit, publisher bool) {
		r.sendTo(peerID, "", TypeICECandidate, CandidatePayload{
			Candidate: CandidateEnvelope{ICECandidateInit: candidate},
			Publisher: publisher,
		})
	})
	return r
}

// SetPingInterval overrides the keepalive cadence.
func (r *Router) SetPingInterval(interval time.Duration) {
	r.pingInterval = interval
}

// SetReadTimeout overrides the pong deadline.
func (r *Router) SetReadTimeout(timeout time.Duration) {
	r.readTimeout = timeout
}

// ConnectionCount reports live websocket sessions.
func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// HandleWebSocket upgrades the request and runs the session until the
// peer disconnects.
func (r *Router) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	peer := &peerConn{
		id:      domain.PeerID(uuid.NewString()),
		userID:  middleware.UserIDFromContext(req.Context()),
		conn:    conn,
		send:    make(chan Envelope, 32),
		limiter: rate.NewLimiter(r.msgRate, r.msgBurst),
	}

	r.mu.Lock()
	r.conns[peer.id] = peer
	r.mu.Unlock()

	r.logger.Infow("peer connected", "peer_id", peer.id, "user_id", peer.userID)

	// Connection id assignment is always the first frame.
	idPayload, _ := json.Marshal(ConnectionIDPayload{ConnectionID: peer.id})
	conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	if err := conn.WriteJSON(Envelope{Type: TypeConnectionID, Payload: idPayload}); err != nil {
		r.cleanup(peer)
		return
	}

	go r.writePump(peer)

	conn.SetReadDeadline(time.Now().Add(r.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(r.readTimeout))
		return nil
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("read failed", "peer_id", peer.id, "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(r.readTimeout))

		if !peer.limiter.Allow() {
			r.sendError(peer, "rate_limited", "message rate limit exceeded")
			continue
		}
		if err := r.handleMessage(req.Context(), peer, env); err != nil {
			r.logger.Infow("message rejected", "peer_id", peer.id, "type", env.Type, "error", err)
			r.sendError(peer, "", err.Error())
		}
	}

	r.cleanup(peer)
}

func (r *Router) handleMessage(ctx context.Context, peer *peerConn, env Envelope) error {
	switch env.Type {
	case TypeJoin:
		return r.handleJoin(ctx, peer, env)
	case TypeLeave:
		r.handleLeave(ctx, peer)
		return nil
	case TypeOffer:
		return r.handleOffer(ctx, peer, env)
	case TypeAnswer:
		return r.handleAnswer(ctx, peer, env)
	case TypeICECandidate:
		return r.handleCandidate(peer, env)
	case TypeRoomMetadata:
		return r.handleMetadata(ctx, peer, env)
	case TypeLookup:
		return r.handleLookup(peer, env)
	default:
		return fmt.Errorf("unknown message type: %s", env.Type)
	}
}

func (r *Router) handleJoin(ctx context.Context, peer *peerConn, env Envelope) error {
	var payload JoinPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid join payload: %w", err)
	}
	if err := validation.ValidateRoomID(string(payload.RoomID)); err != nil {
		return err
	}

	room, err := r.rooms.GetByID(ctx, payload.RoomID)
	switch {
	case err == domain.ErrRoomNotFound:
		room = &domain.Room{
			ID:        payload.RoomID,
			Status:    domain.RoomStatusActive,
			CreatedAt: time.Now(),
		}
		if err := r.rooms.Save(ctx, room); err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to load room: %w", err)
	default:
		if room.Status != domain.RoomStatusActive {
			if err := r.rooms.UpdateStatus(ctx, room.ID, domain.RoomStatusActive); err != nil {
				return err
			}
			room.Status = domain.RoomStatusActive
		}
	}

	r.mu.Lock()
	peer.roomID = payload.RoomID
	peer.streamID = payload.StreamID
	r.mu.Unlock()

	r.sendTo(peer.id, "", TypeRoomState, RoomStatePayload{Room: *room})
	r.broadcast(payload.RoomID, peer.id, "", TypePeerJoined, PeerJoinedPayload{
		UserID: peer.userID,
		PeerID: peer.id,
	})

	r.logger.Infow("peer joined room",
		"peer_id", peer.id,
		"room_id", payload.RoomID,
		"stream_id", payload.StreamID,
	)

	if payload.Offer != nil {
		answer, err := r.relay.HandlePublisherOffer(ctx, peer.id, payload.RoomID, *payload.Offer)
		if err != nil {
			return fmt.Errorf("failed to accept publish offer: %w", err)
		}
		r.sendTo(peer.id, "", TypeAnswer, SDPPayload{SDP: answer})
	}
	return nil
}

func (r *Router) handleLeave(ctx context.Context, peer *peerConn) {
	r.mu.Lock()
	roomID := peer.roomID
	streamID := peer.streamID
	peer.roomID = ""
	peer.streamID = ""
	r.mu.Unlock()

	if roomID == "" {
		return
	}

	r.relay.RemovePeer(peer.id)
	r.broadcast(roomID, peer.id, "", TypePeerDisconnected, PeerDisconnectedPayload{
		UserID:   peer.userID,
		PeerID:   peer.id,
		StreamID: streamID,
	})

	if r.roomEmpty(roomID) {
		if err := r.rooms.UpdateStatus(ctx, roomID, domain.RoomStatusInactive); err != nil && err != domain.ErrRoomNotFound {
			r.logger.Warnw("failed to deactivate empty room", "room_id", roomID, "error", err)
		}
	}

	r.logger.Infow("peer left room", "peer_id", peer.id, "room_id", roomID)
}

func (r *Router) handleOffer(ctx context.Context, peer *peerConn, env Envelope) error {
	var payload SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid offer payload: %w", err)
	}
	if err := validation.ValidateSDP(payload.SDP.SDP); err != nil {
		return fmt.Errorf("invalid SDP in offer: %w", err)
	}
	if peer.roomID == "" {
		return fmt.Errorf("offer before join")
	}

	answer, err := r.relay.HandlePublisherOffer(ctx, peer.id, peer.roomID, payload.SDP)
	if err != nil {
		return fmt.Errorf("failed to accept publish offer: %w", err)
	}
	r.sendTo(peer.id, "", TypeAnswer, SDPPayload{SDP: answer})
	return nil
}

func (r *Router) handleAnswer(ctx context.Context, peer *peerConn, env Envelope) error {
	var payload SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid answer payload: %w", err)
	}
	if err := validation.ValidateSDP(payload.SDP.SDP); err != nil {
		return fmt.Errorf("invalid SDP in answer: %w", err)
	}
	return r.relay.HandleSubscriberAnswer(ctx, peer.id, payload.SDP)
}

func (r *Router) handleCandidate(peer *peerConn, env Envelope) error {
	var payload CandidatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid ICE candidate payload: %w", err)
	}
	if payload.Candidate.Candidate == "" {
		return fmt.Errorf("ICE candidate is required")
	}
	return r.relay.AddICECandidate(peer.id, payload.Candidate.ICECandidateInit, payload.Publisher)
}

func (r *Router) handleMetadata(ctx context.Context, peer *peerConn, env Envelope) error {
	var payload MetadataPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid metadata payload: %w", err)
	}
	if peer.roomID == "" {
		return fmt.Errorf("metadata update before join")
	}

	if err := r.rooms.UpdateMetadata(ctx, peer.roomID, payload.Metadata); err != nil {
		return fmt.Errorf("failed to update room metadata: %w", err)
	}
	room, err := r.rooms.GetByID(ctx, peer.roomID)
	if err != nil {
		return err
	}

	// Everyone in the room, the sender included, sees the new state.
	r.broadcast(peer.roomID, "", "", TypeRoomState, RoomStatePayload{Room: *room})
	return nil
}

func (r *Router) handleLookup(peer *peerConn, env Envelope) error {
	var payload LookupPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid lookup payload: %w", err)
	}

	var result LookupResultPayload
	r.mu.RLock()
	for _, other := range r.conns {
		if other.streamID == payload.StreamID && other.streamID != "" {
			switch payload.Kind {
			case LookupPeerForStream:
				result = LookupResultPayload{Value: string(other.id), Found: true}
			case LookupUserForStream:
				if other.userID != "" {
					result = LookupResultPayload{Value: string(other.userID), Found: true}
				}
			}
			break
		}
	}
	r.mu.RUnlock()

	r.sendTo(peer.id, env.RequestID, TypeLookupResult, result)
	return nil
}

func (r *Router) cleanup(peer *peerConn) {
	r.handleLeave(context.Background(), peer)

	r.mu.Lock()
	if current, ok := r.conns[peer.id]; ok && current == peer {
		delete(r.conns, peer.id)
	}
	close(peer.send)
	r.mu.Unlock()

	r.logger.Infow("peer disconnected", "peer_id", peer.id)
}

func (r *Router) writePump(peer *peerConn) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-peer.send:
			if !ok {
				return
			}
			peer.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if err := peer.conn.WriteJSON(env); err != nil {
				r.logger.Debugw("write failed", "peer_id", peer.id, "error", err)
				return
			}
		case <-ticker.C:
			peer.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if err := peer.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Router) sendTo(peerID domain.PeerID, requestID, msgType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Errorw("failed to marshal payload", "type", msgType, "error", err)
		return
	}

	// The send happens under the read lock so the channel cannot be
	// closed out from under it; cleanup closes only under the write lock.
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, exists := r.conns[peerID]
	if !exists {
		return
	}

	select {
	case peer.send <- Envelope{Type: msgType, RequestID: requestID, Payload: raw}:
	default:
		r.logger.Warnw("send buffer full, dropping message", "peer_id", peerID, "type", msgType)
	}
}

// broadcast sends to every member of a room except the excluded peer.
// An empty exclusion broadcasts to the whole room.
func (r *Router) broadcast(roomID domain.RoomID, except domain.PeerID, requestID, msgType string, payload interface{}) {
	r.mu.RLock()
	var targets []domain.PeerID
	for id, peer := range r.conns {
		if peer.roomID == roomID && id != except {
			targets = append(targets, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range targets {
		r.sendTo(id, requestID, msgType, payload)
	}
}

func (r *Router) roomEmpty(roomID domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, peer := range r.conns {
		if peer.roomID == roomID {
			return false
		}
	}
	return true
}

func (r *Router) sendError(peer *peerConn, code, message string) {
	r.sendTo(peer.id, "", TypeError, ErrorPayload{Code: code, Message: message})
}
