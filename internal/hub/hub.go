// Package hub terminates the real-time region channel. Each websocket
// serves one (tenant, region) pair; region events travel through Redis
// pub/sub so every hub instance serving the region converges.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"canvasd/api/internal/presence"
)

type Hub struct {
	service  *presence.RedisService
	upgrader websocket.Upgrader
}

func New(service *presence.RedisService) *Hub {
	return &Hub{
		service: service,
		upgrader: websocket.Upgrader{
			// Origin checks belong to the auth gateway in front of us.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades /ws/{tenant}/{region} connections.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 3 || parts[0] != "ws" || parts[1] == "" || parts[2] == "" {
		http.NotFound(w, r)
		return
	}
	region := parts[1] + "/" + parts[2]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub upgrade %s: %v", region, err)
		return
	}

	s := &session{
		service:  h.service,
		conn:     conn,
		region:   region,
		outbound: make(chan []byte, 32),
	}
	s.run(r.Context())
}

type session struct {
	service *presence.RedisService
	conn    *websocket.Conn
	region  string

	userID    string
	sessionID string
	joined    bool

	outbound chan []byte
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close()

	pubsub := s.service.Subscribe(ctx, s.region)
	defer pubsub.Close()

	// Single writer goroutine; gorilla connections allow one concurrent
	// writer.
	go func() {
		for {
			select {
			case raw := <-s.outbound:
				if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					log.Printf("hub write %s: %v", s.region, err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Relay region events from Redis to this socket.
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.push([]byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()

	s.send(presence.Event{Type: presence.EventConnected, Region: s.region})

	for {
		var msg presence.ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			break
		}
		s.handle(ctx, msg)
	}

	cancel()
	if s.joined {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanupCancel()
		if err := s.service.Leave(cleanupCtx, s.region, s.userID, s.sessionID); err != nil {
			log.Printf("hub leave %s: %v", s.region, err)
		}
	}
}

func (s *session) handle(ctx context.Context, msg presence.ClientMessage) {
	switch msg.Type {
	case presence.MsgJoinRegion:
		s.userID = msg.UserID
		s.sessionID = msg.SessionID
		s.joined = true
		if err := s.service.Join(ctx, s.region, msg.UserID, msg.SessionID); err != nil {
			s.sendError(err)
		}
	case presence.MsgLeaveRegion:
		s.joined = false
		if err := s.service.Leave(ctx, s.region, msg.UserID, msg.SessionID); err != nil {
			s.sendError(err)
		}
	case presence.MsgUpdatePresence:
		if err := s.service.UpdatePresence(ctx, s.region, msg.UserID, msg.SessionID, msg.IsEditing); err != nil {
			s.sendError(err)
		}
	case presence.MsgAcquireLock:
		result, err := s.service.AcquireLock(ctx, s.region, msg.UserID, msg.SessionID)
		if err != nil {
			s.sendError(err)
			return
		}
		// Answer the requester directly; grants are also broadcast via
		// pub/sub, denials name the current holder.
		event := presence.Event{
			Type:            presence.EventLockAcquired,
			Region:          s.region,
			LockedBy:        msg.UserID,
			LockedBySession: msg.SessionID,
		}
		if !result.Success {
			event.LockedBy = result.LockedBy
			event.LockedBySession = result.LockedBySession
		}
		s.send(event)
	case presence.MsgReleaseLock:
		if err := s.service.ReleaseLock(ctx, s.region, msg.UserID, msg.SessionID); err != nil {
			s.sendError(err)
		}
	default:
		s.send(presence.Event{
			Type:    presence.EventError,
			Region:  s.region,
			Message: "unknown message type " + msg.Type,
		})
	}
}

func (s *session) send(event presence.Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		log.Printf("hub marshal %s: %v", event.Type, err)
		return
	}
	s.push(raw)
}

// sendError logs and reports a degraded operation; the socket stays
// open.
func (s *session) sendError(err error) {
	log.Printf("hub %s: %v", s.region, err)
	s.send(presence.Event{Type: presence.EventError, Region: s.region, Message: err.Error()})
}

func (s *session) push(raw []byte) {
	select {
	case s.outbound <- raw:
	default:
		log.Printf("hub %s: dropping event, slow consumer", s.region)
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
