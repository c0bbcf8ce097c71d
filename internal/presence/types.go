// Package presence tracks who is viewing and editing each region and
// arbitrates the region edit lock. The authoritative copy lives in
// Redis (RedisService); Coordinator is the session-side client that
// keeps an eventually-consistent local view over the real-time channel
// with a REST fallback.
package presence

import (
	"context"
	"time"
)

// Record is one session's presence in a region. Ephemeral: it expires
// when no heartbeat arrives within the presence TTL window.
type Record struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	RegionID  string    `json:"regionId"`
	IsEditing bool      `json:"isEditing"`
	LastSeen  time.Time `json:"lastSeen"`
}

// LockResult is the authoritative outcome of one acquisition attempt.
type LockResult struct {
	Success         bool   `json:"success"`
	LockedBy        string `json:"lockedBy,omitempty"`
	LockedBySession string `json:"lockedBySession,omitempty"`
}

// Port is the synchronous request/response contract the coordinator
// falls back to when the real-time channel is degraded. RedisService
// implements it; the HTTP layer exposes it to browser sessions.
type Port interface {
	GetPresence(ctx context.Context, region string) ([]Record, error)
	UpdatePresence(ctx context.Context, region, userID, sessionID string, isEditing bool) error
	AcquireLock(ctx context.Context, region, userID, sessionID string) (LockResult, error)
	ReleaseLock(ctx context.Context, region, userID, sessionID string) error
}

// Event types delivered on a region's real-time channel.
const (
	EventConnected       = "connected"
	EventPresenceJoined  = "presence-joined"
	EventPresenceLeft    = "presence-left"
	EventPresenceUpdated = "presence-updated"
	EventLockAcquired    = "lock-acquired"
	EventLockReleased    = "lock-released"
	EventError           = "error"
)

// Event is a server-to-client message on the region channel. Which
// fields are set depends on Type: presence events carry the full
// Records list so receivers recompute state from the payload rather
// than from their own last action.
type Event struct {
	Type            string   `json:"type"`
	Region          string   `json:"region,omitempty"`
	Records         []Record `json:"records,omitempty"`
	Record          *Record  `json:"record,omitempty"`
	LockedBy        string   `json:"lockedBy,omitempty"`
	LockedBySession string   `json:"lockedBySession,omitempty"`
	Message         string   `json:"message,omitempty"`
}

// Client message types on the region channel.
const (
	MsgJoinRegion     = "join-region"
	MsgLeaveRegion    = "leave-region"
	MsgUpdatePresence = "update-presence"
	MsgAcquireLock    = "acquire-lock"
	MsgReleaseLock    = "release-lock"
)

// ClientMessage is a client-to-server message on the region channel.
type ClientMessage struct {
	Type      string `json:"type"`
	Region    string `json:"region,omitempty"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	IsEditing bool   `json:"isEditing,omitempty"`
}

// Channel is the client end of the real-time region channel.
// Implementations deliver server events on Events until closed and
// report their link state via Connected.
type Channel interface {
	Connected() bool
	Send(msg ClientMessage) error
	Events() <-chan Event
	Close() error
}
