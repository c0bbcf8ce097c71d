package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Coordinator keeps one session's view of a region: who is present and
// who holds the edit lock. It prefers the real-time channel and falls
// back to the synchronous port whenever the channel is degraded.
// Network failures degrade to "assume unlocked/unknown" instead of
// blocking the caller: availability wins over strict consistency.
type Coordinator struct {
	region    string
	userID    string
	sessionID string

	channel Channel
	port    Port

	heartbeatInterval time.Duration
	lockWait          time.Duration

	mu         sync.Mutex
	isEditing  bool
	lockedBy   string
	peers      map[string]Record
	lockWaiter chan Event

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// CoordinatorOptions tune the protocol timings; zero values take the
// reference defaults (30s heartbeat, 2s lock wait).
type CoordinatorOptions struct {
	SessionID         string
	HeartbeatInterval time.Duration
	LockWait          time.Duration
}

// NewCoordinator creates a coordinator for one (user, session, region)
// tuple. channel may be nil for a REST-only session.
func NewCoordinator(port Port, channel Channel, region, userID string, opts CoordinatorOptions) *Coordinator {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	lockWait := opts.LockWait
	if lockWait <= 0 {
		lockWait = 2 * time.Second
	}
	return &Coordinator{
		region:            region,
		userID:            userID,
		sessionID:         sessionID,
		channel:           channel,
		port:              port,
		heartbeatInterval: heartbeat,
		lockWait:          lockWait,
		peers:             map[string]Record{},
		stop:              make(chan struct{}),
	}
}

func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Join announces the session on the channel, seeds local presence with
// a one-shot fetch (covering peers that announced before our channel
// connected), and starts the heartbeat.
func (c *Coordinator) Join(ctx context.Context) {
	if c.channelReady() {
		if err := c.channel.Send(c.message(MsgJoinRegion)); err != nil {
			log.Printf("presence join %s: channel send: %v", c.region, err)
		}
	}
	if c.channel != nil {
		c.wg.Add(1)
		go c.pumpEvents()
	}

	records, err := c.port.GetPresence(ctx, c.region)
	if err != nil {
		log.Printf("presence seed %s: %v", c.region, err)
	} else {
		c.applyPresence(records)
	}
	if err := c.port.UpdatePresence(ctx, c.region, c.userID, c.sessionID, false); err != nil {
		log.Printf("presence announce %s: %v", c.region, err)
	}

	c.wg.Add(1)
	go c.heartbeat()
}

// Leave releases a held lock, announces departure, and stops the
// heartbeat and event pump.
func (c *Coordinator) Leave(ctx context.Context) {
	if c.IsEditing() {
		c.ReleaseLock(ctx)
	}
	if c.channelReady() {
		if err := c.channel.Send(c.message(MsgLeaveRegion)); err != nil {
			log.Printf("presence leave %s: channel send: %v", c.region, err)
		}
	}
	c.stopOnce.Do(func() { close(c.stop) })
	if c.channel != nil {
		_ = c.channel.Close()
	}
	c.wg.Wait()
}

// AcquireLock attempts to take the region edit lock: first over the
// channel with a bounded wait, then over the synchronous port. Exactly
// one outcome is authoritative per attempt. On failure the current
// holder is reported; on any network failure the attempt simply fails.
func (c *Coordinator) AcquireLock(ctx context.Context) (bool, string) {
	if c.channelReady() {
		waiter := make(chan Event, 1)
		c.mu.Lock()
		c.lockWaiter = waiter
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.lockWaiter = nil
			c.mu.Unlock()
		}()

		if err := c.channel.Send(c.message(MsgAcquireLock)); err != nil {
			log.Printf("lock acquire %s: channel send: %v", c.region, err)
		} else {
			timer := time.NewTimer(c.lockWait)
			defer timer.Stop()
			select {
			case ev := <-waiter:
				return c.interpretLockOutcome(ev)
			case <-timer.C:
				// Bounded wait expired; the channel answer, if it ever
				// arrives, is superseded by the port's.
			case <-ctx.Done():
			}
		}
	}

	result, err := c.port.AcquireLock(ctx, c.region, c.userID, c.sessionID)
	if err != nil {
		log.Printf("lock acquire %s: %v", c.region, err)
		return false, ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if result.Success {
		c.isEditing = true
		c.lockedBy = ""
		return true, ""
	}
	c.lockedBy = result.LockedBy
	return false, result.LockedBy
}

// ReleaseLock frees the edit lock: over the channel when connected and
// always via the port, then clears the local editing flag.
func (c *Coordinator) ReleaseLock(ctx context.Context) {
	if c.channelReady() {
		if err := c.channel.Send(c.message(MsgReleaseLock)); err != nil {
			log.Printf("lock release %s: channel send: %v", c.region, err)
		}
	}
	if err := c.port.ReleaseLock(ctx, c.region, c.userID, c.sessionID); err != nil {
		log.Printf("lock release %s: %v", c.region, err)
	}
	c.mu.Lock()
	c.isEditing = false
	c.mu.Unlock()
}

// IsEditing reports whether this session holds the edit lock.
func (c *Coordinator) IsEditing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isEditing
}

// LockedBy reports the user id currently blocking this session, if
// any.
func (c *Coordinator) LockedBy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockedBy
}

// Peers returns the known presence records excluding this session.
func (c *Coordinator) Peers() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.peers))
	for _, record := range c.peers {
		out = append(out, record)
	}
	return out
}

func (c *Coordinator) channelReady() bool {
	return c.channel != nil && c.channel.Connected()
}

func (c *Coordinator) message(msgType string) ClientMessage {
	c.mu.Lock()
	isEditing := c.isEditing
	c.mu.Unlock()
	return ClientMessage{
		Type:      msgType,
		Region:    c.region,
		UserID:    c.userID,
		SessionID: c.sessionID,
		IsEditing: isEditing,
	}
}

func (c *Coordinator) pumpEvents() {
	defer c.wg.Done()
	for {
		select {
		case event, ok := <-c.channel.Events():
			if !ok {
				return
			}
			c.handleEvent(event)
		case <-c.stop:
			return
		}
	}
}

// handleEvent reconciles local state from an authoritative channel
// event. State is always recomputed from the payload, never assumed
// from the local action alone.
func (c *Coordinator) handleEvent(event Event) {
	switch event.Type {
	case EventPresenceUpdated:
		c.applyPresence(event.Records)
	case EventPresenceJoined:
		if event.Record != nil && !c.self(event.Record.UserID, event.Record.SessionID) {
			c.mu.Lock()
			c.peers[memberField(event.Record.UserID, event.Record.SessionID)] = *event.Record
			c.mu.Unlock()
		}
	case EventPresenceLeft:
		if event.Record != nil {
			c.mu.Lock()
			delete(c.peers, memberField(event.Record.UserID, event.Record.SessionID))
			c.mu.Unlock()
		}
	case EventLockAcquired:
		c.mu.Lock()
		if waiter := c.lockWaiter; waiter != nil {
			c.lockWaiter = nil
			select {
			case waiter <- event:
			default:
			}
		}
		if event.LockedBySession == c.sessionID {
			c.isEditing = true
			c.lockedBy = ""
		} else {
			c.lockedBy = event.LockedBy
			if c.isEditing {
				// Someone else holds the lock per the server; our local
				// assumption was stale.
				c.isEditing = false
			}
		}
		c.mu.Unlock()
	case EventLockReleased:
		c.mu.Lock()
		c.lockedBy = ""
		if event.LockedBySession == c.sessionID {
			c.isEditing = false
		}
		c.mu.Unlock()
	case EventError:
		log.Printf("region channel %s: %s", c.region, event.Message)
	case EventConnected:
		// Link confirmation only.
	}
}

// interpretLockOutcome maps the authoritative lock-acquired event from
// an acquisition attempt to its outcome.
func (c *Coordinator) interpretLockOutcome(event Event) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if event.LockedBySession == c.sessionID {
		c.isEditing = true
		c.lockedBy = ""
		return true, ""
	}
	c.lockedBy = event.LockedBy
	return false, event.LockedBy
}

func (c *Coordinator) applyPresence(records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = map[string]Record{}
	lockedBy := ""
	for _, record := range records {
		if c.self(record.UserID, record.SessionID) {
			continue
		}
		c.peers[memberField(record.UserID, record.SessionID)] = record
		if record.IsEditing && lockedBy == "" {
			lockedBy = record.UserID
		}
	}
	c.lockedBy = lockedBy
}

func (c *Coordinator) self(userID, sessionID string) bool {
	return userID == c.userID && sessionID == c.sessionID
}

// heartbeat keeps this session's record alive. When the channel is
// down the update goes over the synchronous port so presence does not
// silently expire for connected-but-degraded clients.
func (c *Coordinator) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.beat()
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) beat() {
	if c.channelReady() {
		if err := c.channel.Send(c.message(MsgUpdatePresence)); err == nil {
			return
		} else {
			log.Printf("heartbeat %s: channel send: %v", c.region, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.mu.Lock()
	isEditing := c.isEditing
	c.mu.Unlock()
	if err := c.port.UpdatePresence(ctx, c.region, c.userID, c.sessionID, isEditing); err != nil {
		log.Printf("heartbeat %s: %v", c.region, err)
	}
}
