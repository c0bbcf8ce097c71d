package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still holds it,
// so a stale release cannot evict a newer holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisService is the authoritative presence and lock store. Lock
// arbitration is first-writer-wins: SET NX decides, everyone else just
// interprets the result.
type RedisService struct {
	client *redis.Client
	prefix string

	presenceTTL time.Duration
	lockTTL     time.Duration

	// Now is injectable for tests.
	Now func() time.Time
}

// NewRedisService connects to Redis and verifies the connection.
func NewRedisService(redisURL string, presenceTTL, lockTTL time.Duration) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisServiceWithClient(client, presenceTTL, lockTTL), nil
}

// NewRedisServiceWithClient creates a service from an existing client.
func NewRedisServiceWithClient(client *redis.Client, presenceTTL, lockTTL time.Duration) *RedisService {
	if presenceTTL <= 0 {
		presenceTTL = 30 * time.Second
	}
	if lockTTL <= 0 {
		lockTTL = 60 * time.Second
	}
	return &RedisService{
		client:      client,
		prefix:      "canvas:",
		presenceTTL: presenceTTL,
		lockTTL:     lockTTL,
		Now:         time.Now,
	}
}

func (s *RedisService) presenceKey(region string) string {
	return s.prefix + "presence:" + region
}

func (s *RedisService) lockKey(region string) string {
	return s.prefix + "lock:" + region
}

// EventChannel is the pub/sub channel carrying a region's events.
func (s *RedisService) EventChannel(region string) string {
	return s.prefix + "region:" + region
}

func memberField(userID, sessionID string) string {
	return userID + "|" + sessionID
}

// Join records a session in the region and announces it.
func (s *RedisService) Join(ctx context.Context, region, userID, sessionID string) error {
	record := Record{
		UserID:    userID,
		SessionID: sessionID,
		RegionID:  region,
		LastSeen:  s.Now(),
	}
	if err := s.setRecord(ctx, region, record); err != nil {
		return err
	}
	s.publish(ctx, region, Event{Type: EventPresenceJoined, Region: region, Record: &record})
	s.publishPresence(ctx, region)
	return nil
}

// Leave removes a session's record, releasing the region lock first if
// the session holds it.
func (s *RedisService) Leave(ctx context.Context, region, userID, sessionID string) error {
	holder, holderSession, err := s.LockHolder(ctx, region)
	if err == nil && holder == userID && holderSession == sessionID {
		if err := s.ReleaseLock(ctx, region, userID, sessionID); err != nil {
			log.Printf("presence leave %s: release lock: %v", region, err)
		}
	}
	if err := s.client.HDel(ctx, s.presenceKey(region), memberField(userID, sessionID)).Err(); err != nil {
		return fmt.Errorf("remove presence record: %w", err)
	}
	record := Record{UserID: userID, SessionID: sessionID, RegionID: region}
	s.publish(ctx, region, Event{Type: EventPresenceLeft, Region: region, Record: &record})
	s.publishPresence(ctx, region)
	return nil
}

// GetPresence returns the live records for a region, dropping any that
// have not been refreshed within the presence TTL window.
func (s *RedisService) GetPresence(ctx context.Context, region string) ([]Record, error) {
	fields, err := s.client.HGetAll(ctx, s.presenceKey(region)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	cutoff := s.Now().Add(-s.presenceTTL)
	records := make([]Record, 0, len(fields))
	var stale []string
	for field, raw := range fields {
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			stale = append(stale, field)
			continue
		}
		if record.LastSeen.Before(cutoff) {
			stale = append(stale, field)
			continue
		}
		records = append(records, record)
	}
	if len(stale) > 0 {
		if err := s.client.HDel(ctx, s.presenceKey(region), stale...).Err(); err != nil {
			log.Printf("presence prune %s: %v", region, err)
		}
	}
	return records, nil
}

// UpdatePresence refreshes a session's heartbeat and editing flag.
func (s *RedisService) UpdatePresence(ctx context.Context, region, userID, sessionID string, isEditing bool) error {
	record := Record{
		UserID:    userID,
		SessionID: sessionID,
		RegionID:  region,
		IsEditing: isEditing,
		LastSeen:  s.Now(),
	}
	if err := s.setRecord(ctx, region, record); err != nil {
		return err
	}
	s.publishPresence(ctx, region)
	return nil
}

// AcquireLock attempts to take the region edit lock. First writer
// wins; re-acquisition by the current holder refreshes the TTL.
func (s *RedisService) AcquireLock(ctx context.Context, region, userID, sessionID string) (LockResult, error) {
	value := memberField(userID, sessionID)
	ok, err := s.client.SetNX(ctx, s.lockKey(region), value, s.lockTTL).Result()
	if err != nil {
		return LockResult{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		current, err := s.client.Get(ctx, s.lockKey(region)).Result()
		if err == redis.Nil {
			// Holder vanished between SETNX and GET; one retry.
			ok, err = s.client.SetNX(ctx, s.lockKey(region), value, s.lockTTL).Result()
			if err != nil || !ok {
				return LockResult{}, fmt.Errorf("acquire lock retry: %w", err)
			}
			current = value
		} else if err != nil {
			return LockResult{}, fmt.Errorf("read lock holder: %w", err)
		}
		if current != value {
			holder, holderSession := splitMember(current)
			return LockResult{Success: false, LockedBy: holder, LockedBySession: holderSession}, nil
		}
		// Already held by this session: refresh.
		if err := s.client.Expire(ctx, s.lockKey(region), s.lockTTL).Err(); err != nil {
			log.Printf("lock refresh %s: %v", region, err)
		}
	}
	if err := s.UpdatePresence(ctx, region, userID, sessionID, true); err != nil {
		log.Printf("lock presence update %s: %v", region, err)
	}
	s.publish(ctx, region, Event{
		Type:            EventLockAcquired,
		Region:          region,
		LockedBy:        userID,
		LockedBySession: sessionID,
	})
	return LockResult{Success: true}, nil
}

// ReleaseLock frees the region lock if the caller holds it. Releasing
// a lock held by someone else (or nobody) is a no-op.
func (s *RedisService) ReleaseLock(ctx context.Context, region, userID, sessionID string) error {
	value := memberField(userID, sessionID)
	released, err := releaseScript.Run(ctx, s.client, []string{s.lockKey(region)}, value).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if err := s.UpdatePresence(ctx, region, userID, sessionID, false); err != nil {
		log.Printf("unlock presence update %s: %v", region, err)
	}
	if released > 0 {
		s.publish(ctx, region, Event{
			Type:            EventLockReleased,
			Region:          region,
			LockedBy:        userID,
			LockedBySession: sessionID,
		})
	}
	return nil
}

// LockHolder reports who currently holds the region lock; empty
// strings mean the region is free.
func (s *RedisService) LockHolder(ctx context.Context, region string) (userID, sessionID string, err error) {
	current, err := s.client.Get(ctx, s.lockKey(region)).Result()
	if err == redis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("read lock holder: %w", err)
	}
	userID, sessionID = splitMember(current)
	return userID, sessionID, nil
}

// Subscribe opens a pub/sub subscription for a region's events. The
// caller owns the returned subscription.
func (s *RedisService) Subscribe(ctx context.Context, region string) *redis.PubSub {
	return s.client.Subscribe(ctx, s.EventChannel(region))
}

// Publish broadcasts an event on the region channel.
func (s *RedisService) Publish(ctx context.Context, region string, event Event) {
	s.publish(ctx, region, event)
}

// Ping checks Redis reachability.
func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisService) Close() error {
	return s.client.Close()
}

func (s *RedisService) setRecord(ctx context.Context, region string, record Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	field := memberField(record.UserID, record.SessionID)
	if err := s.client.HSet(ctx, s.presenceKey(region), field, raw).Err(); err != nil {
		return fmt.Errorf("save presence record: %w", err)
	}
	return nil
}

// publishPresence broadcasts the current record set so receivers can
// recompute state from the payload.
func (s *RedisService) publishPresence(ctx context.Context, region string) {
	records, err := s.GetPresence(ctx, region)
	if err != nil {
		log.Printf("presence broadcast %s: %v", region, err)
		return
	}
	s.publish(ctx, region, Event{Type: EventPresenceUpdated, Region: region, Records: records})
}

func (s *RedisService) publish(ctx context.Context, region string, event Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal event %s: %v", event.Type, err)
		return
	}
	if err := s.client.Publish(ctx, s.EventChannel(region), raw).Err(); err != nil {
		log.Printf("publish event %s to %s: %v", event.Type, region, err)
	}
}

func splitMember(value string) (userID, sessionID string) {
	parts := strings.SplitN(value, "|", 2)
	if len(parts) != 2 {
		return value, ""
	}
	return parts[0], parts[1]
}
