package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"canvasd/api/internal/bulk"
	"canvasd/api/internal/canvas"
	"canvasd/api/internal/config"
	"canvasd/api/internal/intent"
	"canvasd/api/internal/layout"
	"canvasd/api/internal/mirror"
	"canvasd/api/internal/presence"
)

// CardStore is the durable side of the card persistence port plus
// hydration and health.
type CardStore interface {
	canvas.PersistencePort
	LoadLayout(ctx context.Context, tenant, region string) ([]canvas.Card, error)
	Ping(ctx context.Context) error
}

// PresenceService is the authoritative presence/lock collaborator.
type PresenceService interface {
	presence.Port
	LockHolder(ctx context.Context, region string) (userID, sessionID string, err error)
	Publish(ctx context.Context, region string, event presence.Event)
	Ping(ctx context.Context) error
}

// Session identifies the caller of a request. Authentication is an
// external collaborator; these arrive as trusted headers.
type Session struct {
	Tenant    string
	UserID    string
	SessionID string
}

type BulkAction string

const (
	BulkMove      BulkAction = "move"
	BulkResize    BulkAction = "resize"
	BulkGroup     BulkAction = "group"
	BulkUngroup   BulkAction = "ungroup"
	BulkLock      BulkAction = "lock"
	BulkUnlock    BulkAction = "unlock"
	BulkDuplicate BulkAction = "duplicate"
	BulkDelete    BulkAction = "delete"
)

var allowedBulkActions = map[BulkAction]struct{}{
	BulkMove:      {},
	BulkResize:    {},
	BulkGroup:     {},
	BulkUngroup:   {},
	BulkLock:      {},
	BulkUnlock:    {},
	BulkDuplicate: {},
	BulkDelete:    {},
}

type BulkInput struct {
	Action  BulkAction `json:"action"`
	CardIDs []string   `json:"cardIds"`
	DX      int        `json:"dx"`
	DY      int        `json:"dy"`
	DW      int        `json:"dw"`
	DH      int        `json:"dh"`
}

type AddCardInput struct {
	CardType string           `json:"type"`
	Position *canvas.Geometry `json:"position"`
}

// FailureNotice is the stored, user-visible form of a mirror failure.
// The retry closure stays in process.
type FailureNotice struct {
	Region    string    `json:"region"`
	CardID    string    `json:"cardId"`
	Op        string    `json:"op"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`

	retry func()
}

// Service orchestrates per-region canvas engines over the store and
// the presence service.
type Service struct {
	cfg      config.Config
	store    CardStore
	presence PresenceService

	mu      sync.Mutex
	regions map[string]*region

	noticeMu sync.Mutex
	notices  []FailureNotice
}

// region bundles one dashboard layout's engines. Its mutex serializes
// every mutation, standing in for the single-threaded UI loop the
// engines assume.
type region struct {
	mu         sync.Mutex
	key        string
	layout     *canvas.Layout
	grid       *canvas.SlotRegistry
	lsm        *layout.Engine
	bulk       *bulk.Engine
	dispatcher *intent.Dispatcher
	writer     *mirror.Writer
}

func New(cfg config.Config, store CardStore, pres PresenceService) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		presence: pres,
		regions:  map[string]*region{},
	}
}

// regionKey scopes presence and locking to one dashboard layout.
func regionKey(tenant, regionID string) string {
	return tenant + "/" + regionID
}

// regionFor returns the live engines for a region, hydrating them from
// the store on first touch.
func (s *Service) regionFor(ctx context.Context, tenant, regionID string) (*region, error) {
	key := regionKey(tenant, regionID)

	s.mu.Lock()
	if r, ok := s.regions[key]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	cards, err := s.store.LoadLayout(ctx, tenant, regionID)
	if err != nil {
		return nil, fmt.Errorf("hydrate region %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regions[key]; ok {
		return r, nil
	}

	lay := canvas.NewLayout()
	grid := canvas.NewSlotRegistry()
	writer := mirror.NewWriter(key, 10*time.Second, s.addNotice)
	lsm := layout.New(s.cfg, tenant, regionID, lay, grid, s.store, writer)
	bulkEngine := bulk.New(tenant, regionID, lay, grid, s.store, writer, bulk.Options{
		HistoryCapacity: s.cfg.HistoryCapacity,
		NearbyRadius:    s.cfg.NearbyRadius,
		SizeTolerance:   s.cfg.SizeTolerance,
	})

	r := &region{
		key:    key,
		layout: lay,
		grid:   grid,
		lsm:    lsm,
		bulk:   bulkEngine,
		writer: writer,
	}
	r.dispatcher = intent.NewDispatcher(s.intentHandler(r), 32)

	if err := lsm.Hydrate(cards); err != nil {
		return nil, fmt.Errorf("hydrate region %s: %w", key, err)
	}
	s.regions[key] = r
	return r, nil
}

// intentHandler executes card intents for one region. The dispatcher
// serializes calls; the region mutex additionally fences them against
// bulk operations arriving outside the dispatcher.
func (s *Service) intentHandler(r *region) intent.Handler {
	return func(in intent.Intent) (intent.Result, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		switch in := in.(type) {
		case intent.AddCard:
			id, err := r.lsm.AddCard(in.CardType, in.Position)
			return intent.Result{CardID: id}, err
		case intent.Minimize:
			return intent.Result{CardID: in.CardID}, r.lsm.Minimize(in.CardID)
		case intent.Restore:
			return intent.Result{CardID: in.CardID}, r.lsm.Restore(in.CardID)
		case intent.HalfScreen:
			return intent.Result{CardID: in.CardID}, r.lsm.HalfScreen(in.CardID)
		case intent.Expand:
			return intent.Result{CardID: in.CardID}, r.lsm.Expand(in.CardID)
		case intent.Close:
			return intent.Result{CardID: in.CardID}, r.lsm.Close(in.CardID)
		default:
			return intent.Result{}, fmt.Errorf("unhandled intent %s", intent.Describe(in))
		}
	}
}

// DispatchIntent routes a card intent through the region's command
// queue.
func (s *Service) DispatchIntent(ctx context.Context, session Session, regionID string, in intent.Intent) (intent.Result, error) {
	if err := s.ensureEditable(ctx, session, regionID); err != nil {
		return intent.Result{}, err
	}
	r, err := s.regionFor(ctx, session.Tenant, regionID)
	if err != nil {
		return intent.Result{}, err
	}
	return r.dispatcher.Dispatch(ctx, in)
}

// Cards returns a point-in-time snapshot of the region's layout.
func (s *Service) Cards(ctx context.Context, tenant, regionID string) ([]canvas.Card, error) {
	r, err := s.regionFor(ctx, tenant, regionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layout.Snapshot(), nil
}

// Bulk applies one bulk action to the given card set.
func (s *Service) Bulk(ctx context.Context, session Session, regionID string, input BulkInput) error {
	if _, ok := allowedBulkActions[input.Action]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown bulk action %q", input.Action), nil)
	}
	if err := s.ensureEditable(ctx, session, regionID); err != nil {
		return err
	}
	r, err := s.regionFor(ctx, session.Tenant, regionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch input.Action {
	case BulkMove:
		r.bulk.Move(input.CardIDs, input.DX, input.DY)
	case BulkResize:
		r.bulk.Resize(input.CardIDs, input.DW, input.DH)
	case BulkGroup:
		r.bulk.Group(input.CardIDs)
	case BulkUngroup:
		r.bulk.Ungroup(input.CardIDs)
	case BulkLock:
		r.bulk.Lock(input.CardIDs)
	case BulkUnlock:
		r.bulk.Unlock(input.CardIDs)
	case BulkDuplicate:
		r.bulk.Duplicate(input.CardIDs)
	case BulkDelete:
		r.bulk.Delete(input.CardIDs)
	}
	return nil
}

// Undo reverts the region's most recent bulk operation.
func (s *Service) Undo(ctx context.Context, session Session, regionID string) (bulk.Operation, bool, error) {
	if err := s.ensureEditable(ctx, session, regionID); err != nil {
		return bulk.Operation{}, false, err
	}
	r, err := s.regionFor(ctx, session.Tenant, regionID)
	if err != nil {
		return bulk.Operation{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.bulk.Undo()
	return op, ok, nil
}

// History lists the region's undo entries, newest first.
func (s *Service) History(ctx context.Context, tenant, regionID string) ([]bulk.Operation, error) {
	r, err := s.regionFor(ctx, tenant, regionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bulk.History(), nil
}

// ensureEditable enforces the region edit lock server-side: a mutation
// is allowed when the region is unlocked or the caller's session holds
// the lock. A presence-service outage degrades to allowing the write,
// preserving availability over strict consistency.
func (s *Service) ensureEditable(ctx context.Context, session Session, regionID string) error {
	key := regionKey(session.Tenant, regionID)
	holder, holderSession, err := s.presence.LockHolder(ctx, key)
	if err != nil {
		log.Printf("lock check %s: %v", key, err)
		return nil
	}
	if holder == "" || holderSession == session.SessionID {
		return nil
	}
	return domainError(http.StatusLocked, "REGION_LOCKED",
		fmt.Sprintf("region is being edited by %s", holder),
		map[string]any{"lockedBy": holder})
}

// Presence passthroughs: the REST fallback surface of the coordinator
// protocol.

func (s *Service) GetPresence(ctx context.Context, tenant, regionID string) ([]presence.Record, error) {
	return s.presence.GetPresence(ctx, regionKey(tenant, regionID))
}

func (s *Service) UpdatePresence(ctx context.Context, session Session, regionID string, isEditing bool) error {
	return s.presence.UpdatePresence(ctx, regionKey(session.Tenant, regionID), session.UserID, session.SessionID, isEditing)
}

func (s *Service) AcquireLock(ctx context.Context, session Session, regionID string) (presence.LockResult, error) {
	return s.presence.AcquireLock(ctx, regionKey(session.Tenant, regionID), session.UserID, session.SessionID)
}

func (s *Service) ReleaseLock(ctx context.Context, session Session, regionID string) error {
	return s.presence.ReleaseLock(ctx, regionKey(session.Tenant, regionID), session.UserID, session.SessionID)
}

// Notices returns recent mirror failures for a region, newest first.
func (s *Service) Notices(tenant, regionID string) []FailureNotice {
	key := regionKey(tenant, regionID)
	s.noticeMu.Lock()
	defer s.noticeMu.Unlock()
	out := make([]FailureNotice, 0)
	for i := len(s.notices) - 1; i >= 0; i-- {
		if s.notices[i].Region == key {
			out = append(out, s.notices[i])
		}
	}
	return out
}

// RetryNotices re-issues every retryable failure for a region and
// clears them.
func (s *Service) RetryNotices(tenant, regionID string) int {
	key := regionKey(tenant, regionID)
	s.noticeMu.Lock()
	defer s.noticeMu.Unlock()
	retried := 0
	kept := s.notices[:0]
	for _, notice := range s.notices {
		if notice.Region == key && notice.retry != nil {
			notice.retry()
			retried++
			continue
		}
		kept = append(kept, notice)
	}
	s.notices = kept
	return retried
}

const noticeCapacity = 50

func (s *Service) addNotice(n intent.Notification) {
	s.noticeMu.Lock()
	s.notices = append(s.notices, FailureNotice{
		Region:    n.Region,
		CardID:    n.CardID,
		Op:        n.Op,
		Error:     n.Err.Error(),
		Retryable: n.Retryable,
		At:        time.Now(),
		retry:     n.Retry,
	})
	if len(s.notices) > noticeCapacity {
		s.notices = s.notices[len(s.notices)-noticeCapacity:]
	}
	s.noticeMu.Unlock()

	// Make the failure user-visible on the region channel.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.presence.Publish(ctx, n.Region, presence.Event{
		Type:    presence.EventError,
		Region:  n.Region,
		Message: fmt.Sprintf("%s failed for card %s, retry available", n.Op, n.CardID),
	})
}

// Ping verifies the durable store. Readiness also checks Redis via
// PingPresence.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingPresence(ctx context.Context) error {
	return s.presence.Ping(ctx)
}

// FlushMirrors waits for outstanding persistence mirroring. Used by
// tests and graceful shutdown.
func (s *Service) FlushMirrors() {
	s.mu.Lock()
	regions := make([]*region, 0, len(s.regions))
	for _, r := range s.regions {
		regions = append(regions, r)
	}
	s.mu.Unlock()
	for _, r := range regions {
		r.writer.Flush()
	}
}
