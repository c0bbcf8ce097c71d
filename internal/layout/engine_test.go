package layout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"canvasd/api/internal/canvas"
	"canvasd/api/internal/config"
	"canvasd/api/internal/intent"
	"canvasd/api/internal/mirror"
)

type fakePort struct {
	mu                   sync.Mutex
	addCardFn            func(context.Context, string, string, canvas.Card) error
	updateCardSizeFn     func(context.Context, string, string, string, int, int, *canvas.Geometry) error
	updateCardPositionFn func(context.Context, string, string, string, int, int) error
	removeCardFn         func(context.Context, string, string, string) error

	added   []canvas.Card
	removed []string
	sized   []string
}

func (f *fakePort) AddCard(ctx context.Context, tenant, region string, card canvas.Card) error {
	f.mu.Lock()
	f.added = append(f.added, card)
	f.mu.Unlock()
	if f.addCardFn != nil {
		return f.addCardFn(ctx, tenant, region, card)
	}
	return nil
}

func (f *fakePort) UpdateCardPosition(ctx context.Context, tenant, region, cardID string, x, y int) error {
	if f.updateCardPositionFn != nil {
		return f.updateCardPositionFn(ctx, tenant, region, cardID, x, y)
	}
	return nil
}

func (f *fakePort) UpdateCardSize(ctx context.Context, tenant, region, cardID string, width, height int, position *canvas.Geometry) error {
	f.mu.Lock()
	f.sized = append(f.sized, cardID)
	f.mu.Unlock()
	if f.updateCardSizeFn != nil {
		return f.updateCardSizeFn(ctx, tenant, region, cardID, width, height, position)
	}
	return nil
}

func (f *fakePort) RemoveCard(ctx context.Context, tenant, region, cardID string) error {
	f.mu.Lock()
	f.removed = append(f.removed, cardID)
	f.mu.Unlock()
	if f.removeCardFn != nil {
		return f.removeCardFn(ctx, tenant, region, cardID)
	}
	return nil
}

func testConfig() config.Config {
	cfg := config.Load()
	cfg.CanvasWidth = 1920
	cfg.CanvasHeight = 1080
	return cfg
}

type testRig struct {
	engine  *Engine
	layout  *canvas.Layout
	grid    *canvas.SlotRegistry
	port    *fakePort
	notices []intent.Notification
	mu      sync.Mutex
}

func newTestRig(t *testing.T, cfg config.Config) *testRig {
	t.Helper()
	rig := &testRig{
		layout: canvas.NewLayout(),
		grid:   canvas.NewSlotRegistry(),
		port:   &fakePort{},
	}
	writer := mirror.NewWriter("t1/main", 2*time.Second, func(n intent.Notification) {
		rig.mu.Lock()
		rig.notices = append(rig.notices, n)
		rig.mu.Unlock()
	})
	rig.engine = New(cfg, "t1", "main", rig.layout, rig.grid, rig.port, writer)
	return rig
}

func (r *testRig) noticeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func (r *testRig) addCard(t *testing.T, geom canvas.Geometry) string {
	t.Helper()
	id, err := r.engine.AddCard("chart", &geom)
	if err != nil {
		t.Fatalf("add card: %v", err)
	}
	return id
}

func TestAddCardDefaults(t *testing.T) {
	rig := newTestRig(t, testConfig())
	id, err := rig.engine.AddCard("chart", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	card, ok := rig.layout.Card(id)
	if !ok {
		t.Fatal("card missing after add")
	}
	if card.Width != 400 || card.Height != 300 {
		t.Fatalf("expected default size 400x300, got %dx%d", card.Width, card.Height)
	}
	if card.Mode != canvas.ModeNormal {
		t.Fatalf("expected normal mode, got %s", card.Mode)
	}

	rig.engine.Flush()
	if len(rig.port.added) != 1 {
		t.Fatalf("expected 1 mirrored add, got %d", len(rig.port.added))
	}
}

func TestAddCardRejectsEmptyType(t *testing.T) {
	rig := newTestRig(t, testConfig())
	if _, err := rig.engine.AddCard("", nil); !errors.Is(err, canvas.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMinimizeRestoreRoundTrip(t *testing.T) {
	rig := newTestRig(t, testConfig())
	original := canvas.Geometry{X: 300, Y: 200, Width: 500, Height: 350}
	id := rig.addCard(t, original)

	if err := rig.engine.Minimize(id); err != nil {
		t.Fatalf("minimize: %v", err)
	}
	card, _ := rig.layout.Card(id)
	if card.Mode != canvas.ModeMinimized {
		t.Fatalf("expected minimized, got %s", card.Mode)
	}
	if card.Width != 220 || card.Height != 48 {
		t.Fatalf("expected minimized size 220x48, got %dx%d", card.Width, card.Height)
	}
	if _, has := rig.grid.SlotOf(id); !has {
		t.Fatal("expected a grid slot assignment")
	}
	if card.SavedGeometry == nil || *card.SavedGeometry != original {
		t.Fatalf("saved geometry mismatch: %+v", card.SavedGeometry)
	}

	if err := rig.engine.Restore(id); err != nil {
		t.Fatalf("restore: %v", err)
	}
	card, _ = rig.layout.Card(id)
	if card.Geometry != original {
		t.Fatalf("restore must return exact pre-minimize geometry, got %+v", card.Geometry)
	}
	if card.Mode != canvas.ModeNormal || card.SavedGeometry != nil {
		t.Fatalf("restore must clear mode and saved geometry: mode=%s saved=%+v", card.Mode, card.SavedGeometry)
	}
	if _, has := rig.grid.SlotOf(id); has {
		t.Fatal("restore must free the grid slot")
	}
}

func TestMinimizeIdempotent(t *testing.T) {
	rig := newTestRig(t, testConfig())
	id := rig.addCard(t, canvas.Geometry{X: 10, Y: 10, Width: 400, Height: 300})

	if err := rig.engine.Minimize(id); err != nil {
		t.Fatalf("minimize: %v", err)
	}
	slot, _ := rig.grid.SlotOf(id)
	if err := rig.engine.Minimize(id); err != nil {
		t.Fatalf("second minimize: %v", err)
	}
	again, _ := rig.grid.SlotOf(id)
	if slot != again {
		t.Fatalf("repeat minimize must keep slot %+v, got %+v", slot, again)
	}
	if rig.grid.Len() != 1 {
		t.Fatalf("expected single slot, got %d", rig.grid.Len())
	}
}

func TestRestoreNormalCardIsNoOp(t *testing.T) {
	rig := newTestRig(t, testConfig())
	geom := canvas.Geometry{X: 10, Y: 10, Width: 400, Height: 300}
	id := rig.addCard(t, geom)
	if err := rig.engine.Restore(id); err != nil {
		t.Fatalf("restore on normal card: %v", err)
	}
	card, _ := rig.layout.Card(id)
	if card.Geometry != geom {
		t.Fatalf("no-op restore changed geometry: %+v", card.Geometry)
	}
}

func TestMinimizeGridFullAbortsBeforeMutation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxGridRows = 1
	cfg.GridCellWidth = cfg.CanvasWidth / 2 // 2 columns
	rig := newTestRig(t, cfg)

	a := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})
	b := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})
	if err := rig.engine.Minimize(a); err != nil {
		t.Fatalf("minimize a: %v", err)
	}
	if err := rig.engine.Minimize(b); err != nil {
		t.Fatalf("minimize b: %v", err)
	}

	victim := canvas.Geometry{X: 700, Y: 100, Width: 400, Height: 300}
	c := rig.addCard(t, victim)
	err := rig.engine.Minimize(c)
	if !errors.Is(err, canvas.ErrGridFull) {
		t.Fatalf("expected ErrGridFull, got %v", err)
	}

	card, _ := rig.layout.Card(c)
	if card.Mode != canvas.ModeNormal {
		t.Fatalf("failed minimize must not change mode, got %s", card.Mode)
	}
	if card.Geometry != victim {
		t.Fatalf("failed minimize must not move card, got %+v", card.Geometry)
	}
	if card.SavedGeometry != nil {
		t.Fatal("failed minimize must not save geometry")
	}
}

func TestMinimizeSlotPixelPosition(t *testing.T) {
	cfg := testConfig()
	cfg.GridOriginX = 8
	cfg.GridOriginY = 8
	cfg.GridCellWidth = 230
	cfg.GridCellHeight = 58
	rig := newTestRig(t, cfg)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, rig.addCard(t, canvas.Geometry{X: 500, Y: 500, Width: 400, Height: 300}))
	}
	for _, id := range ids {
		if err := rig.engine.Minimize(id); err != nil {
			t.Fatalf("minimize %s: %v", id, err)
		}
	}

	for i, id := range ids {
		card, _ := rig.layout.Card(id)
		wantX := 8 + i*230
		if card.X != wantX || card.Y != 8 {
			t.Fatalf("card %d: expected position (%d,8), got (%d,%d)", i, wantX, card.X, card.Y)
		}
	}
}

func TestHalfScreenPlacement(t *testing.T) {
	cfg := testConfig()
	cfg.CanvasWidth = 1000
	cfg.CanvasHeight = 800
	rig := newTestRig(t, cfg)

	a := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})
	b := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})

	if err := rig.engine.HalfScreen(a); err != nil {
		t.Fatalf("half-screen a: %v", err)
	}
	cardA, _ := rig.layout.Card(a)
	if cardA.X != 20 || cardA.Width != 480 {
		t.Fatalf("left placement: expected x=20 width=480, got x=%d width=%d", cardA.X, cardA.Width)
	}
	if cardA.Y != 20 {
		t.Fatalf("expected y=20, got %d", cardA.Y)
	}
	if cardA.Height != 720 {
		t.Fatalf("expected height 720 (90%% of 800), got %d", cardA.Height)
	}

	if err := rig.engine.HalfScreen(b); err != nil {
		t.Fatalf("half-screen b: %v", err)
	}
	cardB, _ := rig.layout.Card(b)
	if cardB.X != 500 {
		t.Fatalf("right placement: expected x=500, got %d", cardB.X)
	}
}

func TestHalfScreenHeightCap(t *testing.T) {
	cfg := testConfig()
	cfg.CanvasWidth = 2000
	cfg.CanvasHeight = 1200 // 90% = 1080, above the cap
	rig := newTestRig(t, cfg)

	id := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})
	if err := rig.engine.HalfScreen(id); err != nil {
		t.Fatalf("half-screen: %v", err)
	}
	card, _ := rig.layout.Card(id)
	if card.Height != 900 {
		t.Fatalf("expected capped height 900, got %d", card.Height)
	}
}

func TestHalfScreenIdempotent(t *testing.T) {
	rig := newTestRig(t, testConfig())
	id := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})
	if err := rig.engine.HalfScreen(id); err != nil {
		t.Fatalf("half-screen: %v", err)
	}
	card, _ := rig.layout.Card(id)
	before := card.Geometry
	if err := rig.engine.HalfScreen(id); err != nil {
		t.Fatalf("second half-screen: %v", err)
	}
	if card.Geometry != before {
		t.Fatalf("repeat half-screen changed geometry: %+v", card.Geometry)
	}
}

func TestHalfScreenRestore(t *testing.T) {
	rig := newTestRig(t, testConfig())
	original := canvas.Geometry{X: 111, Y: 222, Width: 333, Height: 444}
	id := rig.addCard(t, original)
	if err := rig.engine.HalfScreen(id); err != nil {
		t.Fatalf("half-screen: %v", err)
	}
	if err := rig.engine.Restore(id); err != nil {
		t.Fatalf("restore: %v", err)
	}
	card, _ := rig.layout.Card(id)
	if card.Geometry != original {
		t.Fatalf("restore after half-screen must return original geometry, got %+v", card.Geometry)
	}
}

func TestExpandCaps(t *testing.T) {
	cfg := testConfig()
	cfg.CanvasWidth = 1920
	cfg.CanvasHeight = 1200
	rig := newTestRig(t, cfg)

	id := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})
	if err := rig.engine.Expand(id); err != nil {
		t.Fatalf("expand: %v", err)
	}
	card, _ := rig.layout.Card(id)
	// 95% of 1920 = 1824 > 1600 cap; 90% of 1200 = 1080 > 1000 cap.
	if card.Width != 1600 || card.Height != 1000 {
		t.Fatalf("expected capped 1600x1000, got %dx%d", card.Width, card.Height)
	}
	if card.X != 20 || card.Y != 20 {
		t.Fatalf("expected padding position (20,20), got (%d,%d)", card.X, card.Y)
	}
	if card.Mode != canvas.ModeExpanded {
		t.Fatalf("expected expanded mode, got %s", card.Mode)
	}
}

func TestExpandFromMinimizedFreesSlot(t *testing.T) {
	rig := newTestRig(t, testConfig())
	original := canvas.Geometry{X: 50, Y: 60, Width: 400, Height: 300}
	id := rig.addCard(t, original)
	if err := rig.engine.Minimize(id); err != nil {
		t.Fatalf("minimize: %v", err)
	}
	if err := rig.engine.Expand(id); err != nil {
		t.Fatalf("expand: %v", err)
	}
	if _, has := rig.grid.SlotOf(id); has {
		t.Fatal("expand must free the grid slot")
	}
	// Saved geometry still points at the pre-minimize rectangle.
	if err := rig.engine.Restore(id); err != nil {
		t.Fatalf("restore: %v", err)
	}
	card, _ := rig.layout.Card(id)
	if card.Geometry != original {
		t.Fatalf("restore must use the first saved geometry, got %+v", card.Geometry)
	}
}

func TestCloseRemovesCardAndSlot(t *testing.T) {
	rig := newTestRig(t, testConfig())
	id := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})
	if err := rig.engine.Minimize(id); err != nil {
		t.Fatalf("minimize: %v", err)
	}
	if err := rig.engine.Close(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := rig.layout.Card(id); ok {
		t.Fatal("card must be gone after close")
	}
	if rig.grid.Len() != 0 {
		t.Fatal("close must free the grid slot")
	}
	rig.engine.Flush()
	if len(rig.port.removed) != 1 || rig.port.removed[0] != id {
		t.Fatalf("expected mirrored remove of %s, got %v", id, rig.port.removed)
	}
}

func TestTransitionsOnUnknownCard(t *testing.T) {
	rig := newTestRig(t, testConfig())
	for name, fn := range map[string]func(string) error{
		"minimize":    rig.engine.Minimize,
		"restore":     rig.engine.Restore,
		"half-screen": rig.engine.HalfScreen,
		"expand":      rig.engine.Expand,
		"close":       rig.engine.Close,
	} {
		if err := fn("ghost"); !errors.Is(err, ErrCardNotFound) {
			t.Fatalf("%s: expected ErrCardNotFound, got %v", name, err)
		}
	}
}

func TestMirrorValidationFailureIsSilent(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.port.updateCardSizeFn = func(context.Context, string, string, string, int, int, *canvas.Geometry) error {
		return fmt.Errorf("%w: width out of range", canvas.ErrValidation)
	}
	id := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})
	if err := rig.engine.Minimize(id); err != nil {
		t.Fatalf("minimize: %v", err)
	}
	rig.engine.Flush()
	if rig.noticeCount() != 0 {
		t.Fatalf("validation failures must not produce notices, got %d", rig.noticeCount())
	}
	// Local state stays minimized.
	card, _ := rig.layout.Card(id)
	if card.Mode != canvas.ModeMinimized {
		t.Fatalf("local state must survive mirror validation failure, got %s", card.Mode)
	}
}

func TestMirrorTransportFailureIsRetryable(t *testing.T) {
	rig := newTestRig(t, testConfig())
	var calls int
	var callMu sync.Mutex
	rig.port.updateCardSizeFn = func(context.Context, string, string, string, int, int, *canvas.Geometry) error {
		callMu.Lock()
		defer callMu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	}

	id := rig.addCard(t, canvas.Geometry{X: 0, Y: 0, Width: 400, Height: 300})
	if err := rig.engine.Minimize(id); err != nil {
		t.Fatalf("minimize: %v", err)
	}
	rig.engine.Flush()

	rig.mu.Lock()
	if len(rig.notices) != 1 {
		rig.mu.Unlock()
		t.Fatalf("expected 1 retryable notice, got %d", len(rig.notices))
	}
	notice := rig.notices[0]
	rig.mu.Unlock()

	if !notice.Retryable || notice.Retry == nil {
		t.Fatalf("notice must carry a retry closure: %+v", notice)
	}
	if notice.CardID != id || notice.Op != "minimize" {
		t.Fatalf("notice identity mismatch: %+v", notice)
	}

	notice.Retry()
	rig.engine.Flush()

	callMu.Lock()
	defer callMu.Unlock()
	if calls != 2 {
		t.Fatalf("expected retry to re-issue the call, calls=%d", calls)
	}
}

func TestHydrateAssignsSlotsToMinimized(t *testing.T) {
	rig := newTestRig(t, testConfig())
	saved := canvas.Geometry{X: 5, Y: 6, Width: 400, Height: 300}
	cards := []canvas.Card{
		{ID: "a", Type: "chart", Geometry: canvas.Geometry{X: 8, Y: 8, Width: 220, Height: 48}, Mode: canvas.ModeMinimized, SavedGeometry: &saved},
		{ID: "b", Type: "note", Geometry: canvas.Geometry{X: 100, Y: 100, Width: 400, Height: 300}, Mode: canvas.ModeNormal},
	}
	if err := rig.engine.Hydrate(cards); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if _, has := rig.grid.SlotOf("a"); !has {
		t.Fatal("minimized card must get a slot on hydrate")
	}
	if _, has := rig.grid.SlotOf("b"); has {
		t.Fatal("normal card must not get a slot")
	}
	if rig.layout.Len() != 2 {
		t.Fatalf("expected 2 cards, got %d", rig.layout.Len())
	}
}
