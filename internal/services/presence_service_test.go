package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/domain"
	"github.com/tbourn/go-handoff-backend/internal/repo"
)

type fullPresenceShim struct{ presenceRepoShim }

func (fullPresenceShim) UpsertPresence(ctx context.Context, db *gorm.DB, operatorID, status string, name *string, capacity *int, now time.Time) (*domain.OperatorPresence, error) {
	return repo.UpsertPresence(ctx, db, operatorID, status, name, capacity, now)
}
func (fullPresenceShim) SetActiveChats(ctx context.Context, db *gorm.DB, operatorID string, count int) error {
	return repo.SetActiveChats(ctx, db, operatorID, count)
}
func (fullPresenceShim) MarkStaleOffline(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	return repo.MarkStaleOffline(ctx, db, cutoff)
}
func (fullPresenceShim) ListPresence(ctx context.Context, db *gorm.DB) ([]domain.OperatorPresence, error) {
	return repo.ListPresence(ctx, db)
}

type assignmentCounterShim struct{}

func (assignmentCounterShim) CountAssignedActive(ctx context.Context, db *gorm.DB, operatorID string) (int64, error) {
	return repo.CountAssignedActive(ctx, db, operatorID)
}

func newPresenceSvc(t *testing.T, db *gorm.DB) (*PresenceService, *fixedClock) {
	t.Helper()
	svc := NewPresenceService(db, fullPresenceShim{}, assignmentCounterShim{}, presenceCfg(), zerolog.Nop())
	clk := &fixedClock{now: time.Now().UTC()}
	svc.Clock = clk
	return svc, clk
}

func TestPresence_HeartbeatUpsertsAndRefreshes(t *testing.T) {
	db := newTestDB(t)
	svc, clk := newPresenceSvc(t, db)

	name := "Alice"
	capacity := 5
	info, err := svc.Heartbeat(context.Background(), "op-1", domain.PresenceOnline, &name, &capacity)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if info.Status != domain.PresenceOnline || info.MaxChatCapacity != 5 || info.Name != "Alice" {
		t.Fatalf("unexpected presence: %+v", info)
	}
	if !info.Available {
		t.Fatal("fresh online operator should be available")
	}

	// Second beat without name/capacity keeps the stored values.
	clk.advance(30 * time.Second)
	info, err = svc.Heartbeat(context.Background(), "op-1", domain.PresenceAway, nil, nil)
	if err != nil {
		t.Fatalf("second Heartbeat: %v", err)
	}
	if info.Name != "Alice" || info.MaxChatCapacity != 5 {
		t.Fatalf("nil fields overwrote stored values: %+v", info)
	}
	if info.Status != domain.PresenceAway || info.Available {
		t.Fatalf("away operator reported available: %+v", info)
	}
}

func TestPresence_HeartbeatDefaultsAndValidation(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newPresenceSvc(t, db)

	info, err := svc.Heartbeat(context.Background(), "op-1", "", nil, nil)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if info.Status != domain.PresenceOnline {
		t.Fatalf("empty status should default to online, got %q", info.Status)
	}

	if _, err := svc.Heartbeat(context.Background(), "op-1", "busy", nil, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err = %v, want ErrInvalidStatus", err)
	}

	bad := 0
	info, err = svc.Heartbeat(context.Background(), "op-2", domain.PresenceOnline, nil, &bad)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if info.MaxChatCapacity != presenceCfg().DefaultCapacity {
		t.Fatalf("capacity = %d, want default %d", info.MaxChatCapacity, presenceCfg().DefaultCapacity)
	}
}

func TestPresence_AvailabilityStaleness(t *testing.T) {
	db := newTestDB(t)
	svc, clk := newPresenceSvc(t, db)

	if _, err := svc.Heartbeat(context.Background(), "op-1", domain.PresenceOnline, nil, nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	ok, err := svc.Availability(context.Background(), "op-1")
	if err != nil || !ok {
		t.Fatalf("Availability = %v, %v; want true", ok, err)
	}

	clk.advance(2 * time.Minute)
	ok, err = svc.Availability(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if ok {
		t.Fatal("stale heartbeat should exclude operator from availability")
	}

	if _, err := svc.Availability(context.Background(), "ghost"); !errors.Is(err, ErrOperatorNotFound) {
		t.Fatalf("err = %v, want ErrOperatorNotFound", err)
	}
}

func TestPresence_AutoOfflineSweep(t *testing.T) {
	db := newTestDB(t)
	svc, clk := newPresenceSvc(t, db)

	if _, err := svc.Heartbeat(context.Background(), "op-stale", domain.PresenceOnline, nil, nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	clk.advance(2 * time.Minute)
	if _, err := svc.Heartbeat(context.Background(), "op-fresh", domain.PresenceOnline, nil, nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	n, err := svc.AutoOfflineSweep(context.Background())
	if err != nil {
		t.Fatalf("AutoOfflineSweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	stale, _ := svc.Get(context.Background(), "op-stale")
	if stale.Status != domain.PresenceOffline {
		t.Fatalf("stale operator status = %q, want offline", stale.Status)
	}
	fresh, _ := svc.Get(context.Background(), "op-fresh")
	if fresh.Status != domain.PresenceOnline {
		t.Fatalf("fresh operator swept: %+v", fresh)
	}
}

func TestPresence_SyncActiveChats(t *testing.T) {
	db := newTestDB(t)
	svc, clk := newPresenceSvc(t, db)
	hsvc, _, _ := newHandoffSvc(t, db)
	hsvc.Clock = clk

	seedOperator(t, db, "op-1", 3, clk.Now())
	d := seedDialog(t, db)
	mustRequest(t, hsvc, d.ID, "rid1")
	if _, err := hsvc.Takeover(context.Background(), d.ID, "op-1"); err != nil {
		t.Fatalf("Takeover: %v", err)
	}

	// Drift the cached counter, then reconcile against real assignments.
	if err := repo.SetActiveChats(context.Background(), db, "op-1", 7); err != nil {
		t.Fatalf("SetActiveChats: %v", err)
	}
	n, err := svc.SyncActiveChats(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("SyncActiveChats: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled count = %d, want 1", n)
	}
	p, _ := repo.GetPresence(context.Background(), db, "op-1")
	if p.ActiveChatCount != 1 {
		t.Fatalf("stored count = %d, want 1", p.ActiveChatCount)
	}

	if _, err := svc.SyncActiveChats(context.Background(), "ghost"); !errors.Is(err, ErrOperatorNotFound) {
		t.Fatalf("err = %v, want ErrOperatorNotFound", err)
	}
}
