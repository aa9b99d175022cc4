package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"

	"github.com/tbourn/go-handoff-backend/internal/domain"
	"github.com/tbourn/go-handoff-backend/internal/repo"
	"github.com/tbourn/go-handoff-backend/internal/stream"
)

type dialogStoreShim struct{ dialogRepoShim }

func (dialogStoreShim) CreateDialog(ctx context.Context, db *gorm.DB, assistantID string) (*domain.Dialog, error) {
	return repo.CreateDialog(ctx, db, assistantID)
}

type auditLogShim struct{ auditRepoShim }

func (auditLogShim) CountAudit(ctx context.Context, db *gorm.DB, dialogID string) (int64, error) {
	return repo.CountAudit(ctx, db, dialogID)
}
func (auditLogShim) ListAuditPage(ctx context.Context, db *gorm.DB, dialogID string, offset, limit int) ([]domain.HandoffAudit, error) {
	return repo.ListAuditPage(ctx, db, dialogID, offset, limit)
}

type messageLogShim struct{ messageRepoShim }

func (messageLogShim) CountMessages(db *gorm.DB, dialogID string) (int64, error) {
	return repo.CountMessages(db, dialogID)
}
func (messageLogShim) ListMessagesPage(db *gorm.DB, dialogID string, offset, limit int) ([]domain.Message, error) {
	return repo.ListMessagesPage(db, dialogID, offset, limit)
}

func newDialogService(t *testing.T) (*DialogService, *fakeEvents, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	events := &fakeEvents{}
	return NewDialogService(db, dialogStoreShim{}, auditLogShim{}, messageLogShim{}, events), events, db
}

func TestDialogService_CreateAndGet(t *testing.T) {
	svc, _, _ := newDialogService(t)
	ctx := context.Background()

	d, err := svc.Create(ctx, "asst-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.AssistantID != "asst-1" || d.HandoffStatus != domain.HandoffNone {
		t.Fatalf("unexpected dialog: %#v", d)
	}

	got, err := svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != d.ID {
		t.Fatalf("got %q, want %q", got.ID, d.ID)
	}

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrDialogNotFound) {
		t.Fatalf("Get missing = %v, want ErrDialogNotFound", err)
	}
}

func TestDialogService_PostMessage_PublishesEvent(t *testing.T) {
	svc, events, _ := newDialogService(t)
	ctx := context.Background()

	d, err := svc.Create(ctx, "asst-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m, err := svc.PostMessage(ctx, d.ID, domain.RoleOperator, "Hi there")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if m.Role != domain.RoleOperator || m.Content != "Hi there" {
		t.Fatalf("unexpected message: %#v", m)
	}

	evs := events.all()
	if len(evs) != 1 || evs[0].Type != stream.TypeMessageNew || evs[0].DialogID != d.ID {
		t.Fatalf("expected one message:new event, got %+v", evs)
	}

	if _, err := svc.PostMessage(ctx, d.ID, "ghost", "boo"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("invalid role = %v, want ErrInvalidRole", err)
	}
	if _, err := svc.PostMessage(ctx, "missing", domain.RoleUser, "x"); !errors.Is(err, ErrDialogNotFound) {
		t.Fatalf("missing dialog = %v, want ErrDialogNotFound", err)
	}
}

func TestDialogService_ListMessagesPage(t *testing.T) {
	svc, _, _ := newDialogService(t)
	ctx := context.Background()

	d, err := svc.Create(ctx, "asst-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := svc.PostMessage(ctx, d.ID, domain.RoleUser, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	items, total, err := svc.ListMessagesPage(ctx, d.ID, 2, 2)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("page 2: total=%d len=%d", total, len(items))
	}

	if _, _, err := svc.ListMessagesPage(ctx, "missing", 1, 10); !errors.Is(err, ErrDialogNotFound) {
		t.Fatalf("missing dialog = %v, want ErrDialogNotFound", err)
	}
}

func TestDialogService_ListAuditPage(t *testing.T) {
	svc, _, db := newDialogService(t)
	ctx := context.Background()

	d, err := svc.Create(ctx, "asst-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := repo.AppendAudit(ctx, db, &domain.HandoffAudit{
			DialogID:   d.ID,
			FromStatus: domain.HandoffNone,
			ToStatus:   domain.HandoffRequested,
		}); err != nil {
			t.Fatalf("seed audit %d: %v", i, err)
		}
	}

	items, total, err := svc.ListAuditPage(ctx, d.ID, 1, 2)
	if err != nil {
		t.Fatalf("ListAuditPage: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("audit page: total=%d len=%d", total, len(items))
	}

	if _, _, err := svc.ListAuditPage(ctx, "missing", 1, 10); !errors.Is(err, ErrDialogNotFound) {
		t.Fatalf("missing dialog = %v, want ErrDialogNotFound", err)
	}
}
