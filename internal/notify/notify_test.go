package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/MarketEMI/internal/models"
	"gorm.io/gorm"
)

func TestFireSwallowsErrorsAndPanics(t *testing.T) {
	calls := 0
	failing := TriggerFunc(func(ctx context.Context, ev Event) error {
		calls++
		return errors.New("smtp down")
	})
	panicking := TriggerFunc(func(ctx context.Context, ev Event) error {
		calls++
		panic("template missing")
	})

	Fire(context.Background(), failing, Event{Type: EventPaymentCompleted, UserID: 1})
	Fire(context.Background(), panicking, Event{Type: EventPaymentCompleted, UserID: 1})
	Fire(context.Background(), nil, Event{Type: EventPaymentCompleted})
	Fire(context.Background(), failing, Event{})

	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestFireSurvivesCancelledCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawErr error
	Fire(ctx, TriggerFunc(func(ctx context.Context, ev Event) error {
		sawErr = ctx.Err()
		return nil
	}), Event{Type: EventRecordCreated})
	if sawErr != nil {
		t.Fatalf("expected send context detached from caller cancellation, got %v", sawErr)
	}
}

func TestMultiContinuesPastFailures(t *testing.T) {
	var delivered []string
	ok := TriggerFunc(func(ctx context.Context, ev Event) error {
		delivered = append(delivered, ev.Type)
		return nil
	})
	bad := TriggerFunc(func(ctx context.Context, ev Event) error { return errors.New("boom") })

	var nilDB *DBTrigger
	errSend := Multi{bad, nilDB, ok}.Send(context.Background(), Event{Type: EventInstallmentPaid})
	if errSend == nil {
		t.Fatalf("expected joined error")
	}
	if len(delivered) != 1 {
		t.Fatalf("delivered = %v", delivered)
	}
}

func TestDBTriggerPersistsNotification(t *testing.T) {
	dsn := fmt.Sprintf("file:notify_db_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.Notification{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	trigger := NewDBTrigger(conn)
	errSend := trigger.Send(context.Background(), Event{
		Type:        EventApplicationApproved,
		UserID:      42,
		Context:     map[string]any{"monthly_installment": "852.95"},
		RelatedType: RelatedApplication,
		RelatedID:   7,
	})
	if errSend != nil {
		t.Fatalf("send: %v", errSend)
	}

	var rows []models.Notification
	if errFind := conn.Find(&rows).Error; errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[0]
	if row.UserID != 42 || row.EventType != EventApplicationApproved || row.RelatedID == nil || *row.RelatedID != 7 {
		t.Fatalf("row = %+v", row)
	}
	if string(row.Context) != `{"monthly_installment":"852.95"}` {
		t.Fatalf("context = %s", row.Context)
	}
}

func TestRedisTriggerReportsPublishFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = client.Close() }()

	trigger := NewRedisTrigger(client, "")
	if trigger.channel != "emi:events" {
		t.Fatalf("channel = %q", trigger.channel)
	}
	if errSend := trigger.Send(context.Background(), Event{Type: EventRecordCreated}); errSend == nil {
		t.Fatalf("expected publish error against closed port")
	}
	Fire(context.Background(), trigger, Event{Type: EventRecordCreated})

	if NewRedisTrigger(nil, "x") != nil {
		t.Fatalf("expected nil trigger without client")
	}
}
