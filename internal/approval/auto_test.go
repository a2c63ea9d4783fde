package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/settings"
)

func TestAutoApproverConsidersEachApplicationOnce(t *testing.T) {
	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{
		settings.AutoApproveMinMonthlyIncomeKey: json.RawMessage(`"50000"`),
		settings.AutoApproveMaxPriceKey:         json.RawMessage(`"100000"`),
	})
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })

	conn := openTestDB(t)
	w := newWorkflow(conn, nil)
	cardless := createPlan(t, conn, models.PlanKindCardless)
	card := createPlan(t, conn, models.PlanKindCard)

	rich := createApplication(t, conn, cardless, 12, "80000")
	poor := createApplication(t, conn, cardless, 12, "20000")
	cardApp := createApplication(t, conn, card, 6, "")
	stale := createApplication(t, conn, cardless, 12, "90000")
	if errUpdate := conn.Model(&models.EMIApplication{}).Where("id = ?", stale.ID).
		UpdateColumn("created_at", time.Now().UTC().Add(-72*time.Hour)).Error; errUpdate != nil {
		t.Fatalf("age application: %v", errUpdate)
	}

	auto := NewAutoApprover(conn, w, nil)
	approved, errRun := auto.RunOnce(context.Background())
	if errRun != nil {
		t.Fatalf("run: %v", errRun)
	}
	if approved != 1 {
		t.Fatalf("approved = %d", approved)
	}

	statuses := map[uint64]models.ApplicationStatus{}
	considered := map[uint64]bool{}
	var apps []models.EMIApplication
	if errFind := conn.Find(&apps).Error; errFind != nil {
		t.Fatalf("load applications: %v", errFind)
	}
	for _, app := range apps {
		statuses[app.ID] = app.Status
		considered[app.ID] = app.AutoReviewedAt != nil
	}
	if statuses[rich.ID] != models.ApplicationApproved || !considered[rich.ID] {
		t.Fatalf("eligible application = %s considered=%v", statuses[rich.ID], considered[rich.ID])
	}
	if statuses[poor.ID] != models.ApplicationPending || !considered[poor.ID] {
		t.Fatalf("low income application = %s considered=%v", statuses[poor.ID], considered[poor.ID])
	}
	if statuses[cardApp.ID] != models.ApplicationPending || considered[cardApp.ID] {
		t.Fatalf("card application touched: %s considered=%v", statuses[cardApp.ID], considered[cardApp.ID])
	}
	if statuses[stale.ID] != models.ApplicationPending || considered[stale.ID] {
		t.Fatalf("stale application touched: %s considered=%v", statuses[stale.ID], considered[stale.ID])
	}

	approved, errRun = auto.RunOnce(context.Background())
	if errRun != nil || approved != 0 {
		t.Fatalf("second run approved=%d err=%v", approved, errRun)
	}
	if n := countRows(t, conn, &models.EMIRecord{}, "application_id = ?", rich.ID); n != 1 {
		t.Fatalf("records = %d", n)
	}
}

func TestAutoApproverDisabled(t *testing.T) {
	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{
		settings.AutoApproveEnabledKey: json.RawMessage(`false`),
	})
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })

	conn := openTestDB(t)
	app := createApplication(t, conn, createPlan(t, conn, models.PlanKindCardless), 12, "80000")

	approved, errRun := NewAutoApprover(conn, newWorkflow(conn, nil), nil).RunOnce(context.Background())
	if errRun != nil || approved != 0 {
		t.Fatalf("approved=%d err=%v", approved, errRun)
	}
	var stored models.EMIApplication
	if errFind := conn.First(&stored, app.ID).Error; errFind != nil {
		t.Fatalf("load application: %v", errFind)
	}
	if stored.Status != models.ApplicationPending || stored.AutoReviewedAt != nil {
		t.Fatalf("application = %+v", stored)
	}
	if NewAutoApprover(nil, nil, nil) != nil {
		t.Fatalf("expected nil auto approver without dependencies")
	}
}

func TestAutoApproverStampsBrokenApplication(t *testing.T) {
	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{
		settings.AutoApproveMinMonthlyIncomeKey: json.RawMessage(`"50000"`),
	})
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })

	conn := openTestDB(t)
	app := createApplication(t, conn, createPlan(t, conn, models.PlanKindCardless), 12, "80000")
	if errDelete := conn.Delete(&models.Order{}, app.OrderID).Error; errDelete != nil {
		t.Fatalf("delete order: %v", errDelete)
	}

	auto := NewAutoApprover(conn, newWorkflow(conn, nil), nil)
	approved, errRun := auto.RunOnce(context.Background())
	if errRun != nil || approved != 0 {
		t.Fatalf("approved=%d err=%v", approved, errRun)
	}
	var stored models.EMIApplication
	if errFind := conn.First(&stored, app.ID).Error; errFind != nil {
		t.Fatalf("load application: %v", errFind)
	}
	if stored.Status != models.ApplicationPending || stored.AutoReviewedAt == nil {
		t.Fatalf("application = status %s auto_reviewed_at %v", stored.Status, stored.AutoReviewedAt)
	}
	if n := countRows(t, conn, &models.EMIRecord{}, "application_id = ?", app.ID); n != 0 {
		t.Fatalf("records = %d", n)
	}
}
