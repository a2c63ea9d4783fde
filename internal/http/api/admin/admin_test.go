package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/router-for-me/MarketEMI/internal/approval"
	"github.com/router-for-me/MarketEMI/internal/config"
	dbutil "github.com/router-for-me/MarketEMI/internal/db"
	"github.com/router-for-me/MarketEMI/internal/installment"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/plan"
	"github.com/router-for-me/MarketEMI/internal/security"
	"github.com/router-for-me/MarketEMI/internal/settings"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const testPassword = "correct-horse-battery"

type adminFixture struct {
	db     *gorm.DB
	router *gin.Engine
	jwtCfg config.JWTConfig
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:adminroutes_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	scheduler := installment.NewScheduler(conn, nil)
	workflow := approval.NewWorkflow(conn, scheduler, nil)
	jwtCfg := config.JWTConfig{Secret: "admin-test-secret", Expiry: time.Hour}

	r := gin.New()
	RegisterAdminRoutes(r, conn, jwtCfg, Deps{
		Plans:     plan.NewStore(conn),
		Workflow:  workflow,
		Scheduler: scheduler,
	})
	return &adminFixture{db: conn, router: r, jwtCfg: jwtCfg}
}

func (f *adminFixture) createAdmin(t *testing.T, username string, manage bool) models.Admin {
	t.Helper()
	hash, errHash := security.HashPassword(testPassword)
	if errHash != nil {
		t.Fatalf("hash password: %v", errHash)
	}
	admin := models.Admin{Username: username, Password: hash, Active: true, CanReview: true, CanManage: manage}
	if errCreate := f.db.Create(&admin).Error; errCreate != nil {
		t.Fatalf("create admin: %v", errCreate)
	}
	return admin
}

func (f *adminFixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var raw []byte
	if body != nil {
		var errMarshal error
		raw, errMarshal = json.Marshal(body)
		if errMarshal != nil {
			t.Fatalf("marshal body: %v", errMarshal)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if errDecode := json.Unmarshal(rec.Body.Bytes(), &out); errDecode != nil {
			t.Fatalf("decode %q: %v", rec.Body.String(), errDecode)
		}
	}
	return rec, out
}

func (f *adminFixture) login(t *testing.T, username string) string {
	t.Helper()
	rec, body := f.do(t, http.MethodPost, "/v0/admin/login", "", map[string]string{
		"username": username,
		"password": testPassword,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body=%s", rec.Code, rec.Body.String())
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login returned no token: %v", body)
	}
	return token
}

func TestLogin(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "alice", false)

	rec, _ := f.do(t, http.MethodPost, "/v0/admin/login", "", map[string]string{"username": "alice", "password": "wrong-password"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", rec.Code)
	}

	token := f.login(t, "alice")
	rec, body := f.do(t, http.MethodGet, "/v0/admin/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if body["username"] != "alice" || body["role"] != string(security.RoleReviewer) {
		t.Fatalf("unexpected me body: %v", body)
	}

	rec, _ = f.do(t, http.MethodGet, "/v0/admin/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous me status = %d, want 401", rec.Code)
	}
}

func TestReviewerCannotManage(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "reviewer", false)
	token := f.login(t, "reviewer")

	cases := []struct {
		method string
		path   string
		body   any
	}{
		{method: http.MethodPut, path: "/v0/admin/settings/SITE_NAME", body: "Bazar"},
		{method: http.MethodGet, path: "/v0/admin/admins"},
		{method: http.MethodPost, path: "/v0/admin/sweeps/installments"},
		{method: http.MethodPost, path: "/v0/admin/plans", body: map[string]any{"name": "x"}},
	}
	for _, tc := range cases {
		rec, _ := f.do(t, tc.method, tc.path, token, tc.body)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s status = %d, want 403", tc.method, tc.path, rec.Code)
		}
	}

	rec, body := f.do(t, http.MethodGet, "/v0/admin/permissions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("permissions status = %d", rec.Code)
	}
	perms, _ := body["permissions"].([]any)
	allowed := map[string]bool{}
	for _, raw := range perms {
		entry, _ := raw.(map[string]any)
		key, _ := entry["key"].(string)
		allowed[key], _ = entry["allowed"].(bool)
	}
	if !allowed["POST /v0/admin/applications/:id/approve"] || allowed["PUT /v0/admin/settings/:key"] {
		t.Fatalf("unexpected permission flags: %v", allowed)
	}
}

func TestDisabledAdminTokenRejected(t *testing.T) {
	f := newAdminFixture(t)
	admin := f.createAdmin(t, "bob", true)
	token := f.login(t, "bob")

	if errUpdate := f.db.Model(&models.Admin{}).Where("id = ?", admin.ID).Update("active", false).Error; errUpdate != nil {
		t.Fatalf("disable admin: %v", errUpdate)
	}
	rec, _ := f.do(t, http.MethodGet, "/v0/admin/me", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disabled admin status = %d, want 403", rec.Code)
	}
}

func TestApproveCreatesRecord(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "reviewer", false)
	token := f.login(t, "reviewer")

	rate := decimal.NewFromInt(12)
	p := models.EMIPlan{Name: "Cardless 12", Kind: models.PlanKindCardless, DurationMonths: 12, InterestRate: &rate, DownPaymentPct: decimal.NewFromInt(20), IsActive: true}
	if errCreate := f.db.Create(&p).Error; errCreate != nil {
		t.Fatalf("create plan: %v", errCreate)
	}
	order := models.Order{UserID: 3, Number: "ORD-A1", Total: decimal.NewFromInt(12000), Status: models.OrderPending, PaymentStatus: models.OrderUnpaid}
	if errCreate := f.db.Create(&order).Error; errCreate != nil {
		t.Fatalf("create order: %v", errCreate)
	}
	app := models.EMIApplication{
		UserID: order.UserID, OrderID: order.ID, PlanID: p.ID, Price: order.Total, Tenure: 12,
		DownPayment:        decimal.NewFromInt(2400),
		Principal:          decimal.NewFromInt(9600),
		MonthlyInstallment: decimal.NewFromInt(853),
		TotalPayable:       decimal.NewFromInt(12636),
		Status:             models.ApplicationPending,
		Cardless: models.CardlessProfile{
			EmploymentType: "salaried",
			MonthlyIncome:  decimal.NewFromInt(60000),
			NationalID:     "1234567890",
		},
	}
	if errCreate := f.db.Create(&app).Error; errCreate != nil {
		t.Fatalf("create application: %v", errCreate)
	}

	path := fmt.Sprintf("/v0/admin/applications/%d/approve", app.ID)
	rec, body := f.do(t, http.MethodPost, path, token, map[string]string{"notes": "documents verified"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if body["status"] != string(models.ApplicationApproved) || body["changed"] != true {
		t.Fatalf("unexpected approve body: %v", body)
	}
	if _, ok := body["record_id"]; !ok {
		t.Fatalf("approve body missing record_id: %v", body)
	}

	var stored models.EMIApplication
	if errFind := f.db.First(&stored, app.ID).Error; errFind != nil {
		t.Fatalf("load application: %v", errFind)
	}
	if stored.ReviewedBy != "reviewer" {
		t.Fatalf("reviewed_by = %q, want reviewer", stored.ReviewedBy)
	}

	rec, _ = f.do(t, http.MethodPost, fmt.Sprintf("/v0/admin/applications/%d/reject", app.ID), token, map[string]string{"reason": "late"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reject approved status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}

	rec, _ = f.do(t, http.MethodPost, "/v0/admin/applications/99999/approve", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("approve unknown status = %d, want 404", rec.Code)
	}
}

func TestManagerUpdatesSetting(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "manager", true)
	token := f.login(t, "manager")
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })

	rec, _ := f.do(t, http.MethodPut, "/v0/admin/settings/SITE_NAME", token, "Bazar")
	if rec.Code != http.StatusOK {
		t.Fatalf("put setting status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if got := settings.SiteName(); got != "Bazar" {
		t.Fatalf("site name = %q, want Bazar", got)
	}

	rec, _ = f.do(t, http.MethodPut, "/v0/admin/settings/NOT_A_KEY", token, 1)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown key status = %d, want 400", rec.Code)
	}
}

func TestStalePendingPayments(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "reviewer", false)
	token := f.login(t, "reviewer")

	var stale models.Payment
	for i, age := range []time.Duration{2 * time.Hour, 0} {
		p := models.Payment{
			TransactionID: fmt.Sprintf("TXN-STALE-%d-%d", i, time.Now().UnixNano()),
			OrderID:       1,
			UserID:        3,
			Amount:        decimal.NewFromInt(500),
			Currency:      "BDT",
			PaymentType:   models.PaymentTypeRegular,
			Status:        models.PaymentPending,
		}
		if errCreate := f.db.Create(&p).Error; errCreate != nil {
			t.Fatalf("create payment: %v", errCreate)
		}
		if age > 0 {
			if errUpdate := f.db.Model(&models.Payment{}).Where("id = ?", p.ID).
				Update("created_at", time.Now().UTC().Add(-age)).Error; errUpdate != nil {
				t.Fatalf("backdate payment: %v", errUpdate)
			}
			stale = p
		}
	}

	rec, body := f.do(t, http.MethodGet, "/v0/admin/payments?status=pending&older_than=1h", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if total, _ := body["total"].(float64); total != 1 {
		t.Fatalf("total = %v, want 1", body["total"])
	}
	payments, _ := body["payments"].([]any)
	first, _ := payments[0].(map[string]any)
	if first["transaction_id"] != stale.TransactionID {
		t.Fatalf("unexpected stale payment: %v", first)
	}

	rec, _ = f.do(t, http.MethodGet, "/v0/admin/payments?older_than=soon", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid older_than status = %d, want 400", rec.Code)
	}
}

func TestApplicationSearchIsCaseInsensitive(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "reviewer", false)
	token := f.login(t, "reviewer")

	for i, row := range []struct{ label, employer string }{
		{label: "Gaming Laptop", employer: "Acme"},
		{label: "Refrigerator", employer: "Laptop Works Ltd"},
		{label: "Television", employer: "Globex"},
	} {
		app := models.EMIApplication{
			UserID: 3, OrderID: uint64(100 + i), PlanID: 1, LineLabel: row.label, Tenure: 6,
			Price:  decimal.NewFromInt(12000),
			Status: models.ApplicationPending,
			Cardless: models.CardlessProfile{
				EmploymentType: "salaried",
				Employer:       row.employer,
				MonthlyIncome:  decimal.NewFromInt(60000),
			},
		}
		if errCreate := f.db.Create(&app).Error; errCreate != nil {
			t.Fatalf("create application: %v", errCreate)
		}
	}

	rec, body := f.do(t, http.MethodGet, "/v0/admin/applications?search=LAPTOP", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if total, _ := body["total"].(float64); total != 2 {
		t.Fatalf("total = %v, want 2", body["total"])
	}

	rec, body = f.do(t, http.MethodGet, "/v0/admin/applications?search=laptop&status=approved", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered search status = %d", rec.Code)
	}
	if total, _ := body["total"].(float64); total != 0 {
		t.Fatalf("total with status filter = %v, want 0", body["total"])
	}
}

func TestPaymentsFilterByCardIssuer(t *testing.T) {
	f := newAdminFixture(t)
	f.createAdmin(t, "reviewer", false)
	token := f.login(t, "reviewer")

	for i, issuer := range []string{"BRAC BANK", "CITY BANK", ""} {
		p := models.Payment{
			TransactionID: fmt.Sprintf("TXN-ISSUER-%d-%d", i, time.Now().UnixNano()),
			OrderID:       1,
			UserID:        3,
			Amount:        decimal.NewFromInt(500),
			Currency:      "BDT",
			PaymentType:   models.PaymentTypeRegular,
			Status:        models.PaymentCompleted,
		}
		if issuer != "" {
			p.GatewayPayload = datatypes.JSON(fmt.Sprintf(`{"tran_id":%q,"card_issuer":%q}`, p.TransactionID, issuer))
		}
		if errCreate := f.db.Create(&p).Error; errCreate != nil {
			t.Fatalf("create payment: %v", errCreate)
		}
	}

	rec, body := f.do(t, http.MethodGet, "/v0/admin/payments?issuer=CITY%20BANK", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body=%s", rec.Code, rec.Body.String())
	}
	if total, _ := body["total"].(float64); total != 1 {
		t.Fatalf("total = %v, want 1", body["total"])
	}
}
