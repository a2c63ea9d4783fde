// Package gateway talks to the hosted payment gateway: checkout sessions,
// server-to-server transaction validation and the bank EMI rate table.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/util"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
	payloadPreview = 256
)

// Session statuses.
const (
	SessionSuccess = "SUCCESS"
	SessionFailed  = "FAILED"
)

// Config holds merchant credentials and endpoints. Callback URLs are absolute.
type Config struct {
	StoreID       string
	StorePassword string
	SessionURL    string
	ValidationURL string
	EMIRatesURL   string
	Currency      string
	Timeout       time.Duration

	SuccessURL string
	FailURL    string
	CancelURL  string
	IPNURL     string
}

// UnavailableError is a transport failure, timeout, non-2xx status or undecodable
// body. It matches emierr.ErrGatewayUnavailable.
type UnavailableError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UnavailableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway: %s status=%d", e.Op, e.StatusCode)
}

func (e *UnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is makes errors.Is(err, emierr.ErrGatewayUnavailable) hold.
func (e *UnavailableError) Is(target error) bool {
	return target == emierr.ErrGatewayUnavailable
}

// Customer is the billing contact sent with a session.
type Customer struct {
	Name     string
	Email    string
	Phone    string
	Address  string
	City     string
	Postcode string
	Country  string
}

// CardEMIOptions activates the gateway's own EMI engine for a session.
type CardEMIOptions struct {
	MaxInstallments     int
	SelectedInstallment int
	IssuerID            string
}

// SessionRequest is one checkout session.
type SessionRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Type          models.PaymentType
	ProductName   string
	Customer      Customer
	CardEMI       *CardEMIOptions

	// Reference fields echoed back on callbacks.
	PaymentID     uint64
	OrderID       uint64
	InstallmentID uint64
}

// SessionResult is the gateway's answer. A FAILED status is not an error.
type SessionResult struct {
	Status        string
	RedirectURL   string
	SessionKey    string
	FailureReason string
}

// ValidationRequest carries the local view of the transaction being checked.
type ValidationRequest struct {
	ValID         string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
}

// Validation is the outcome of a server-to-server check.
type Validation struct {
	Valid         bool
	Status        string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	BankTranID    string
	CardType      string
	Reason        string
	Raw           []byte
}

// Client is the gateway adapter. It holds no state besides configuration.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient returns a Client. A nil httpClient gets one with the configured timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "BDT"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Currency returns the merchant currency.
func (c *Client) Currency() string {
	return c.cfg.Currency
}

// CreateSession opens a hosted checkout session.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (SessionResult, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		return SessionResult{}, emierr.Invalid("tran_id", "is required")
	}
	if !req.Amount.IsPositive() {
		return SessionResult{}, emierr.Invalid("amount", "must be positive")
	}

	form := c.sessionForm(req)
	log.WithFields(log.Fields{"tran_id": req.TransactionID, "type": req.Type}).Debugf("gateway: create session %s", util.MaskForm(form))

	status, payload, errReq := c.do(ctx, "create session", http.MethodPost, c.cfg.SessionURL, form)
	if errReq != nil {
		return SessionResult{}, errReq
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		log.Warnf("gateway: create session status=%d (tran_id=%s body=%s)", status, req.TransactionID, summarizePayload(payload))
		return SessionResult{}, &UnavailableError{Op: "create session", StatusCode: status}
	}
	if !gjson.ValidBytes(payload) {
		return SessionResult{}, &UnavailableError{Op: "create session", StatusCode: status, Err: errors.New("invalid json body")}
	}

	res := gjson.ParseBytes(payload)
	result := SessionResult{
		Status:      strings.ToUpper(strings.TrimSpace(res.Get("status").String())),
		RedirectURL: strings.TrimSpace(res.Get("GatewayPageURL").String()),
		SessionKey:  strings.TrimSpace(res.Get("sessionkey").String()),
	}
	if result.Status != SessionSuccess || result.RedirectURL == "" {
		result.Status = SessionFailed
		result.RedirectURL = ""
		result.FailureReason = strings.TrimSpace(res.Get("failedreason").String())
		if result.FailureReason == "" {
			result.FailureReason = "gateway declined the session"
		}
	}
	return result, nil
}

func (c *Client) sessionForm(req SessionRequest) url.Values {
	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = c.cfg.Currency
	}
	productName := strings.TrimSpace(req.ProductName)
	if productName == "" {
		productName = "Order payment"
	}

	form := url.Values{}
	form.Set("store_id", c.cfg.StoreID)
	form.Set("store_passwd", c.cfg.StorePassword)
	form.Set("total_amount", req.Amount.StringFixed(2))
	form.Set("currency", currency)
	form.Set("tran_id", req.TransactionID)
	form.Set("success_url", c.cfg.SuccessURL)
	form.Set("fail_url", c.cfg.FailURL)
	form.Set("cancel_url", c.cfg.CancelURL)
	form.Set("ipn_url", c.cfg.IPNURL)
	form.Set("product_name", productName)
	form.Set("product_category", "ecommerce")
	form.Set("product_profile", "general")
	form.Set("shipping_method", "NO")
	form.Set("num_of_item", "1")

	cus := req.Customer
	form.Set("cus_name", fallback(cus.Name, "Customer"))
	form.Set("cus_email", fallback(cus.Email, "customer@example.com"))
	form.Set("cus_phone", fallback(cus.Phone, "01700000000"))
	form.Set("cus_add1", fallback(cus.Address, "N/A"))
	form.Set("cus_city", fallback(cus.City, "Dhaka"))
	form.Set("cus_postcode", fallback(cus.Postcode, "1000"))
	form.Set("cus_country", fallback(cus.Country, "Bangladesh"))

	form.Set("value_a", string(req.Type))
	if req.PaymentID > 0 {
		form.Set("value_b", strconv.FormatUint(req.PaymentID, 10))
	}
	if req.OrderID > 0 {
		form.Set("value_c", strconv.FormatUint(req.OrderID, 10))
	}
	if req.InstallmentID > 0 {
		form.Set("value_d", strconv.FormatUint(req.InstallmentID, 10))
	}

	if req.Type == models.PaymentTypeCardEMI && req.CardEMI != nil {
		form.Set("emi_option", "1")
		if req.CardEMI.MaxInstallments > 0 {
			form.Set("emi_max_inst_option", strconv.Itoa(req.CardEMI.MaxInstallments))
		}
		if req.CardEMI.SelectedInstallment > 0 {
			form.Set("emi_selected_inst", strconv.Itoa(req.CardEMI.SelectedInstallment))
		}
		if issuer := strings.TrimSpace(req.CardEMI.IssuerID); issuer != "" {
			form.Set("emi_issuer_id", issuer)
		}
	} else {
		form.Set("emi_option", "0")
	}
	return form
}

// ValidateTransaction asks the gateway whether val_id is a genuine settled
// payment for the given local transaction. Only a VALID/VALIDATED answer
// whose tran_id, amount and currency all match is Valid.
func (c *Client) ValidateTransaction(ctx context.Context, req ValidationRequest) (Validation, error) {
	if strings.TrimSpace(req.ValID) == "" {
		return Validation{Reason: "missing val_id"}, nil
	}

	query := url.Values{}
	query.Set("val_id", req.ValID)
	query.Set("store_id", c.cfg.StoreID)
	query.Set("store_passwd", c.cfg.StorePassword)
	query.Set("format", "json")
	query.Set("v", "1")

	status, payload, errReq := c.do(ctx, "validate", http.MethodGet, appendQuery(c.cfg.ValidationURL, query), nil)
	if errReq != nil {
		return Validation{}, errReq
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		log.Warnf("gateway: validate status=%d (tran_id=%s body=%s)", status, req.TransactionID, summarizePayload(payload))
		return Validation{}, &UnavailableError{Op: "validate", StatusCode: status}
	}
	if !gjson.ValidBytes(payload) {
		return Validation{}, &UnavailableError{Op: "validate", StatusCode: status, Err: errors.New("invalid json body")}
	}

	res := gjson.ParseBytes(payload)
	v := Validation{
		Status:        strings.ToUpper(strings.TrimSpace(res.Get("status").String())),
		TransactionID: strings.TrimSpace(res.Get("tran_id").String()),
		BankTranID:    strings.TrimSpace(res.Get("bank_tran_id").String()),
		CardType:      strings.TrimSpace(res.Get("card_type").String()),
		Raw:           payload,
	}
	v.Currency = strings.ToUpper(strings.TrimSpace(firstString(res, "currency_type", "currency")))
	amount, errAmount := decimal.NewFromString(strings.TrimSpace(firstString(res, "currency_amount", "amount")))

	switch {
	case v.Status != "VALID" && v.Status != "VALIDATED":
		v.Reason = "gateway status " + fallback(v.Status, "empty")
	case v.TransactionID != req.TransactionID:
		v.Reason = fmt.Sprintf("tran_id mismatch: gateway=%s", v.TransactionID)
	case errAmount != nil:
		v.Reason = "gateway amount unreadable"
	case amount.Sub(req.Amount).Abs().GreaterThan(decimal.New(1, -2)):
		v.Amount = amount
		v.Reason = fmt.Sprintf("amount mismatch: gateway=%s local=%s", amount.StringFixed(2), req.Amount.StringFixed(2))
	case req.Currency != "" && v.Currency != "" && !strings.EqualFold(v.Currency, req.Currency):
		v.Amount = amount
		v.Reason = fmt.Sprintf("currency mismatch: gateway=%s local=%s", v.Currency, req.Currency)
	default:
		v.Amount = amount
		v.Valid = true
	}
	return v, nil
}

// BankRates fetches the gateway's annual EMI rate per issuing bank.
func (c *Client) BankRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	if strings.TrimSpace(c.cfg.EMIRatesURL) == "" {
		return nil, &UnavailableError{Op: "bank rates", Err: errors.New("rates endpoint not configured")}
	}
	query := url.Values{}
	query.Set("store_id", c.cfg.StoreID)
	query.Set("store_passwd", c.cfg.StorePassword)

	status, payload, errReq := c.do(ctx, "bank rates", http.MethodGet, appendQuery(c.cfg.EMIRatesURL, query), nil)
	if errReq != nil {
		return nil, errReq
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices || !gjson.ValidBytes(payload) {
		return nil, &UnavailableError{Op: "bank rates", StatusCode: status}
	}

	rates := map[string]decimal.Decimal{}
	gjson.GetBytes(payload, "banks").ForEach(func(_, bank gjson.Result) bool {
		code := strings.ToUpper(strings.TrimSpace(bank.Get("code").String()))
		rate, errRate := decimal.NewFromString(strings.TrimSpace(bank.Get("rate").String()))
		if code == "" || errRate != nil || rate.IsNegative() {
			return true
		}
		rates[code] = rate
		return true
	})
	return rates, nil
}

func (c *Client) do(ctx context.Context, op, method, target string, form url.Values) (int, []byte, error) {
	if strings.TrimSpace(target) == "" {
		return 0, nil, &UnavailableError{Op: op, Err: errors.New("endpoint not configured")}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	httpReq, errReq := http.NewRequestWithContext(reqCtx, method, target, body)
	if errReq != nil {
		return 0, nil, &UnavailableError{Op: op, Err: errReq}
	}
	if form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, errDo := c.http.Do(httpReq)
	if errDo != nil {
		log.WithError(errDo).Warnf("gateway: %s request failed", op)
		return 0, nil, &UnavailableError{Op: op, Err: errDo}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("gateway: close response body")
		}
	}()

	payload, errRead := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if errRead != nil {
		return resp.StatusCode, nil, &UnavailableError{Op: op, StatusCode: resp.StatusCode, Err: errRead}
	}
	return resp.StatusCode, payload, nil
}

func appendQuery(target string, query url.Values) string {
	if strings.Contains(target, "?") {
		return target + "&" + query.Encode()
	}
	return target + "?" + query.Encode()
}

func firstString(res gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := res.Get(path); v.Exists() && strings.TrimSpace(v.String()) != "" {
			return v.String()
		}
	}
	return ""
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func summarizePayload(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if len(s) > payloadPreview {
		return s[:payloadPreview] + "..."
	}
	return s
}
