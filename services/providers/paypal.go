package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const tokenExpiryMargin = time.Minute

// PayPalConfig contém as credenciais da API REST do PayPal
type PayPalConfig struct {
	BaseURL      string        `envconfig:"BASE_URL" default:"https://api-m.sandbox.paypal.com"`
	ClientID     string        `envconfig:"CLIENT_ID"`
	ClientSecret string        `envconfig:"CLIENT_SECRET"`
	WebhookID    string        `envconfig:"WEBHOOK_ID"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"15s"`
}

// Validate rejeita um timeout não positivo
func (c PayPalConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: PayPal timeout must be positive, got %s", ErrInvalidConfig, c.Timeout)
	}
	return nil
}

// PayPalClient fala com as APIs Orders v2 e Payments v2 do PayPal
type PayPalClient struct {
	http *resty.Client
	cfg  PayPalConfig

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewPayPalClient cria uma nova instância de PayPalClient
func NewPayPalClient(cfg PayPalConfig) *PayPalClient {
	return &PayPalClient{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout),
		cfg: cfg,
		now: time.Now,
	}
}

type paypalErrorBody struct {
	Name             string `json:"name"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Details          []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func paypalError(resp *resty.Response) *ProviderError {
	var body paypalErrorBody
	_ = json.Unmarshal(resp.Body(), &body)

	perr := &ProviderError{
		Provider:   ProviderPayPal,
		StatusCode: resp.StatusCode(),
		Name:       body.Name,
		Message:    body.Message,
	}
	if perr.Name == "" {
		perr.Name = body.Error
	}
	if perr.Message == "" {
		perr.Message = body.ErrorDescription
	}
	if len(body.Details) > 0 {
		perr.Message = fmt.Sprintf("%s [%s: %s]", perr.Message, body.Details[0].Issue, body.Details[0].Description)
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(resp.StatusCode())
	}
	return perr
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func newPayPalAmount(amount decimal.Decimal, currency string) paypalAmount {
	return paypalAmount{CurrencyCode: currency, Value: amount.StringFixed(2)}
}

func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&out).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", fmt.Errorf("paypal token request: %w", err)
	}
	if resp.IsError() {
		return "", paypalError(resp)
	}
	if out.AccessToken == "" {
		return "", malformed("paypal token response without access_token")
	}

	c.token = out.AccessToken
	c.expiresAt = c.now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenExpiryMargin)
	return c.token, nil
}

func (c *PayPalClient) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json"), nil
}

// CreateOrder cria um pedido de captura no PayPal e devolve o id do pedido do provedor
func (c *PayPalClient) CreateOrder(ctx context.Context, amount decimal.Decimal, currency string) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	resp, err := req.
		SetBody(map[string]any{
			"intent": "CAPTURE",
			"purchase_units": []map[string]any{
				{"amount": newPayPalAmount(amount, currency)},
			},
		}).
		SetResult(&out).
		Post("/v2/checkout/orders")
	if err != nil {
		return "", fmt.Errorf("paypal create order: %w", err)
	}
	if resp.IsError() {
		return "", paypalError(resp)
	}
	if out.ID == "" {
		return "", malformed("paypal order response without id")
	}
	return out.ID, nil
}

// CaptureOrder captura o pedido aprovado e devolve a confirmação validada
func (c *PayPalClient) CaptureOrder(ctx context.Context, providerOrderID string) (Confirmation, error) {
	req, err := c.request(ctx)
	if err != nil {
		return Confirmation{}, err
	}

	resp, err := req.
		SetHeader("PayPal-Request-Id", "capture-"+providerOrderID).
		SetBody(map[string]any{}).
		Post("/v2/checkout/orders/" + url.PathEscape(providerOrderID) + "/capture")
	if err != nil {
		return Confirmation{}, fmt.Errorf("paypal capture order: %w", err)
	}
	if resp.IsError() {
		return Confirmation{}, paypalError(resp)
	}
	return DecodePayPalCapture(resp.Body())
}

// RefundCapture estorna (total ou parcialmente) uma captura
func (c *PayPalClient) RefundCapture(ctx context.Context, refund RefundRequest) (*RefundResult, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	if refund.IdempotencyKey != "" {
		req.SetHeader("PayPal-Request-Id", refund.IdempotencyKey)
	}

	var out struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Amount paypalAmount `json:"amount"`
	}
	resp, err := req.
		SetBody(map[string]any{"amount": newPayPalAmount(refund.Amount, refund.Currency)}).
		SetResult(&out).
		Post("/v2/payments/captures/" + url.PathEscape(refund.CaptureID) + "/refund")
	if err != nil {
		return nil, fmt.Errorf("paypal refund capture: %w", err)
	}
	if resp.IsError() {
		return nil, paypalError(resp)
	}
	if out.ID == "" {
		return nil, malformed("paypal refund response without id")
	}

	result := &RefundResult{
		ID:       out.ID,
		Status:   normalizeStatus(out.Status),
		Amount:   refund.Amount,
		Currency: refund.Currency,
		Raw:      resp.Body(),
	}
	if out.Amount.Value != "" {
		if amount, err := decimal.NewFromString(out.Amount.Value); err == nil {
			result.Amount = amount
		}
	}
	if out.Amount.CurrencyCode != "" {
		result.Currency = out.Amount.CurrencyCode
	}
	if result.Status == "" {
		result.Status = StatusCompleted
	}
	return result, nil
}

// VerifyWebhook valida a assinatura de um webhook pela API do PayPal
func (c *PayPalClient) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error {
	if c.cfg.WebhookID == "" {
		return ErrWebhookNotConfigured
	}
	if !json.Valid(body) {
		return malformed("webhook body is not valid JSON")
	}

	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	resp, err := req.
		SetBody(map[string]any{
			"auth_algo":         headers.Get("PAYPAL-AUTH-ALGO"),
			"cert_url":          headers.Get("PAYPAL-CERT-URL"),
			"transmission_id":   headers.Get("PAYPAL-TRANSMISSION-ID"),
			"transmission_sig":  headers.Get("PAYPAL-TRANSMISSION-SIG"),
			"transmission_time": headers.Get("PAYPAL-TRANSMISSION-TIME"),
			"webhook_id":        c.cfg.WebhookID,
			"webhook_event":     json.RawMessage(body),
		}).
		SetResult(&out).
		Post("/v1/notifications/verify-webhook-signature")
	if err != nil {
		return fmt.Errorf("paypal verify webhook: %w", err)
	}
	if resp.IsError() {
		return paypalError(resp)
	}
	if out.VerificationStatus != "SUCCESS" {
		return ErrInvalidWebhookSignature
	}
	return nil
}

type paypalCapture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Payer  struct {
		PayerID      string `json:"payer_id"`
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID         string       `json:"id"`
				Status     string       `json:"status"`
				Amount     paypalAmount `json:"amount"`
				CreateTime string       `json:"create_time"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// DecodePayPalCapture valida a resposta de captura do PayPal.
// A primeira captura da primeira unidade de compra é a que liquida o pedido.
func DecodePayPalCapture(body []byte) (Confirmation, error) {
	var capture paypalCapture
	if err := json.Unmarshal(body, &capture); err != nil {
		return Confirmation{}, malformed("paypal capture: %v", err)
	}
	if capture.ID == "" {
		return Confirmation{}, malformed("paypal capture without order id")
	}
	if len(capture.PurchaseUnits) == 0 || len(capture.PurchaseUnits[0].Payments.Captures) == 0 {
		return Confirmation{}, malformed("paypal order %s has no captures", capture.ID)
	}

	first := capture.PurchaseUnits[0].Payments.Captures[0]
	if first.ID == "" {
		return Confirmation{}, malformed("paypal order %s capture without id", capture.ID)
	}

	amount, err := decimal.NewFromString(first.Amount.Value)
	if err != nil {
		return Confirmation{}, malformed("paypal capture %s amount %q", first.ID, first.Amount.Value)
	}
	if first.Amount.CurrencyCode == "" {
		return Confirmation{}, malformed("paypal capture %s without currency", first.ID)
	}

	status := first.Status
	if status == "" {
		status = capture.Status
	}

	conf := Confirmation{
		Provider:        ProviderPayPal,
		ProviderOrderID: capture.ID,
		CaptureID:       first.ID,
		Status:          normalizeStatus(status),
		PayerID:         capture.Payer.PayerID,
		PayerEmail:      capture.Payer.EmailAddress,
		Amount:          amount,
		Currency:        first.Amount.CurrencyCode,
	}
	if first.CreateTime != "" {
		capturedAt, err := time.Parse(time.RFC3339, first.CreateTime)
		if err != nil {
			return Confirmation{}, malformed("paypal capture %s create_time %q", first.ID, first.CreateTime)
		}
		conf.CapturedAt = &capturedAt
	}
	return conf, nil
}

// RefundEvent é um webhook de estorno de captura do PayPal
type RefundEvent struct {
	EventID   string
	EventType string
	RefundID  string
	CaptureID string
	Status    string
	Amount    decimal.Decimal
	Currency  string
	Raw       []byte
}

// EventCaptureRefunded é o único evento de webhook tratado
const EventCaptureRefunded = "PAYMENT.CAPTURE.REFUNDED"

// DecodeRefundEvent valida um webhook PAYMENT.CAPTURE.REFUNDED. O id da captura
// vem do link "up" do recurso de estorno.
func DecodeRefundEvent(body []byte) (RefundEvent, error) {
	var event struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			ID     string       `json:"id"`
			Status string       `json:"status"`
			Amount paypalAmount `json:"amount"`
			Links  []struct {
				Href string `json:"href"`
				Rel  string `json:"rel"`
			} `json:"links"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return RefundEvent{}, malformed("paypal webhook: %v", err)
	}
	if event.EventType != EventCaptureRefunded {
		return RefundEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedWebhookEvent, event.EventType)
	}
	if event.ID == "" || event.Resource.ID == "" {
		return RefundEvent{}, malformed("paypal webhook without event or refund id")
	}

	var captureID string
	for _, link := range event.Resource.Links {
		if link.Rel != "up" {
			continue
		}
		u, err := url.Parse(link.Href)
		if err != nil {
			return RefundEvent{}, malformed("paypal webhook link %q", link.Href)
		}
		captureID = path.Base(u.Path)
	}
	if captureID == "" || captureID == "." || captureID == "/" {
		return RefundEvent{}, malformed("paypal webhook refund %s without capture link", event.Resource.ID)
	}

	amount, err := decimal.NewFromString(event.Resource.Amount.Value)
	if err != nil {
		return RefundEvent{}, malformed("paypal webhook refund %s amount %q", event.Resource.ID, event.Resource.Amount.Value)
	}

	return RefundEvent{
		EventID:   event.ID,
		EventType: event.EventType,
		RefundID:  event.Resource.ID,
		CaptureID: captureID,
		Status:    normalizeStatus(event.Resource.Status),
		Amount:    amount,
		Currency:  event.Resource.Amount.CurrencyCode,
		Raw:       body,
	}, nil
}
