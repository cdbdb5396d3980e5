package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const (
	netsRequestPath  = "/api/v1/common/payments/nets-qr/request"
	netsQueryPath    = "/api/v1/common/payments/nets-qr/query"
	netsApprovedCode = "00"
)

// Estados de transação devolvidos pelo NETS
const (
	netsTxnStatusPaid   = 1
	netsTxnStatusFailed = 2
)

// NETSConfig contém as credenciais da API NETS QR
type NETSConfig struct {
	BaseURL      string        `envconfig:"BASE_URL" default:"https://sandbox.nets.openapipaas.com"`
	APIKey       string        `envconfig:"API_KEY"`
	ProjectID    string        `envconfig:"PROJECT_ID"`
	TxnID        string        `envconfig:"TXN_ID" default:"sandbox_nets|m|8ff8e5b6-d43e-4786-8ac5-7accf8c5bd9b"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	MaxPolls     int           `envconfig:"MAX_POLLS" default:"60"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"30s"`
}

// Validate rejeita intervalos e limites que travariam ou derrubariam o polling
func (c NETSConfig) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: NETS poll interval must be positive, got %s", ErrInvalidConfig, c.PollInterval)
	case c.MaxPolls <= 0:
		return fmt.Errorf("%w: NETS max polls must be positive, got %d", ErrInvalidConfig, c.MaxPolls)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: NETS timeout must be positive, got %s", ErrInvalidConfig, c.Timeout)
	}
	return nil
}

// NETSClient gera QR codes NETS e consulta o status do pagamento
type NETSClient struct {
	http *resty.Client
	cfg  NETSConfig
}

// NewNETSClient cria uma nova instância de NETSClient
func NewNETSClient(cfg NETSConfig) *NETSClient {
	return &NETSClient{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("api-key", cfg.APIKey).
			SetHeader("project-id", cfg.ProjectID).
			SetHeader("Content-Type", "application/json"),
		cfg: cfg,
	}
}

type netsData struct {
	ResponseCode    string `json:"response_code"`
	TxnStatus       int    `json:"txn_status"`
	TxnRetrievalRef string `json:"txn_retrieval_ref"`
	QRCode          string `json:"qr_code"`
	NetworkStatus   int    `json:"network_status"`
	ErrorMessage    string `json:"error_message"`
}

func decodeNETSData(body []byte) (netsData, error) {
	var envelope struct {
		Result struct {
			Data *netsData `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return netsData{}, malformed("nets response: %v", err)
	}
	if envelope.Result.Data == nil {
		return netsData{}, malformed("nets response without result.data")
	}
	return *envelope.Result.Data, nil
}

func netsError(resp *resty.Response) *ProviderError {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(resp.Body(), &body)

	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	return &ProviderError{Provider: ProviderNETS, StatusCode: resp.StatusCode(), Message: msg}
}

// QRCode é um QR code NETS pronto para ser exibido ao cliente
type QRCode struct {
	TxnRetrievalRef string          `json:"txn_retrieval_ref"`
	QRCode          string          `json:"qr_code"`
	Amount          decimal.Decimal `json:"amount"`
	NetworkStatus   int             `json:"network_status"`
}

// RequestQR pede um QR code para o valor informado
func (c *NETSClient) RequestQR(ctx context.Context, amount decimal.Decimal) (*QRCode, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"txn_id":         c.cfg.TxnID,
			"amt_in_dollars": amount.Round(2).InexactFloat64(),
			"notify_mobile":  0,
		}).
		Post(netsRequestPath)
	if err != nil {
		return nil, fmt.Errorf("nets qr request: %w", err)
	}
	if resp.IsError() {
		return nil, netsError(resp)
	}

	data, err := decodeNETSData(resp.Body())
	if err != nil {
		return nil, err
	}

	if data.ResponseCode != netsApprovedCode || data.TxnStatus != netsTxnStatusPaid || data.QRCode == "" {
		msg := data.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("qr generation declined (response_code=%s, txn_status=%d)", data.ResponseCode, data.TxnStatus)
		}
		return nil, &ProviderError{Provider: ProviderNETS, StatusCode: resp.StatusCode(), Name: data.ResponseCode, Message: msg}
	}
	if data.TxnRetrievalRef == "" {
		return nil, malformed("nets qr response without txn_retrieval_ref")
	}

	return &QRCode{
		TxnRetrievalRef: data.TxnRetrievalRef,
		QRCode:          data.QRCode,
		Amount:          amount,
		NetworkStatus:   data.NetworkStatus,
	}, nil
}

// NETSStatus é o resultado de uma consulta de status NETS
type NETSStatus struct {
	TxnRetrievalRef string `json:"txn_retrieval_ref"`
	ResponseCode    string `json:"response_code"`
	TxnStatus       int    `json:"txn_status"`
	Status          string `json:"status"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// Confirmation converte um status pago em confirmação de pagamento.
// O NETS não devolve valor na consulta, então o valor cobrado é informado.
func (s NETSStatus) Confirmation(amount decimal.Decimal, currency string) Confirmation {
	return Confirmation{
		Provider:        ProviderNETS,
		ProviderOrderID: s.TxnRetrievalRef,
		CaptureID:       s.TxnRetrievalRef,
		Status:          s.Status,
		Amount:          amount,
		Currency:        currency,
	}
}

// DecodeNETSStatus valida a resposta da consulta de status. Um pagamento só é
// considerado falho quando o NETS informa falha ou quando o front já desistiu.
func DecodeNETSStatus(ref string, body []byte, frontendTimeout bool) (NETSStatus, error) {
	if ref == "" {
		return NETSStatus{}, malformed("nets status without txn_retrieval_ref")
	}

	data, err := decodeNETSData(body)
	if err != nil {
		return NETSStatus{}, err
	}

	status := NETSStatus{
		TxnRetrievalRef: ref,
		ResponseCode:    data.ResponseCode,
		TxnStatus:       data.TxnStatus,
		Status:          StatusPending,
		ErrorMessage:    data.ErrorMessage,
	}

	switch {
	case data.ResponseCode == netsApprovedCode && data.TxnStatus == netsTxnStatusPaid:
		status.Status = StatusCompleted
	case data.TxnStatus == netsTxnStatusFailed:
		status.Status = StatusFailed
	case frontendTimeout && data.ResponseCode != netsApprovedCode:
		status.Status = StatusFailed
	}
	return status, nil
}

// QueryStatus consulta o status de um QR code
func (c *NETSClient) QueryStatus(ctx context.Context, ref string, frontendTimeout bool) (NETSStatus, error) {
	timeoutFlag := 0
	if frontendTimeout {
		timeoutFlag = 1
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"txn_retrieval_ref":       ref,
			"frontend_timeout_status": timeoutFlag,
		}).
		Post(netsQueryPath)
	if err != nil {
		return NETSStatus{}, fmt.Errorf("nets status query: %w", err)
	}
	if resp.IsError() {
		return NETSStatus{}, netsError(resp)
	}
	return DecodeNETSStatus(ref, resp.Body(), frontendTimeout)
}

// AwaitPayment consulta o status a cada PollInterval até MaxPolls vezes. A última
// consulta sinaliza o timeout do front; sem resultado final retorna ErrPaymentTimeout.
func (c *NETSClient) AwaitPayment(ctx context.Context, ref string, onPoll func(attempt int, status NETSStatus)) (NETSStatus, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var last NETSStatus
	for attempt := 1; attempt <= c.cfg.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}

		status, err := c.QueryStatus(ctx, ref, attempt == c.cfg.MaxPolls)
		if err != nil {
			return last, err
		}
		last = status

		if onPoll != nil {
			onPoll(attempt, status)
		}
		if status.Status != StatusPending {
			return status, nil
		}
	}
	return last, fmt.Errorf("%w after %d polls", ErrPaymentTimeout, c.cfg.MaxPolls)
}
