package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// QuoteTTL cobre a janela em que um QR code emitido ainda pode ser pago
const QuoteTTL = 2 * time.Hour

var ErrQuoteNotFound = errors.New("payment quote not found")

// Quote congela o valor cobrado e o dono do carrinho no momento em que o
// pagamento é iniciado
type Quote struct {
	Owner  Owner           `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
}

// QuoteRepository guarda as cotações no Redis, indexadas pela referência do provedor
type QuoteRepository struct {
	client      *redis.Client
	serviceName string
	ttl         time.Duration
}

// NewQuoteRepository cria uma nova instância de QuoteRepository
func NewQuoteRepository(client *redis.Client, serviceName string) *QuoteRepository {
	return &QuoteRepository{
		client:      client,
		serviceName: serviceName,
		ttl:         QuoteTTL,
	}
}

// GenerateKey monta a chave da cotação de uma referência de pagamento
func (r *QuoteRepository) GenerateKey(ref string) string {
	return fmt.Sprintf("%s:quote:%s", r.serviceName, ref)
}

// Save grava a cotação da referência
func (r *QuoteRepository) Save(ctx context.Context, ref string, quote Quote) error {
	raw, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to encode payment quote: %w", err)
	}
	if err := r.client.Set(ctx, r.GenerateKey(ref), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save payment quote: %w", err)
	}
	return nil
}

// Get devolve a cotação da referência
func (r *QuoteRepository) Get(ctx context.Context, ref string) (Quote, error) {
	raw, err := r.client.Get(ctx, r.GenerateKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, ErrQuoteNotFound
	}
	if err != nil {
		return Quote{}, fmt.Errorf("failed to load payment quote: %w", err)
	}

	var quote Quote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return Quote{}, fmt.Errorf("failed to decode payment quote: %w", err)
	}
	return quote, nil
}
