package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// GuestRepository guarda carrinhos de convidados no Redis, indexados pela sessão
type GuestRepository struct {
	client      *redis.Client
	serviceName string
}

// NewGuestRepository cria uma nova instância de GuestRepository
func NewGuestRepository(client *redis.Client, serviceName string) *GuestRepository {
	return &GuestRepository{
		client:      client,
		serviceName: serviceName,
	}
}

// GenerateKey monta a chave do carrinho de uma sessão
func (r *GuestRepository) GenerateKey(sessionID string) string {
	return fmt.Sprintf("%s:cart:%s", r.serviceName, sessionID)
}

// Items devolve as linhas do carrinho; sessão sem carrinho devolve vazio
func (r *GuestRepository) Items(ctx context.Context, sessionID string) ([]Line, error) {
	raw, err := r.client.Get(ctx, r.GenerateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load guest cart: %w", err)
	}

	var lines []Line
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, fmt.Errorf("failed to decode guest cart: %w", err)
	}
	return lines, nil
}

// Clear remove o carrinho da sessão
func (r *GuestRepository) Clear(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.GenerateKey(sessionID)).Err()
}
