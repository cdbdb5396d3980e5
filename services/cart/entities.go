package cart

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrNoOwner = errors.New("cart owner is required")

// Line é um item do carrinho
type Line struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

// Snapshot é uma cópia imutável do carrinho no momento do checkout
type Snapshot struct {
	Lines []Line `json:"lines"`
}

// Empty indica se o carrinho não tem itens
func (s Snapshot) Empty() bool {
	return len(s.Lines) == 0
}

// Subtotal soma quantidade * preço de todas as linhas
func (s Snapshot) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total
}

// Owner identifica o dono do carrinho: um usuário autenticado ou uma sessão de convidado
type Owner struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Guest indica se o carrinho pertence a uma sessão sem usuário
func (o Owner) Guest() bool {
	return o.UserID == ""
}

// Validate garante que existe um dono identificável
func (o Owner) Validate() error {
	if o.UserID == "" && o.SessionID == "" {
		return ErrNoOwner
	}
	return nil
}

// UserIDPtr devolve o id do usuário ou nil para convidados
func (o Owner) UserIDPtr() *string {
	if o.Guest() {
		return nil
	}
	id := o.UserID
	return &id
}
