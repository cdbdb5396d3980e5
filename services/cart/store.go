package cart

import "context"

// GuestCarts é o armazenamento de carrinhos de convidados
type GuestCarts interface {
	Items(ctx context.Context, sessionID string) ([]Line, error)
	Clear(ctx context.Context, sessionID string) error
}

// Store resolve o carrinho certo para cada dono
type Store struct {
	users  UserRepository
	guests GuestCarts
}

// NewStore cria uma nova instância de Store
func NewStore(users UserRepository, guests GuestCarts) *Store {
	return &Store{users: users, guests: guests}
}

// Snapshot tira uma cópia do carrinho atual do dono
func (s *Store) Snapshot(ctx context.Context, owner Owner) (Snapshot, error) {
	if err := owner.Validate(); err != nil {
		return Snapshot{}, err
	}

	var (
		lines []Line
		err   error
	)
	if owner.Guest() {
		lines, err = s.guests.Items(ctx, owner.SessionID)
	} else {
		lines, err = s.users.ItemsByUser(ctx, owner.UserID)
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Lines: lines}, nil
}

// Clear esvazia o carrinho do dono
func (s *Store) Clear(ctx context.Context, owner Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if owner.Guest() {
		return s.guests.Clear(ctx, owner.SessionID)
	}
	return s.users.Clear(ctx, owner.UserID)
}
