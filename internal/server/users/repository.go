package users

import "context"

type Repository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	UpdatePublicKey(ctx context.Context, id, publicKey string) error
}
