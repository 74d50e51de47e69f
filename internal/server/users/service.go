// Package users implements the server-side identity store: credential
// verification with salted Argon2id verifiers and per-user public keys,
// persisted in SQLite.
package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/chatrelay/internal/common"
	"github.com/dmitrijs2005/chatrelay/internal/cryptox"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// VerifyCredential checks id/password against the stored verifier.
// Unknown identity yields common.ErrNotFound so the caller can choose to
// auto-register; a wrong password yields common.ErrBadCredential.
func (s *Service) VerifyCredential(ctx context.Context, id, password string) error {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrNotFound
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	if !cryptox.CheckVerifier(user.Verifier, cryptox.MakeVerifier(password, user.Salt)) {
		return common.ErrBadCredential
	}
	return nil
}

// RegisterIdentity creates a new identity with a fresh salt and verifier.
func (s *Service) RegisterIdentity(ctx context.Context, id, password string) error {
	salt, err := cryptox.GenerateSalt()
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	user := &User{
		ID:       id,
		Salt:     salt,
		Verifier: cryptox.MakeVerifier(password, salt),
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetPublicKey returns the stored public key for id. It yields
// common.ErrNotFound for an unknown identity and common.ErrNoPublicKey when
// the identity exists but has never uploaded a key.
func (s *Service) GetPublicKey(ctx context.Context, id string) (string, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if user.PublicKey == "" {
		return "", common.ErrNoPublicKey
	}
	return user.PublicKey, nil
}

// SetPublicKey overwrites the stored public key for id. Called on every
// successful login: the key uploaded last wins.
func (s *Service) SetPublicKey(ctx context.Context, id, publicKey string) error {
	return s.repo.UpdatePublicKey(ctx, id, publicKey)
}
