package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"blog-cms/internal/apperr"
	"blog-cms/internal/auth"
	"blog-cms/internal/model"
	"blog-cms/internal/repository"
)

const invalidCredentials = "email or password is not valid"

type AuthService struct {
	users  UserStore
	tokens *auth.Tokens
	logger *slog.Logger
}

func NewAuthService(users UserStore, tokens *auth.Tokens, logger *slog.Logger) *AuthService {
	return &AuthService{users: users, tokens: tokens, logger: logger}
}

// Login checks the credentials and returns a signed access token.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.users.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, repository.ErrNotFound) {
		return "", apperr.Unauthorized(invalidCredentials)
	}
	if err != nil {
		return "", userErr(err)
	}

	if !auth.CheckPassword(user.Password, password) {
		return "", apperr.Unauthorized(invalidCredentials)
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return "", apperr.Internal(err)
	}
	return token, nil
}

// EnsureAdmin creates the bootstrap admin unless a user with that email
// already exists. It is a no-op when email or password is empty.
func (s *AuthService) EnsureAdmin(ctx context.Context, name, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		s.logger.Warn("admin credentials not configured, skip admin creation")
		return nil
	}

	_, err := s.users.FindByEmail(ctx, email)
	if err == nil {
		s.logger.Info("admin already exists, skip creation", "email", email)
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return userErr(err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return apperr.Internal(err)
	}
	if name == "" {
		name = "Admin"
	}

	admin := &model.User{Name: name, Email: email, Password: hash, Role: model.RoleAdmin}
	if err := s.users.Create(ctx, admin); err != nil {
		return userErr(err)
	}
	s.logger.Info("admin created", "email", email, "user_id", admin.ID)
	return nil
}
