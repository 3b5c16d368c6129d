package service

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"

	"blog-cms/internal/apperr"
	"blog-cms/internal/auth"
	"blog-cms/internal/model"
	"blog-cms/internal/repository"
)

type UserStore interface {
	FindByID(ctx context.Context, id uint) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	EmailTaken(ctx context.Context, email string, excludeID uint) (bool, error)
	Create(ctx context.Context, user *model.User) error
	UpdateFields(ctx context.Context, id uint, fields map[string]any) error
}

type UserService struct {
	users  UserStore
	logger *slog.Logger
}

func NewUserService(users UserStore, logger *slog.Logger) *UserService {
	return &UserService{users: users, logger: logger}
}

// authorize lets a caller act on their own account, and admins on any.
func authorize(caller *auth.Identity, id uint) error {
	if caller == nil {
		return apperr.Unauthorized("unauthorized")
	}
	if caller.UserID != id && !caller.IsAdmin() {
		return apperr.Forbidden("forbidden")
	}
	return nil
}

func (s *UserService) Get(ctx context.Context, caller *auth.Identity, id uint) (*model.User, error) {
	if err := authorize(caller, id); err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, userErr(err)
	}
	return user, nil
}

type UpdateUserInput struct {
	Name  *string
	Email *string
}

func (s *UserService) Update(ctx context.Context, caller *auth.Identity, id uint, in UpdateUserInput) (*model.User, error) {
	if err := authorize(caller, id); err != nil {
		return nil, err
	}
	if _, err := s.users.FindByID(ctx, id); err != nil {
		return nil, userErr(err)
	}

	fields := make(map[string]any)
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation("name must not be empty")
		}
		fields["name"] = name
	}
	if in.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*in.Email))
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, apperr.Validation("email is not valid")
		}
		taken, err := s.users.EmailTaken(ctx, email, id)
		if err != nil {
			return nil, userErr(err)
		}
		if taken {
			return nil, apperr.Conflict("email already in use")
		}
		fields["email"] = email
	}

	if len(fields) > 0 {
		if err := s.users.UpdateFields(ctx, id, fields); err != nil {
			return nil, userErr(err)
		}
	}
	return s.users.FindByID(ctx, id)
}

func (s *UserService) UpdatePassword(ctx context.Context, caller *auth.Identity, id uint, oldPassword, newPassword string) error {
	if err := authorize(caller, id); err != nil {
		return err
	}
	if newPassword == "" {
		return apperr.Validation("new password is required")
	}

	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return userErr(err)
	}
	if !auth.CheckPassword(user.Password, oldPassword) {
		return apperr.Validation("password is not valid")
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.users.UpdateFields(ctx, id, map[string]any{"password": hash}); err != nil {
		return userErr(err)
	}

	s.logger.Info("password updated", "user_id", id)
	return nil
}

func userErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("user not found")
	}
	return apperr.Upstream("record store failure", err)
}
