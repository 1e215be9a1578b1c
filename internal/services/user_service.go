package services

import (
	"context"

	"github.com/pkg/errors"

	"example.com/backstage/tickets/internal/access"
	"example.com/backstage/tickets/internal/models"
)

// UserService provisions local users from authenticated callers
type UserService struct {
	users UserStore
}

// NewUserService creates a new user service
func NewUserService(users UserStore) *UserService {
	return &UserService{users: users}
}

// EnsureUser upserts the caller so ownership references always resolve
func (s *UserService) EnsureUser(ctx context.Context, caller access.Caller) error {
	err := s.users.EnsureUser(ctx, &models.User{
		ID:    caller.ID,
		Name:  caller.Name,
		Email: caller.Email,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to provision user %s", caller.ID)
	}
	return nil
}
