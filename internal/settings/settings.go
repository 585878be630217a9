// Package settings exposes the live operational policy. Values are read from
// the store on every call so admin edits take effect on the next request.
package settings

import (
	"context"

	"timecapsule/internal/domain"
)

type Store interface {
	GetSettings(ctx context.Context, defaults domain.Settings) (domain.Settings, error)
	UpdateSettings(ctx context.Context, s domain.Settings) error
}

type Service struct {
	Store    Store
	Defaults domain.Settings
}

func New(st Store, defaults domain.Settings) *Service {
	return &Service{Store: st, Defaults: defaults}
}

// Read returns the stored policy, seeding it from Defaults if absent.
func (s *Service) Read(ctx context.Context) (domain.Settings, error) {
	return s.Store.GetSettings(ctx, s.Defaults)
}

func (s *Service) Update(ctx context.Context, in domain.Settings) (domain.Settings, error) {
	if err := in.Validate(); err != nil {
		return domain.Settings{}, err
	}
	if err := s.Store.UpdateSettings(ctx, in); err != nil {
		return domain.Settings{}, err
	}
	return in, nil
}
