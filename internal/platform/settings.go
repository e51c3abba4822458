package platform

import (
	"context"
	"errors"
	"sync"
)

// SettingGatewaysList is the app setting holding the JSON list of
// {address, token} gateway entries.
const SettingGatewaysList = "gatewaysList"

// SettingListener is called after a setting changes.
type SettingListener func(ctx context.Context, key, value string)

// AppSettings holds bridge-wide settings backed by the repository.
//
// Thread Safety: All methods are safe for concurrent use. Listeners run
// without the lock held, in registration order.
type AppSettings struct {
	repo Repository

	mu        sync.RWMutex
	values    map[string]string
	listeners []SettingListener
}

// NewAppSettings creates settings backed by repo, which may be nil.
func NewAppSettings(repo Repository) *AppSettings {
	return &AppSettings{repo: repo, values: make(map[string]string)}
}

// Get returns a setting, reading through to the repository on a miss.
func (s *AppSettings) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}
	if s.repo == nil {
		return "", ErrSettingNotFound
	}

	v, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
	return v, nil
}

// Seed sets key only if it has no value yet, without notifying listeners.
func (s *AppSettings) Seed(ctx context.Context, key, value string) error {
	if _, err := s.Get(ctx, key); err == nil {
		return nil
	} else if !errors.Is(err, ErrSettingNotFound) {
		return err
	}
	return s.store(ctx, key, value)
}

// Set persists a setting and notifies listeners if the value changed.
func (s *AppSettings) Set(ctx context.Context, key, value string) error {
	if old, err := s.Get(ctx, key); err == nil && old == value {
		return nil
	}
	if err := s.store(ctx, key, value); err != nil {
		return err
	}

	s.mu.RLock()
	listeners := append([]SettingListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, key, value)
	}
	return nil
}

func (s *AppSettings) store(ctx context.Context, key, value string) error {
	if s.repo != nil {
		if err := s.repo.SetSetting(ctx, key, value); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

// OnChange registers fn for every later change.
func (s *AppSettings) OnChange(fn SettingListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
