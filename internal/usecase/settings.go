package usecase

import (
	"context"
	"sync/atomic"

	"tgforward/internal/domain"
)

// SettingsHolder is the process-wide UploadSettings cell: read-mostly, single
// writer, atomic swap. Changes apply to subsequently dispatched tasks only.
type SettingsHolder struct {
	v atomic.Pointer[domain.UploadSettings]
}

func NewSettingsHolder(s domain.UploadSettings) *SettingsHolder {
	h := &SettingsHolder{}
	h.Set(s)
	return h
}

func (h *SettingsHolder) Get() domain.UploadSettings {
	return *h.v.Load()
}

func (h *SettingsHolder) Set(s domain.UploadSettings) {
	s = s.Normalize()
	h.v.Store(&s)
}

// Load reads persisted settings into the holder.
func (h *SettingsHolder) Load(ctx context.Context, store domain.SettingsStore) error {
	s, err := store.GetUploadSettings(ctx)
	if err != nil {
		return err
	}
	h.Set(s)
	return nil
}

// Update persists and applies new settings.
func (h *SettingsHolder) Update(ctx context.Context, store domain.SettingsStore, s domain.UploadSettings) error {
	s = s.Normalize()
	if err := store.SaveUploadSettings(ctx, s); err != nil {
		return err
	}
	h.Set(s)
	return nil
}
