package registry

import (
	"errors"
	"fmt"

	"github.com/chorusbot/chorus/internal/models"
	"gorm.io/gorm"
)

// AutoLeave returns the persisted auto-leave settings, or defaults when
// none have been stored yet.
func (r *Registry) AutoLeave() (models.AutoLeaveSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s models.AutoLeaveSettings
	if err := r.db.First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.AutoLeaveSettings{Enabled: false, TimeoutMinutes: 5}, nil
		}
		return s, fmt.Errorf("registry: auto-leave settings: %w", err)
	}
	return s, nil
}

// SetAutoLeave stores the auto-leave toggle and timeout (minutes).
func (r *Registry) SetAutoLeave(enabled bool, timeoutMinutes int) error {
	if timeoutMinutes < 1 {
		return fmt.Errorf("registry: auto-leave timeout must be at least 1 minute")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var s models.AutoLeaveSettings
	err := r.db.First(&s).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		s = models.AutoLeaveSettings{Enabled: enabled, TimeoutMinutes: timeoutMinutes}
		if err := r.db.Create(&s).Error; err != nil {
			return fmt.Errorf("registry: store auto-leave settings: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("registry: auto-leave settings: %w", err)
	}

	result := r.db.Model(&s).Updates(map[string]interface{}{
		"enabled":         enabled,
		"timeout_minutes": timeoutMinutes,
	})
	if result.Error != nil {
		return fmt.Errorf("registry: update auto-leave settings: %w", result.Error)
	}
	return nil
}
