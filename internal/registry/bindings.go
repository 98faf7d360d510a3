package registry

import (
	"errors"
	"fmt"

	"github.com/chorusbot/chorus/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Binding returns the assistant bound to a chat, or (0, false) when the
// chat has no binding.
func (r *Registry) Binding(chatID int64) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b models.ChatBinding
	if err := r.db.First(&b, "chat_id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("registry: binding for chat %d: %w", chatID, err)
	}
	return b.AssistantID, true, nil
}

// BindChat records the assistant chosen for a chat, overwriting any
// previous binding.
func (r *Registry) BindChat(chatID int64, assistantID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := models.ChatBinding{ChatID: chatID, AssistantID: assistantID}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"assistant_id", "updated_at"}),
	}).Create(&b).Error
	if err != nil {
		return fmt.Errorf("registry: bind chat %d: %w", chatID, err)
	}
	return nil
}

// ClearBinding removes a chat's binding. Unknown chats are a no-op.
func (r *Registry) ClearBinding(chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Delete(&models.ChatBinding{}, "chat_id = ?", chatID).Error; err != nil {
		return fmt.Errorf("registry: clear binding %d: %w", chatID, err)
	}
	return nil
}

// ClearBindingsFor removes every binding pointing at an assistant, used
// when the assistant is removed from the pool.
func (r *Registry) ClearBindingsFor(assistantID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Delete(&models.ChatBinding{}, "assistant_id = ?", assistantID).Error; err != nil {
		return fmt.Errorf("registry: clear bindings for assistant %d: %w", assistantID, err)
	}
	return nil
}
