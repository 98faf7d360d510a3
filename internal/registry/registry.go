// Package registry is the durable store of assistant records. It fronts the
// database with a read-through cache that is invalidated on every mutation;
// writes go through a single mutex so concurrent callers serialize.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chorusbot/chorus/internal/models"
	"gorm.io/gorm"
)

// Name length bounds for operator-chosen labels.
const (
	MinNameLen = 3
	MaxNameLen = 50
)

var (
	// ErrNotFound means no record exists for the id.
	ErrNotFound = errors.New("registry: assistant not found")

	// ErrCredentialExists means the credential is already enrolled.
	ErrCredentialExists = errors.New("registry: credential already enrolled")

	// ErrInvalidName means the label is outside the 3-50 character bounds.
	ErrInvalidName = errors.New("registry: name must be 3-50 characters")
)

// Registry wraps the assistants table.
type Registry struct {
	db *gorm.DB

	mu    sync.Mutex
	cache map[int]models.Assistant // nil when invalid
}

// New creates a Registry.
func New(db *gorm.DB) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	return &Registry{db: db}, nil
}

// Add stores a new assistant under the smallest positive id not in use.
// Fails with ErrCredentialExists when the credential is already enrolled.
func (r *Registry) Add(credential []byte, name string) (int, error) {
	if len(credential) == 0 {
		return 0, fmt.Errorf("registry: credential is required")
	}
	if len(name) < MinNameLen || len(name) > MaxNameLen {
		return 0, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var id int
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var dup int64
		if err := tx.Model(&models.Assistant{}).
			Where("credential = ?", credential).Count(&dup).Error; err != nil {
			return fmt.Errorf("check credential: %w", err)
		}
		if dup > 0 {
			return ErrCredentialExists
		}

		var ids []int
		if err := tx.Model(&models.Assistant{}).
			Order("id").Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("list ids: %w", err)
		}
		id = smallestFreeID(ids)

		rec := models.Assistant{
			ID:         id,
			Credential: credential,
			Name:       name,
			Active:     true,
			AddedAt:    time.Now(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("create: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCredentialExists) {
			return 0, err
		}
		return 0, fmt.Errorf("registry: add: %w", err)
	}

	r.cache = nil
	return id, nil
}

// smallestFreeID returns the smallest positive integer absent from ids,
// which must be sorted ascending. Gaps left by removals are reused.
func smallestFreeID(ids []int) int {
	next := 1
	for _, id := range ids {
		if id == next {
			next++
		} else if id > next {
			break
		}
	}
	return next
}

// Remove deletes a record. Returns ErrNotFound for unknown ids; the caller
// (pool manager) is responsible for refusing removal while the assistant is
// in a call.
func (r *Registry) Remove(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := r.db.Delete(&models.Assistant{}, id)
	if result.Error != nil {
		return fmt.Errorf("registry: remove %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	r.cache = nil
	return nil
}

// Get returns one record by id.
func (r *Registry) Get(id int) (*models.Assistant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache != nil {
		if rec, ok := r.cache[id]; ok {
			out := rec
			return &out, nil
		}
		return nil, ErrNotFound
	}

	var rec models.Assistant
	if err := r.db.First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: get %d: %w", id, err)
	}
	return &rec, nil
}

// GetAll returns every record ordered by id.
func (r *Registry) GetAll() ([]models.Assistant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allLocked()
}

// GetAllActive returns the active records ordered by id.
func (r *Registry) GetAllActive() ([]models.Assistant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.allLocked()
	if err != nil {
		return nil, err
	}
	var out []models.Assistant
	for _, rec := range all {
		if rec.Active {
			out = append(out, rec)
		}
	}
	return out, nil
}

// allLocked fills the cache if needed and returns a sorted snapshot.
func (r *Registry) allLocked() ([]models.Assistant, error) {
	if r.cache == nil {
		var recs []models.Assistant
		if err := r.db.Order("id").Find(&recs).Error; err != nil {
			return nil, fmt.Errorf("registry: list: %w", err)
		}
		r.cache = make(map[int]models.Assistant, len(recs))
		for _, rec := range recs {
			r.cache[rec.ID] = rec
		}
	}

	out := make([]models.Assistant, 0, len(r.cache))
	for _, rec := range r.cache {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetActive flips the allocation flag without touching the record.
func (r *Registry) SetActive(id int, active bool) error {
	return r.update(id, map[string]interface{}{"active": active})
}

// Rename changes the operator label.
func (r *Registry) Rename(id int, name string) error {
	if len(name) < MinNameLen || len(name) > MaxNameLen {
		return ErrInvalidName
	}
	return r.update(id, map[string]interface{}{"name": name})
}

// BumpUsage atomically sets last_used_at to now and increments total_calls.
func (r *Registry) BumpUsage(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := r.db.Model(&models.Assistant{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_used_at": time.Now(),
			"total_calls":  gorm.Expr("total_calls + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("registry: bump usage %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	r.cache = nil
	return nil
}

// SetUserInfo stores the last-known profile snapshot as JSON.
func (r *Registry) SetUserInfo(id int, info models.UserInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("registry: marshal user info: %w", err)
	}
	return r.update(id, map[string]interface{}{"user_info": string(data)})
}

func (r *Registry) update(id int, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := r.db.Model(&models.Assistant{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("registry: update %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	r.cache = nil
	return nil
}
