package postgres

import (
	"context"

	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
	"gorm.io/gorm"
)

// SetImportance rewrites importance without archiving a version. Used for
// evaluator verdicts, resolved-error halving and supersession decay, none of
// which are caller amendments.
func (s *FragmentStore) SetImportance(ctx context.Context, id string, importance float64) error {
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		r := tx.Exec("UPDATE fragments SET importance = ? WHERE id = ?", importance, id)
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "fragment", ID: id}
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*registrystore.NotFoundError); ok {
			return err
		}
		return &registrystore.BackendError{Op: "setImportance", Err: err}
	}
	return nil
}

// AppendKeyword adds one entry to the keywords array if not already present.
func (s *FragmentStore) AppendKeyword(ctx context.Context, id string, keyword string) error {
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		return tx.Exec(`
			UPDATE fragments
			SET keywords = keywords || jsonb_build_array(?::text)
			WHERE id = ? AND NOT jsonb_exists(keywords, ?)`,
			keyword, id, keyword).Error
	})
	if err != nil {
		return &registrystore.BackendError{Op: "appendKeyword", Err: err}
	}
	return nil
}
