package postgres

import (
	"context"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// Maintenance sweeps. All of these run under the maintenance scope, so the
// visibility predicate is a no-op; anchors and permanent rows are exempted
// by each eligibility mask.

// TransitionTTL applies the three promotion rules then the demotion rule,
// returning the number of rows whose tier changed.
func (s *FragmentStore) TransitionTTL(ctx context.Context) (int64, error) {
	var changed int64
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		promoted := tx.Exec(`
			UPDATE fragments SET ttl_tier = 'permanent'
			WHERE ttl_tier <> 'permanent'
			  AND (type = 'preference'
			    OR jsonb_array_length(linked_to) >= 5
			    OR importance >= 0.8)`)
		if promoted.Error != nil {
			return promoted.Error
		}
		changed += promoted.RowsAffected

		demoted := tx.Exec(`
			UPDATE fragments SET ttl_tier = 'cold'
			WHERE ttl_tier = 'warm'
			  AND NOT is_anchor
			  AND (importance < 0.3
			    OR accessed_at < now() - interval '30 days'
			    OR (accessed_at IS NULL AND created_at < now() - interval '30 days'))`)
		if demoted.Error != nil {
			return demoted.Error
		}
		changed += demoted.RowsAffected
		return nil
	})
	if err != nil {
		return 0, &registrystore.BackendError{Op: "transitionTTL", Err: err}
	}
	return changed, nil
}

// DecayImportance multiplies importance by 0.995 for non-permanent,
// non-preference, non-anchor rows inactive for at least a day.
func (s *FragmentStore) DecayImportance(ctx context.Context) (int64, error) {
	var affected int64
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		r := tx.Exec(`
			UPDATE fragments SET importance = importance * 0.995
			WHERE ttl_tier <> 'permanent'
			  AND type <> 'preference'
			  AND NOT is_anchor
			  AND (accessed_at < now() - interval '1 day'
			    OR (accessed_at IS NULL AND created_at < now() - interval '1 day'))`)
		affected = r.RowsAffected
		return r.Error
	})
	if err != nil {
		return 0, &registrystore.BackendError{Op: "decayImportance", Err: err}
	}
	return affected, nil
}

// DeleteExpired drops low-importance rows that have been inactive for 90
// days, skipping permanent tiers, anchors, and hubs with two or more links.
func (s *FragmentStore) DeleteExpired(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		var ids []string
		if err := tx.Table("fragments").
			Where(`importance < 0.1
				AND ttl_tier <> 'permanent'
				AND NOT is_anchor
				AND (accessed_at < now() - interval '90 days'
					OR (accessed_at IS NULL AND created_at < now() - interval '90 days'))
				AND jsonb_array_length(linked_to) < 2`).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		for _, id := range ids {
			if err := deleteRow(tx, id); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, &registrystore.BackendError{Op: "deleteExpired", Err: err}
	}
	return deleted, nil
}

// FindDuplicateGroups lists sets of fragments sharing one content hash
// within an agent scope, each group ordered by creation time.
func (s *FragmentStore) FindDuplicateGroups(ctx context.Context) ([]registrystore.DuplicateGroup, error) {
	type dupKey struct {
		AgentID     string `gorm:"column:agent_id"`
		ContentHash string `gorm:"column:content_hash"`
	}
	var keys []dupKey
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		return tx.Table("fragments").
			Select("agent_id, content_hash").
			Group("agent_id, content_hash").
			Having("COUNT(*) > 1").
			Scan(&keys).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "findDuplicateGroups", Err: err}
	}

	var groups []registrystore.DuplicateGroup
	for _, k := range keys {
		var members []model.Fragment
		err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
			return tx.Where("agent_id = ? AND content_hash = ?", k.AgentID, k.ContentHash).
				Order("created_at ASC").Find(&members).Error
		})
		if err != nil {
			return nil, &registrystore.BackendError{Op: "findDuplicateGroups", Err: err}
		}
		groups = append(groups, registrystore.DuplicateGroup{ContentHash: k.ContentHash, Fragments: members})
	}
	return groups, nil
}

// MergeDuplicates rewrites edges and linked_to references from the losers to
// the survivor, accrues the summed access count, and deletes the losers.
func (s *FragmentStore) MergeDuplicates(ctx context.Context, survivor string, losers []string, accessSum int64) error {
	if len(losers) == 0 {
		return nil
	}
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		// Redirect edges, skipping rewrites that would collide with an
		// existing edge or create a self link.
		if err := tx.Exec(`
			UPDATE fragment_links SET from_id = ?
			WHERE from_id IN ? AND to_id <> ?
			  AND NOT EXISTS (
				SELECT 1 FROM fragment_links x
				WHERE x.from_id = ? AND x.to_id = fragment_links.to_id)`,
			survivor, losers, survivor, survivor).Error; err != nil {
			return err
		}
		if err := tx.Exec(`
			UPDATE fragment_links SET to_id = ?
			WHERE to_id IN ? AND from_id <> ?
			  AND NOT EXISTS (
				SELECT 1 FROM fragment_links x
				WHERE x.to_id = ? AND x.from_id = fragment_links.from_id)`,
			survivor, losers, survivor, survivor).Error; err != nil {
			return err
		}
		if err := tx.Exec(
			"DELETE FROM fragment_links WHERE from_id IN ? OR to_id IN ?",
			losers, losers).Error; err != nil {
			return err
		}

		// Rewrite linked_to mirrors pointing at a loser.
		for _, loser := range losers {
			if err := tx.Exec(`
				UPDATE fragments
				SET linked_to = (linked_to - ?::text) ||
					CASE WHEN jsonb_exists(linked_to, ?) OR id = ?
					     THEN '[]'::jsonb
					     ELSE jsonb_build_array(?::text)
					END
				WHERE jsonb_exists(linked_to, ?)`,
				loser, survivor, survivor, survivor, loser).Error; err != nil {
				return err
			}
		}

		if err := tx.Exec(
			"UPDATE fragments SET access_count = ? WHERE id = ?",
			accessSum, survivor).Error; err != nil {
			return err
		}
		return tx.Exec("DELETE FROM fragments WHERE id IN ?", losers).Error
	})
	if err != nil {
		return &registrystore.BackendError{Op: "mergeDuplicates", Err: err}
	}
	return nil
}

// FindMissingEmbeddings picks the top-n NULL-embedding rows by importance.
func (s *FragmentStore) FindMissingEmbeddings(ctx context.Context, limit int) ([]model.Fragment, error) {
	if limit <= 0 {
		limit = 5
	}
	var out []model.Fragment
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		return tx.Where("embedding IS NULL").
			Order("importance DESC").Limit(limit).Find(&out).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "findMissingEmbeddings", Err: err}
	}
	return out, nil
}

// SetEmbedding backfills the embedding column for one fragment.
func (s *FragmentStore) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	vec := pgvec.NewVector(embedding)
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		return tx.Exec("UPDATE fragments SET embedding = ?::vector WHERE id = ?", vec, id).Error
	})
	if err != nil {
		return &registrystore.BackendError{Op: "setEmbedding", Err: err}
	}
	return nil
}

// RecomputeUtility rewrites utility_score as importance * (1 + ln(max(access_count, 1))).
func (s *FragmentStore) RecomputeUtility(ctx context.Context) (int64, error) {
	var affected int64
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		r := tx.Exec(`
			UPDATE fragments
			SET utility_score = importance * (1 + ln(GREATEST(access_count, 1)))`)
		affected = r.RowsAffected
		return r.Error
	})
	if err != nil {
		return 0, &registrystore.BackendError{Op: "recomputeUtility", Err: err}
	}
	return affected, nil
}

// PromoteAnchors marks frequently accessed high-importance rows as anchors.
func (s *FragmentStore) PromoteAnchors(ctx context.Context) (int64, error) {
	var affected int64
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		r := tx.Exec(`
			UPDATE fragments SET is_anchor = TRUE
			WHERE NOT is_anchor AND access_count >= 10 AND importance >= 0.8`)
		affected = r.RowsAffected
		return r.Error
	})
	if err != nil {
		return 0, &registrystore.BackendError{Op: "promoteAnchors", Err: err}
	}
	return affected, nil
}

// PruneDanglingLinks removes linked_to entries whose target row no longer
// exists. The mirror array is a materialisation of the edge table and this
// sweep is its reconciler.
func (s *FragmentStore) PruneDanglingLinks(ctx context.Context) (int64, error) {
	var affected int64
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		r := tx.Exec(`
			UPDATE fragments f
			SET linked_to = (
				SELECT COALESCE(jsonb_agg(e), '[]'::jsonb)
				FROM jsonb_array_elements_text(f.linked_to) e
				WHERE EXISTS (SELECT 1 FROM fragments t WHERE t.id = e))
			WHERE EXISTS (
				SELECT 1 FROM jsonb_array_elements_text(f.linked_to) e
				WHERE NOT EXISTS (SELECT 1 FROM fragments t WHERE t.id = e))`)
		affected = r.RowsAffected
		return r.Error
	})
	if err != nil {
		return 0, &registrystore.BackendError{Op: "pruneDanglingLinks", Err: err}
	}
	return affected, nil
}

// FindCreatedSince lists fragments created after the given time, oldest first.
func (s *FragmentStore) FindCreatedSince(ctx context.Context, since time.Time) ([]model.Fragment, error) {
	var out []model.Fragment
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		return tx.Where("created_at > ?", since).Order("created_at ASC").Find(&out).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "findCreatedSince", Err: err}
	}
	return out, nil
}

// FindStale lists fragments whose verified_at exceeds the per-type staleness
// window, worst first.
func (s *FragmentStore) FindStale(ctx context.Context, limit int) ([]registrystore.StaleFragment, error) {
	if limit <= 0 {
		limit = 20
	}
	type staleRow struct {
		ID   string  `gorm:"column:id"`
		Days float64 `gorm:"column:days"`
	}
	var rows []staleRow
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		return tx.Raw(`
			SELECT id, EXTRACT(epoch FROM now() - verified_at) / 86400 AS days
			FROM fragments
			WHERE verified_at IS NOT NULL
			  AND EXTRACT(epoch FROM now() - verified_at) / 86400 >
				CASE type
				  WHEN 'procedure' THEN ?
				  WHEN 'fact' THEN ?
				  WHEN 'decision' THEN ?
				  ELSE ?
				END
			ORDER BY days DESC
			LIMIT ?`,
			s.cfg.StaleProcedureDays, s.cfg.StaleFactDays,
			s.cfg.StaleDecisionDays, s.cfg.StaleDefaultDays, limit).Scan(&rows).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "findStale", Err: err}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	fragments, err := s.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Fragment, len(fragments))
	for _, f := range fragments {
		byID[f.ID] = f
	}
	out := make([]registrystore.StaleFragment, 0, len(rows))
	for _, r := range rows {
		if f, ok := byID[r.ID]; ok {
			out = append(out, registrystore.StaleFragment{Fragment: f, Days: int(r.Days)})
		}
	}
	return out, nil
}
