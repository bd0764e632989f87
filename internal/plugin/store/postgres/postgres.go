package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/fragment"
	"github.com/agentmem/fragment-service/internal/model"
	registryembed "github.com/agentmem/fragment-service/internal/registry/embed"
	registrymigrate "github.com/agentmem/fragment-service/internal/registry/migrate"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

//go:embed db/schema.sql
var schemaSQL string

// schemaMigrator applies the fragment schema (tables, GIN and HNSW indexes,
// row-visibility policy).
type schemaMigrator struct{}

func (m *schemaMigrator) Name() string { return "postgres" }
func (m *schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || cfg.DBURL == "" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return db.Exec(schemaSQL).Error
}

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.FragmentStore, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("fragment store: FRAGMENT_SERVICE_DB_URL is required")
			}
			db, err := openDB(cfg)
			if err != nil {
				return nil, fmt.Errorf("fragment store: failed to connect to postgres: %w", err)
			}
			return &FragmentStore{
				db:       db,
				cfg:      cfg,
				embedder: registryembed.FromContext(ctx),
			}, nil
		},
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &schemaMigrator{}})
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	return db, nil
}

// FragmentStore implements registrystore.FragmentStore using GORM + PostgreSQL
// with the pgvector extension.
type FragmentStore struct {
	db       *gorm.DB
	cfg      *config.Config
	embedder registryembed.Embedder
}

var _ registrystore.FragmentStore = (*FragmentStore)(nil)

// withScope runs fn in a transaction with the caller's agent id bound to the
// transaction-local app.current_agent_id setting (read by the row policy).
func (s *FragmentStore) withScope(ctx context.Context, fn func(tx *gorm.DB, p scope.Principal) error) error {
	if s.cfg != nil && s.cfg.DBQueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DBQueryTimeout)
		defer cancel()
	}
	p := scope.FromContext(ctx)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		settingID := p.AgentID
		if p.Maintenance {
			settingID = "system"
		}
		if err := tx.Exec("SELECT set_config('app.current_agent_id', ?, true)", settingID).Error; err != nil {
			return fmt.Errorf("set agent scope: %w", err)
		}
		return fn(tx, p)
	})
}

// visible appends the row-visibility predicate for non-maintenance callers.
// The DDL policy enforces the same rule; the explicit predicate keeps
// behaviour identical when the connecting role bypasses RLS.
func visible(tx *gorm.DB, p scope.Principal) *gorm.DB {
	if p.Maintenance {
		return tx
	}
	return tx.Where("agent_id IN (?, ?)", p.AgentID, model.DefaultAgentID)
}

func visibleSQL(p scope.Principal) (string, []any) {
	if p.Maintenance {
		return "TRUE", nil
	}
	return "agent_id IN (?, ?)", []any{p.AgentID, model.DefaultAgentID}
}

// notSuperseded excludes rows that are the source of any superseded_by edge.
const notSuperseded = `NOT EXISTS (
	SELECT 1 FROM fragment_links fl
	WHERE fl.from_id = fragments.id AND fl.relation_type = 'superseded_by')`

// Insert stores a fragment. A content-hash collision within the agent scope
// returns the existing id and bumps its importance to the greater value.
// An embedding is generated when importance > 0.5 and a provider is reachable;
// embedding failure is non-fatal and the row is stored without one.
func (s *FragmentStore) Insert(ctx context.Context, f *model.Fragment) (*registrystore.InsertResult, error) {
	res := &registrystore.InsertResult{}
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		var existing model.Fragment
		r := tx.Where("content_hash = ? AND agent_id = ?", f.ContentHash, f.AgentID).
			Limit(1).Find(&existing)
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected > 0 {
			if f.Importance > existing.Importance {
				if err := tx.Model(&model.Fragment{}).Where("id = ?", existing.ID).
					Update("importance", f.Importance).Error; err != nil {
					return err
				}
			}
			res.ID = existing.ID
			return nil
		}

		if f.Embedding == nil && f.Importance > 0.5 && s.embedder != nil && s.embedder.Enabled() {
			vecs, err := s.embedder.EmbedTexts(ctx, []string{f.Content})
			if err != nil {
				log.Warn("Insert: embedding failed; storing without", "id", f.ID, "err", err)
			} else if len(vecs) == 1 {
				v := pgvec.NewVector(vecs[0])
				f.Embedding = &v
			}
		}

		if err := tx.Create(f).Error; err != nil {
			return err
		}
		res.ID = f.ID
		res.Created = true
		return nil
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "insert", Err: err}
	}
	return res, nil
}

// GetByID retrieves one fragment under the caller's scope.
func (s *FragmentStore) GetByID(ctx context.Context, id string) (*model.Fragment, error) {
	var out *model.Fragment
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		var f model.Fragment
		r := visible(tx, p).Where("id = ?", id).Limit(1).Find(&f)
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "fragment", ID: id}
		}
		out = &f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetByIDs retrieves fragments by id under the caller's scope.
func (s *FragmentStore) GetByIDs(ctx context.Context, ids []string) ([]model.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.Fragment
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		return visible(tx, p).Where("id IN ?", ids).Find(&out).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "getByIds", Err: err}
	}
	return out, nil
}

// SearchByKeywords matches any supplied keyword against the keywords array
// (GIN-indexed overlap) with optional type/topic/importance predicates.
// Rows that are the source of a superseded_by edge are excluded.
func (s *FragmentStore) SearchByKeywords(ctx context.Context, q registrystore.KeywordQuery) ([]model.Fragment, error) {
	if len(q.Keywords) == 0 && q.Type == "" && q.Topic == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 30
	}
	var out []model.Fragment
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		query := visible(tx, p).Where(notSuperseded).Order("importance DESC").Limit(limit)
		if len(q.Keywords) > 0 {
			query = query.Where("jsonb_exists_any(keywords, ?::text[])", q.Keywords)
		}
		if q.Type != "" {
			query = query.Where("type = ?", q.Type)
		}
		if q.Topic != "" {
			query = query.Where("topic = ?", q.Topic)
		}
		if q.MinImportance > 0 {
			query = query.Where("importance >= ?", q.MinImportance)
		}
		return query.Find(&out).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "searchByKeywords", Err: err}
	}
	return out, nil
}

// SearchBySemantic runs an ANN cosine search over the HNSW index, keeping
// rows with similarity >= minSimilarity. Fragments without an embedding are
// invisible here but remain reachable via keyword search.
func (s *FragmentStore) SearchBySemantic(ctx context.Context, embedding []float32, limit int, minSimilarity float64) ([]registrystore.SemanticHit, error) {
	if limit <= 0 {
		limit = 10
	}
	vec := pgvec.NewVector(embedding)

	type hitRow struct {
		ID         string  `gorm:"column:id"`
		Similarity float64 `gorm:"column:similarity"`
	}
	var hits []hitRow
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		visSQL, visArgs := visibleSQL(p)
		args := append([]any{vec}, visArgs...)
		args = append(args, vec, minSimilarity, vec, limit)
		return tx.Raw(`
			SELECT id, 1 - (embedding <=> ?::vector) AS similarity
			FROM fragments
			WHERE embedding IS NOT NULL
			  AND `+visSQL+`
			  AND `+notSuperseded+`
			  AND 1 - (embedding <=> ?::vector) >= ?
			ORDER BY embedding <=> ?::vector
			LIMIT ?`, args...).Scan(&hits).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "searchBySemantic", Err: err}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	simByID := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		simByID[h.ID] = h.Similarity
	}
	fragments, err := s.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Fragment, len(fragments))
	for _, f := range fragments {
		byID[f.ID] = f
	}
	out := make([]registrystore.SemanticHit, 0, len(hits))
	for _, h := range hits {
		f, ok := byID[h.ID]
		if !ok {
			continue
		}
		sim := h.Similarity
		f.Similarity = &sim
		out = append(out, registrystore.SemanticHit{Fragment: f, Similarity: sim})
	}
	return out, nil
}

// IncrementAccess bumps access_count and accessed_at for the given ids.
// Batched and non-transactional; failure is logged, not raised.
func (s *FragmentStore) IncrementAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	p := scope.FromContext(ctx)
	visSQL, visArgs := visibleSQL(p)
	args := append([]any{ids}, visArgs...)
	err := s.db.WithContext(ctx).Exec(`
		UPDATE fragments
		SET access_count = access_count + 1, accessed_at = now()
		WHERE id IN ? AND `+visSQL, args...).Error
	if err != nil {
		log.Warn("IncrementAccess failed", "count", len(ids), "err", err)
	}
	return nil
}

// Update amends a fragment: the current row is archived into the version
// table first, so no update is observable without its predecessor persisted.
// A content change that collides with a different row's hash returns
// Merged without mutating either row. Content mutation invalidates the
// embedding; the next consolidation regenerates it.
func (s *FragmentStore) Update(ctx context.Context, id string, patch registrystore.FragmentPatch) (*registrystore.UpdateResult, error) {
	res := &registrystore.UpdateResult{}
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		var cur model.Fragment
		r := visible(tx, p).Where("id = ?", id).Limit(1).Find(&cur)
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "fragment", ID: id}
		}

		updates := map[string]any{
			"verified_at": time.Now(),
			"accessed_at": time.Now(),
		}

		if patch.Content != nil {
			content := fragment.Truncate(fragment.Redact(*patch.Content))
			newHash := fragment.HashContent(content)
			if newHash != cur.ContentHash {
				var other model.Fragment
				cr := tx.Where("content_hash = ? AND agent_id = ? AND id <> ?", newHash, cur.AgentID, id).
					Limit(1).Find(&other)
				if cr.Error != nil {
					return cr.Error
				}
				if cr.RowsAffected > 0 {
					res.Merged = true
					res.ExistingID = other.ID
					return nil
				}
			}
			updates["content"] = content
			updates["content_hash"] = newHash
			updates["estimated_tokens"] = fragment.CountTokens(content)
			updates["embedding"] = nil
		}
		if patch.Topic != nil {
			updates["topic"] = *patch.Topic
		}
		if patch.Keywords != nil {
			updates["keywords"] = fragment.NormalizeKeywords(patch.Keywords)
		}
		if patch.Type != nil {
			updates["type"] = *patch.Type
		}
		if patch.Importance != nil {
			updates["importance"] = *patch.Importance
		}
		if patch.IsAnchor != nil {
			updates["is_anchor"] = *patch.IsAnchor
		}

		version := model.FragmentVersion{
			FragmentID: cur.ID,
			Content:    cur.Content,
			Topic:      cur.Topic,
			Keywords:   cur.Keywords,
			Type:       cur.Type,
			Importance: cur.Importance,
			AmendedAt:  time.Now(),
			AmendedBy:  patch.AmendedBy,
		}
		if err := tx.Create(&version).Error; err != nil {
			return fmt.Errorf("archive version: %w", err)
		}

		if err := tx.Model(&model.Fragment{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		res.Updated = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Delete removes a fragment, its edges, and every linked_to mirror referencing it.
func (s *FragmentStore) Delete(ctx context.Context, id string) error {
	return s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		var cur model.Fragment
		r := visible(tx, p).Where("id = ?", id).Limit(1).Find(&cur)
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "fragment", ID: id}
		}
		return deleteRow(tx, id)
	})
}

// deleteRow removes edges, prunes mirrors, then deletes the row itself.
func deleteRow(tx *gorm.DB, id string) error {
	if err := tx.Exec("DELETE FROM fragment_links WHERE from_id = ? OR to_id = ?", id, id).Error; err != nil {
		return err
	}
	if err := tx.Exec(
		"UPDATE fragments SET linked_to = linked_to - ?::text WHERE jsonb_exists(linked_to, ?)",
		id, id).Error; err != nil {
		return err
	}
	return tx.Exec("DELETE FROM fragments WHERE id = ?", id).Error
}

// DeleteByTopic removes all fragments under a topic. Permanent rows are
// counted as protected unless force is set.
func (s *FragmentStore) DeleteByTopic(ctx context.Context, topic string, force bool) (int, int, error) {
	deleted, protected := 0, 0
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		var rows []model.Fragment
		if err := visible(tx, p).Select("id", "ttl_tier").Where("topic = ?", topic).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			if row.TTLTier == model.TierPermanent && !force {
				protected++
				continue
			}
			if err := deleteRow(tx, row.ID); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, 0, &registrystore.BackendError{Op: "deleteByTopic", Err: err}
	}
	return deleted, protected, nil
}

// Count returns the number of fragments visible to the caller.
func (s *FragmentStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		return visible(tx.Model(&model.Fragment{}), p).Count(&count).Error
	})
	if err != nil {
		return 0, &registrystore.BackendError{Op: "count", Err: err}
	}
	return count, nil
}

// Stats aggregates store contents by type and tier.
func (s *FragmentStore) Stats(ctx context.Context) (*registrystore.Stats, error) {
	stats := &registrystore.Stats{
		ByType: map[string]int64{},
		ByTier: map[string]int64{},
	}
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		if err := visible(tx.Model(&model.Fragment{}), p).Count(&stats.Total).Error; err != nil {
			return err
		}
		type bucket struct {
			Key   string
			Count int64
		}
		var byType []bucket
		if err := visible(tx.Model(&model.Fragment{}), p).
			Select("type AS key, COUNT(*) AS count").Group("type").Scan(&byType).Error; err != nil {
			return err
		}
		for _, b := range byType {
			stats.ByType[b.Key] = b.Count
		}
		var byTier []bucket
		if err := visible(tx.Model(&model.Fragment{}), p).
			Select("ttl_tier AS key, COUNT(*) AS count").Group("ttl_tier").Scan(&byTier).Error; err != nil {
			return err
		}
		for _, b := range byTier {
			stats.ByTier[b.Key] = b.Count
		}
		if err := visible(tx.Model(&model.Fragment{}), p).Where("is_anchor").Count(&stats.Anchored).Error; err != nil {
			return err
		}
		if err := visible(tx.Model(&model.Fragment{}), p).Where("embedding IS NOT NULL").Count(&stats.Embedded).Error; err != nil {
			return err
		}
		return tx.Table("fragment_links").Count(&stats.LinkCount).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "stats", Err: err}
	}
	return stats, nil
}

// GetVersions lists the archived versions of a fragment, newest first.
func (s *FragmentStore) GetVersions(ctx context.Context, fragmentID string) ([]model.FragmentVersion, error) {
	var out []model.FragmentVersion
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		return tx.Where("fragment_id = ?", fragmentID).Order("amended_at DESC").Find(&out).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "getVersions", Err: err}
	}
	return out, nil
}

// InsertToolFeedback stores one tool feedback record.
func (s *FragmentStore) InsertToolFeedback(ctx context.Context, fb *model.ToolFeedback) error {
	if err := s.db.WithContext(ctx).Create(fb).Error; err != nil {
		return &registrystore.BackendError{Op: "insertToolFeedback", Err: err}
	}
	return nil
}

// InsertTaskFeedback stores one task feedback record.
func (s *FragmentStore) InsertTaskFeedback(ctx context.Context, fb *model.TaskFeedback) error {
	if err := s.db.WithContext(ctx).Create(fb).Error; err != nil {
		return &registrystore.BackendError{Op: "insertTaskFeedback", Err: err}
	}
	return nil
}

// FeedbackSince lists feedback recorded after the watermark.
func (s *FragmentStore) FeedbackSince(ctx context.Context, since time.Time) ([]model.ToolFeedback, []model.TaskFeedback, error) {
	var tools []model.ToolFeedback
	var tasks []model.TaskFeedback
	if err := s.db.WithContext(ctx).Where("created_at > ?", since).Order("created_at ASC").Find(&tools).Error; err != nil {
		return nil, nil, &registrystore.BackendError{Op: "feedbackSince", Err: err}
	}
	if err := s.db.WithContext(ctx).Where("created_at > ?", since).Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, nil, &registrystore.BackendError{Op: "feedbackSince", Err: err}
	}
	return tools, tasks, nil
}
