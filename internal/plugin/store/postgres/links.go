package postgres

import (
	"context"

	"github.com/agentmem/fragment-service/internal/model"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
	"gorm.io/gorm"
)

// CreateLink upserts the directed edge and maintains the undirected
// linked_to mirrors on both endpoints idempotently.
func (s *FragmentStore) CreateLink(ctx context.Context, fromID, toID string, relation model.RelationType) error {
	if !relation.Valid() {
		return &registrystore.ValidationError{Field: "relationType", Message: "unknown relation type"}
	}
	if fromID == toID {
		return &registrystore.ValidationError{Field: "toId", Message: "self links are not allowed"}
	}
	return s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		var count int64
		if err := visible(tx.Model(&model.Fragment{}), p).
			Where("id IN ?", []string{fromID, toID}).Count(&count).Error; err != nil {
			return err
		}
		if count != 2 {
			return &registrystore.NotFoundError{Resource: "fragment", ID: fromID + "/" + toID}
		}

		if err := tx.Exec(`
			INSERT INTO fragment_links (from_id, to_id, relation_type)
			VALUES (?, ?, ?)
			ON CONFLICT (from_id, to_id)
			DO UPDATE SET relation_type = EXCLUDED.relation_type`,
			fromID, toID, relation).Error; err != nil {
			return err
		}

		// Mirror invariant: each endpoint's linked_to contains the other.
		for _, pair := range [][2]string{{fromID, toID}, {toID, fromID}} {
			if err := tx.Exec(`
				UPDATE fragments
				SET linked_to = linked_to || jsonb_build_array(?::text)
				WHERE id = ? AND NOT jsonb_exists(linked_to, ?)`,
				pair[1], pair[0], pair[1]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteLink removes the edge and prunes both mirrors when no edge remains
// between the pair in either direction.
func (s *FragmentStore) DeleteLink(ctx context.Context, fromID, toID string) error {
	return s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		if err := tx.Exec("DELETE FROM fragment_links WHERE from_id = ? AND to_id = ?", fromID, toID).Error; err != nil {
			return err
		}
		var remaining int64
		if err := tx.Table("fragment_links").
			Where("(from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)", fromID, toID, toID, fromID).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		for _, pair := range [][2]string{{fromID, toID}, {toID, fromID}} {
			if err := tx.Exec(
				"UPDATE fragments SET linked_to = linked_to - ?::text WHERE id = ?",
				pair[1], pair[0]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLinkedFragments fetches 1-hop neighbours of the given fragments,
// filtered by a relation whitelist, ordered by relation priority
// (resolved_by before caused_by before the rest) then importance.
func (s *FragmentStore) GetLinkedFragments(ctx context.Context, fromIDs []string, relations []model.RelationType, limit int) ([]registrystore.LinkedFragment, error) {
	if len(fromIDs) == 0 {
		return nil, nil
	}
	for _, r := range relations {
		if !r.Valid() {
			return nil, &registrystore.ValidationError{Field: "linkRelationType", Message: "unknown relation type"}
		}
	}
	if limit <= 0 {
		limit = 10
	}

	type linkRow struct {
		ToID         string             `gorm:"column:to_id"`
		RelationType model.RelationType `gorm:"column:relation_type"`
	}
	var rows []linkRow
	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		visSQL, visArgs := visibleSQL(p)
		args := []any{fromIDs}
		relSQL := ""
		if len(relations) > 0 {
			relSQL = " AND fl.relation_type IN ?"
			args = append(args, relations)
		}
		args = append(args, visArgs...)
		args = append(args, limit)
		return tx.Raw(`
			SELECT fl.to_id, fl.relation_type
			FROM fragment_links fl
			JOIN fragments ON fragments.id = fl.to_id
			WHERE fl.from_id IN ?`+relSQL+`
			  AND `+visSQL+`
			ORDER BY CASE fl.relation_type
			           WHEN 'resolved_by' THEN 0
			           WHEN 'caused_by' THEN 1
			           ELSE 2
			         END,
			         fragments.importance DESC
			LIMIT ?`, args...).Scan(&rows).Error
	})
	if err != nil {
		return nil, &registrystore.BackendError{Op: "getLinkedFragments", Err: err}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ToID)
	}
	fragments, err := s.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Fragment, len(fragments))
	for _, f := range fragments {
		byID[f.ID] = f
	}
	out := make([]registrystore.LinkedFragment, 0, len(rows))
	for _, r := range rows {
		if f, ok := byID[r.ToID]; ok {
			out = append(out, registrystore.LinkedFragment{Fragment: f, Relation: r.RelationType})
		}
	}
	return out, nil
}

// GetRCAChain walks one hop from the start fragment following caused_by and
// resolved_by edges only, annotating each node with relation and depth.
func (s *FragmentStore) GetRCAChain(ctx context.Context, startID string) ([]registrystore.RCANode, error) {
	start, err := s.GetByID(ctx, startID)
	if err != nil {
		return nil, err
	}
	out := []registrystore.RCANode{{Fragment: *start, Depth: 0}}

	linked, err := s.GetLinkedFragments(ctx, []string{startID},
		[]model.RelationType{model.RelationCausedBy, model.RelationResolvedBy}, 20)
	if err != nil {
		return nil, err
	}
	for _, lf := range linked {
		out = append(out, registrystore.RCANode{Fragment: lf.Fragment, Relation: lf.Relation, Depth: 1})
	}
	return out, nil
}

// HasPath reports whether toID is reachable from fromID over directed edges,
// visiting at most maxNodes nodes. Used as the cycle guard for auto-linking.
func (s *FragmentStore) HasPath(ctx context.Context, fromID, toID string, maxNodes int) (bool, error) {
	if maxNodes <= 0 {
		maxNodes = 20
	}
	visited := map[string]struct{}{fromID: {}}
	frontier := []string{fromID}
	found := false

	err := s.withScope(ctx, func(tx *gorm.DB, p scope.Principal) error {
		for len(frontier) > 0 && len(visited) <= maxNodes {
			var next []string
			if err := tx.Table("fragment_links").
				Where("from_id IN ?", frontier).
				Pluck("to_id", &next).Error; err != nil {
				return err
			}
			frontier = frontier[:0]
			for _, id := range next {
				if id == toID {
					found = true
					return nil
				}
				if _, seen := visited[id]; seen {
					continue
				}
				visited[id] = struct{}{}
				frontier = append(frontier, id)
			}
		}
		return nil
	})
	if err != nil {
		return false, &registrystore.BackendError{Op: "hasPath", Err: err}
	}
	return found, nil
}
