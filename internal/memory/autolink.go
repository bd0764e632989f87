package memory

import (
	"context"
	"strings"

	"github.com/agentmem/fragment-service/internal/model"
	"github.com/agentmem/fragment-service/internal/search"
	"github.com/charmbracelet/log"
)

const maxAutoLinks = 3

// resolutionMarkers signal that new content describes fixing an earlier error.
var resolutionMarkers = []string{"resolved", "fixed", "solved", "해결"}

func marksResolution(content string) bool {
	lower := strings.ToLower(content)
	for _, m := range resolutionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// scanAndAutoLink embeds the new fragment, finds same-topic semantic peers,
// reports those above the conflict threshold, and creates edges for the top
// auto-link candidates. Entirely best-effort; the fragment is already stored.
func (m *Manager) scanAndAutoLink(ctx context.Context, f *model.Fragment) []model.Fragment {
	if m.embedder == nil || !m.embedder.Enabled() {
		return nil
	}

	vecs, err := m.embedder.EmbedTexts(ctx, []string{search.PrepareQueryText(f.Content)})
	if err != nil || len(vecs) != 1 || len(vecs[0]) == 0 {
		if err != nil {
			log.Warn("conflict-scan embedding failed", "fragment", f.ID, "error", err)
		}
		return nil
	}

	hits, err := m.store.SearchBySemantic(ctx, vecs[0], 10, m.cfg.AutoLinkSimilarityThreshold)
	if err != nil {
		log.Warn("conflict scan failed", "fragment", f.ID, "error", err)
		return nil
	}

	var (
		conflicts []model.Fragment
		linked    int
	)
	for _, hit := range hits {
		peer := hit.Fragment
		if peer.ID == f.ID || !strings.EqualFold(peer.Topic, f.Topic) {
			continue
		}

		if hit.Similarity > m.cfg.ConflictSimilarityThreshold {
			sim := hit.Similarity
			peer.Similarity = &sim
			conflicts = append(conflicts, peer)
		}

		if linked >= maxAutoLinks {
			continue
		}
		linked++

		var (
			fromID, toID string
			relation     model.RelationType
		)
		switch {
		case f.Type == model.TypeError && peer.Type == model.TypeError && marksResolution(f.Content):
			fromID, toID, relation = peer.ID, f.ID, model.RelationResolvedBy
		case f.Type == peer.Type && hit.Similarity > m.cfg.SupersedeSimilarityThreshold && f.CreatedAt.After(peer.CreatedAt):
			fromID, toID, relation = peer.ID, f.ID, model.RelationSupersededBy
		default:
			fromID, toID, relation = f.ID, peer.ID, model.RelationRelated
		}
		if err := m.store.CreateLink(ctx, fromID, toID, relation); err != nil {
			log.Warn("auto-link failed", "from", fromID, "to", toID, "relation", relation, "error", err)
		}
	}
	return conflicts
}
