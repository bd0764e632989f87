package store

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
)

// KeywordQuery filters the durable keyword (array-overlap) search.
type KeywordQuery struct {
	Keywords      []string
	Type          model.FragmentType
	Topic         string
	MinImportance float64
	Limit         int
}

// SemanticHit is a fragment returned by ANN search with its cosine similarity.
type SemanticHit struct {
	Fragment   model.Fragment
	Similarity float64
}

// InsertResult reports the outcome of an insert. When the content hash
// collided with an existing row, Created is false and ID names the survivor.
type InsertResult struct {
	ID      string
	Created bool
}

// UpdateResult reports the outcome of an update. When the patched content
// hash collided with a different row, Merged is true and ExistingID names it;
// neither row was mutated.
type UpdateResult struct {
	Updated    bool
	Merged     bool
	ExistingID string
}

// FragmentPatch carries the mutable fields of an amend. Nil means unchanged.
type FragmentPatch struct {
	Content    *string
	Topic      *string
	Keywords   []string
	Type       *model.FragmentType
	Importance *float64
	IsAnchor   *bool
	AmendedBy  string
}

// LinkedFragment is a 1-hop neighbour with the relation that reached it.
type LinkedFragment struct {
	Fragment model.Fragment
	Relation model.RelationType
}

// RCANode is one node in a root-cause chain walk.
type RCANode struct {
	Fragment model.Fragment
	Relation model.RelationType
	Depth    int
}

// StaleFragment pairs a fragment with its days-since-verification.
type StaleFragment struct {
	Fragment model.Fragment
	Days     int
}

// DuplicateGroup is a set of fragments sharing one content hash.
type DuplicateGroup struct {
	ContentHash string
	Fragments   []model.Fragment
}

// Stats summarises the store contents.
type Stats struct {
	Total     int64            `json:"total"`
	ByType    map[string]int64 `json:"byType"`
	ByTier    map[string]int64 `json:"byTier"`
	Anchored  int64            `json:"anchored"`
	Embedded  int64            `json:"embedded"`
	LinkCount int64            `json:"linkCount"`
}

// FragmentStore is durable persistence for fragments, links, versions and feedback.
// Every call applies the caller's agent scope from the context; maintenance
// operations require the maintenance scope.
type FragmentStore interface {
	Insert(ctx context.Context, f *model.Fragment) (*InsertResult, error)
	GetByID(ctx context.Context, id string) (*model.Fragment, error)
	GetByIDs(ctx context.Context, ids []string) ([]model.Fragment, error)
	SearchByKeywords(ctx context.Context, q KeywordQuery) ([]model.Fragment, error)
	SearchBySemantic(ctx context.Context, embedding []float32, limit int, minSimilarity float64) ([]SemanticHit, error)
	IncrementAccess(ctx context.Context, ids []string) error
	Update(ctx context.Context, id string, patch FragmentPatch) (*UpdateResult, error)
	// SetImportance and AppendKeyword are light mutations used by the
	// evaluator, link rules and contradiction resolution; unlike Update they
	// archive no version row.
	SetImportance(ctx context.Context, id string, importance float64) error
	AppendKeyword(ctx context.Context, id string, keyword string) error
	Delete(ctx context.Context, id string) error
	DeleteByTopic(ctx context.Context, topic string, force bool) (deleted, protected int, err error)

	CreateLink(ctx context.Context, fromID, toID string, relation model.RelationType) error
	DeleteLink(ctx context.Context, fromID, toID string) error
	GetLinkedFragments(ctx context.Context, fromIDs []string, relations []model.RelationType, limit int) ([]LinkedFragment, error)
	GetRCAChain(ctx context.Context, startID string) ([]RCANode, error)
	HasPath(ctx context.Context, fromID, toID string, maxNodes int) (bool, error)

	Count(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*Stats, error)

	// Maintenance sweeps, run by the consolidator.
	TransitionTTL(ctx context.Context) (int64, error)
	DecayImportance(ctx context.Context) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
	FindDuplicateGroups(ctx context.Context) ([]DuplicateGroup, error)
	MergeDuplicates(ctx context.Context, survivor string, losers []string, accessSum int64) error
	FindMissingEmbeddings(ctx context.Context, limit int) ([]model.Fragment, error)
	SetEmbedding(ctx context.Context, id string, embedding []float32) error
	RecomputeUtility(ctx context.Context) (int64, error)
	PromoteAnchors(ctx context.Context) (int64, error)
	PruneDanglingLinks(ctx context.Context) (int64, error)
	FindCreatedSince(ctx context.Context, since time.Time) ([]model.Fragment, error)
	FindStale(ctx context.Context, limit int) ([]StaleFragment, error)

	// Versions.
	GetVersions(ctx context.Context, fragmentID string) ([]model.FragmentVersion, error)

	// Feedback.
	InsertToolFeedback(ctx context.Context, fb *model.ToolFeedback) error
	InsertTaskFeedback(ctx context.Context, fb *model.TaskFeedback) error
	FeedbackSince(ctx context.Context, since time.Time) ([]model.ToolFeedback, []model.TaskFeedback, error)
}

// Loader creates a FragmentStore from config.
type Loader func(ctx context.Context) (FragmentStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
