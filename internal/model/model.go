package model

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
)

// FragmentType classifies a fragment and drives lifecycle defaults.
type FragmentType string

const (
	TypeFact       FragmentType = "fact"
	TypeDecision   FragmentType = "decision"
	TypeError      FragmentType = "error"
	TypePreference FragmentType = "preference"
	TypeProcedure  FragmentType = "procedure"
	TypeRelation   FragmentType = "relation"
)

// Valid reports whether the type is one of the known fragment types.
func (t FragmentType) Valid() bool {
	switch t {
	case TypeFact, TypeDecision, TypeError, TypePreference, TypeProcedure, TypeRelation:
		return true
	}
	return false
}

// DefaultImportance returns the importance assigned when the caller omits one.
func (t FragmentType) DefaultImportance() float64 {
	switch t {
	case TypePreference:
		return 0.95
	case TypeError:
		return 0.9
	case TypeDecision:
		return 0.8
	case TypeProcedure:
		return 0.7
	case TypeRelation:
		return 0.6
	default:
		return 0.5
	}
}

// TTLTier is the lifecycle bucket governing decay and eviction eligibility.
type TTLTier string

const (
	TierHot       TTLTier = "hot"
	TierWarm      TTLTier = "warm"
	TierCold      TTLTier = "cold"
	TierPermanent TTLTier = "permanent"
)

// RelationType is the kind of a directed fragment link.
type RelationType string

const (
	RelationRelated      RelationType = "related"
	RelationCausedBy     RelationType = "caused_by"
	RelationResolvedBy   RelationType = "resolved_by"
	RelationPartOf       RelationType = "part_of"
	RelationContradicts  RelationType = "contradicts"
	RelationSupersededBy RelationType = "superseded_by"
)

// Valid reports whether the relation type is one of the known kinds.
// Used as a whitelist wherever the relation reaches SQL.
func (r RelationType) Valid() bool {
	switch r {
	case RelationRelated, RelationCausedBy, RelationResolvedBy,
		RelationPartOf, RelationContradicts, RelationSupersededBy:
		return true
	}
	return false
}

// DefaultAgentID is the shared pool visible to every caller.
const DefaultAgentID = "default"

// NewFragmentID mints a fragment id of the form frag-<16 hex>.
func NewFragmentID() string {
	u := uuid.New()
	return "frag-" + hex.EncodeToString(u[:8])
}

// ValidFragmentID reports whether id has the frag-<16 hex> shape.
func ValidFragmentID(id string) bool {
	if !strings.HasPrefix(id, "frag-") {
		return false
	}
	rest := id[len("frag-"):]
	if len(rest) != 16 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// Fragment is the atomic unit of memory.
type Fragment struct {
	ID              string          `json:"id"                        gorm:"primaryKey"`
	Content         string          `json:"content"                   gorm:"not null"`
	Topic           string          `json:"topic"                     gorm:"not null"`
	Keywords        []string        `json:"keywords"                  gorm:"type:jsonb;serializer:json"`
	Type            FragmentType    `json:"type"                      gorm:"not null"`
	Importance      float64         `json:"importance"                gorm:"not null;default:0.5"`
	ContentHash     string          `json:"contentHash"               gorm:"not null;column:content_hash"`
	Source          *string         `json:"source,omitempty"`
	LinkedTo        []string        `json:"linkedTo"                  gorm:"type:jsonb;serializer:json;column:linked_to"`
	AgentID         string          `json:"agentId"                   gorm:"not null;default:'default';column:agent_id"`
	AccessCount     int64           `json:"accessCount"               gorm:"not null;default:0;column:access_count"`
	AccessedAt      *time.Time      `json:"accessedAt,omitempty"      gorm:"column:accessed_at"`
	CreatedAt       time.Time       `json:"createdAt"                 gorm:"not null;default:now()"`
	TTLTier         TTLTier         `json:"ttlTier"                   gorm:"not null;default:'warm';column:ttl_tier"`
	EstimatedTokens int             `json:"estimatedTokens"           gorm:"not null;default:0;column:estimated_tokens"`
	UtilityScore    float64         `json:"utilityScore"              gorm:"not null;default:1.0;column:utility_score"`
	VerifiedAt      *time.Time      `json:"verifiedAt,omitempty"      gorm:"column:verified_at"`
	Embedding       *pgvec.Vector   `json:"-"                         gorm:"type:vector(1536)"`
	IsAnchor        bool            `json:"isAnchor"                  gorm:"not null;default:false;column:is_anchor"`

	// Similarity is populated by semantic search; never persisted.
	Similarity *float64 `json:"similarity,omitempty" gorm:"-"`
	// Stale annotation attached on recall; never persisted.
	Stale *StaleInfo `json:"stale,omitempty" gorm:"-"`
}

func (Fragment) TableName() string { return "fragments" }

// StaleInfo flags a fragment whose verified_at exceeds the per-type staleness window.
type StaleInfo struct {
	Stale                 bool   `json:"stale"`
	Warning               string `json:"warning"`
	DaysSinceVerification int    `json:"days_since_verification"`
}

// FragmentLink is a directed typed edge between two fragments,
// unique per ordered (from, to) pair.
type FragmentLink struct {
	FromID       string       `json:"fromId"       gorm:"primaryKey;column:from_id"`
	ToID         string       `json:"toId"         gorm:"primaryKey;column:to_id"`
	RelationType RelationType `json:"relationType" gorm:"not null;default:'related';column:relation_type"`
	CreatedAt    time.Time    `json:"createdAt"    gorm:"not null;default:now()"`
}

func (FragmentLink) TableName() string { return "fragment_links" }

// FragmentVersion is a pre-amendment snapshot of a fragment. Append-only.
type FragmentVersion struct {
	ID         int64        `json:"id"         gorm:"primaryKey;autoIncrement"`
	FragmentID string       `json:"fragmentId" gorm:"not null;column:fragment_id"`
	Content    string       `json:"content"    gorm:"not null"`
	Topic      string       `json:"topic"      gorm:"not null"`
	Keywords   []string     `json:"keywords"   gorm:"type:jsonb;serializer:json"`
	Type       FragmentType `json:"type"       gorm:"not null"`
	Importance float64      `json:"importance" gorm:"not null"`
	AmendedAt  time.Time    `json:"amendedAt"  gorm:"not null;default:now();column:amended_at"`
	AmendedBy  string       `json:"amendedBy"  gorm:"not null;column:amended_by"`
}

func (FragmentVersion) TableName() string { return "fragment_versions" }

// ToolFeedback is a single piece of feedback about a tool invocation.
type ToolFeedback struct {
	ID          int64     `json:"id"          gorm:"primaryKey;autoIncrement"`
	ToolName    string    `json:"toolName"    gorm:"not null;column:tool_name"`
	Relevant    bool      `json:"relevant"    gorm:"not null"`
	Sufficient  bool      `json:"sufficient"  gorm:"not null"`
	Suggestion  *string   `json:"suggestion,omitempty"`
	Context     *string   `json:"context,omitempty"`
	SessionID   *string   `json:"sessionId,omitempty"  gorm:"column:session_id"`
	TriggerType string    `json:"triggerType"          gorm:"not null;default:'voluntary';column:trigger_type"`
	CreatedAt   time.Time `json:"createdAt"            gorm:"not null;default:now()"`
}

func (ToolFeedback) TableName() string { return "tool_feedback" }

// TriggerType values for ToolFeedback.
const (
	TriggerSampled   = "sampled"
	TriggerVoluntary = "voluntary"
)

// TaskFeedback is end-of-task feedback about overall tool effectiveness.
type TaskFeedback struct {
	ID             int64     `json:"id"             gorm:"primaryKey;autoIncrement"`
	SessionID      string    `json:"sessionId"      gorm:"not null;column:session_id"`
	OverallSuccess bool      `json:"overallSuccess" gorm:"not null;column:overall_success"`
	ToolHighlights []string  `json:"toolHighlights" gorm:"type:jsonb;serializer:json;column:tool_highlights"`
	ToolPainPoints []string  `json:"toolPainPoints" gorm:"type:jsonb;serializer:json;column:tool_pain_points"`
	CreatedAt      time.Time `json:"createdAt"      gorm:"not null;default:now()"`
}

func (TaskFeedback) TableName() string { return "task_feedback" }

// RecallResult is the shape returned by the recall operation.
type RecallResult struct {
	Fragments   []Fragment `json:"fragments"`
	TotalTokens int        `json:"totalTokens"`
	SearchPath  string     `json:"searchPath"`
	Count       int        `json:"count"`
}

// WorkingEntry is one entry in a session's working-memory queue.
type WorkingEntry struct {
	Content    string    `json:"content"`
	Topic      string    `json:"topic"`
	Importance float64   `json:"importance"`
	Tokens     int       `json:"tokens"`
	AddedAt    time.Time `json:"addedAt"`
}

// SessionActivity is the per-session rolling activity document.
type SessionActivity struct {
	SessionID    string           `json:"sessionId"`
	StartedAt    time.Time        `json:"startedAt"`
	LastActivity time.Time        `json:"lastActivity"`
	ToolCalls    map[string]int64 `json:"toolCalls"`
	Keywords     []string         `json:"keywords"`
	Fragments    []string         `json:"fragments"`
	Reflected    bool             `json:"reflected"`
}
