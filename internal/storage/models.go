package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist or belongs
// to a different owner.
var ErrNotFound = errors.New("not found")

// ErrDuplicateTag is returned when a tag name collides with a sibling under
// the same parent for the same owner.
var ErrDuplicateTag = errors.New("duplicate tag name under parent")

// Source types a fragment may carry.
const (
	SourceDocument     = "document"
	SourceWeb          = "web"
	SourceConversation = "conversation"
	SourceManual       = "manual"
	SourceAudio        = "audio"
)

// Fragment is an atomic unit of stored knowledge belonging to one owner.
// DeletedAt implements soft delete: soft-deleted fragments stay readable
// behind an explicit include-deleted flag but are excluded from search.
type Fragment struct {
	ID            string
	OwnerID       string
	Content       string
	SourceType    string
	SourceID      string
	ContainerTags []string
	TagIDs        []string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Deleted reports whether the fragment is soft-deleted.
func (f *Fragment) Deleted() bool { return f.DeletedAt != nil }

// Chunk is a sub-span of a fragment sized for embedding. Index is contiguous
// and 0-based per fragment. EmbeddingID is the vector-index record id (equal
// to the chunk id once indexed, empty before).
type Chunk struct {
	ID            string
	FragmentID    string
	Index         int
	Content       string
	TokenEstimate int
	ContentHash   string
	EmbeddingID   string
	CreatedAt     time.Time
}

// Relation types between fragments.
const (
	RelationSimilar     = "similar"
	RelationContradicts = "contradicts"
	RelationBuildsOn    = "builds_on"
	RelationReferences  = "references"
)

// Creators of relationship edges.
const (
	EdgeByUser   = "user"
	EdgeBySystem = "system"
	EdgeByLLM    = "llm"
)

// Edge links two fragments. The pair is stored ordered but treated as
// unordered for lookup and deduplication.
type Edge struct {
	ID           string         `json:"id"`
	FragmentAID  string         `json:"fragment_a_id"`
	FragmentBID  string         `json:"fragment_b_id"`
	RelationType string         `json:"relation_type"`
	Strength     float64        `json:"strength"`
	Confidence   float64        `json:"confidence"`
	CreatedBy    string         `json:"created_by"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Tag is a hierarchical label. Path is the slash-joined name chain from the
// root, maintained on create.
type Tag struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one turn of a stored conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Job is a queued unit of background work.
type Job struct {
	ID          string
	Type        string
	DedupeKey   string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Job types processed by the background worker.
const (
	JobIndexFragment  = "index_fragment"
	JobInferRelations = "infer_relations"
)
