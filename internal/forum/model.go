package forum

import "fmt"

// ScopeKind selects the kind of discussion a post log is bound to.
type ScopeKind string

const (
	// ScopeKindTopic scopes a log to a forum discussion thread.
	ScopeKindTopic ScopeKind = "topic"
	// ScopeKindMaterial scopes a log to a per-material comment thread.
	ScopeKindMaterial ScopeKind = "material"
)

// Scope is the key that routes transport events and history queries to one
// discussion log.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// TopicScope returns the scope for a topic chat room.
func TopicScope(topicID string) Scope {
	return Scope{Kind: ScopeKindTopic, ID: topicID}
}

// MaterialScope returns the scope for a per-material discussion thread.
func MaterialScope(materialID string) Scope {
	return Scope{Kind: ScopeKindMaterial, ID: materialID}
}

// Key renders the scope as the transport subscription filter.
func (s Scope) Key() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// IsZero reports whether the scope is unset.
func (s Scope) IsZero() bool {
	return s.Kind == "" || s.ID == ""
}

// Topic is an open discussion thread, immutable after creation except for
// deletion.
type Topic struct {
	TopicID          string `gorm:"column:topic_id;primaryKey;size:190;not null" json:"topic_id"`
	Title            string `gorm:"column:title;size:320;not null" json:"title"`
	Category         string `gorm:"column:category;size:190" json:"category"`
	AuthorID         string `gorm:"column:author_id;size:190;not null" json:"author_id"`
	AuthorName       string `gorm:"column:author_name;size:320" json:"author_name"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_topics_created" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Topic) TableName() string {
	return "topics"
}

// Post is a single chat message inside one scope. Content is immutable; the
// only mutation after insert is a reaction toggle on reactions_json.
type Post struct {
	PostID           string    `gorm:"column:post_id;primaryKey;size:190;not null" json:"post_id"`
	ScopeKind        ScopeKind `gorm:"column:scope_kind;size:32;not null;default:topic;index:idx_posts_scope,priority:1" json:"scope_kind"`
	ScopeID          string    `gorm:"column:scope_id;size:190;not null;index:idx_posts_scope,priority:2" json:"scope_id"`
	Content          string    `gorm:"column:content;type:text;not null" json:"content"`
	AuthorID         string    `gorm:"column:author_id;size:190;not null" json:"author_id"`
	AuthorName       string    `gorm:"column:author_name;size:320" json:"author_name"`
	IsPrivileged     bool      `gorm:"column:is_privileged;not null;default:false" json:"is_privileged"`
	ReactionsJSON    string    `gorm:"column:reactions_json;type:text;not null;default:'{}'" json:"reactions_json"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null;index:idx_posts_scope,priority:3" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Scope returns the discussion scope the post belongs to.
func (p Post) Scope() Scope {
	return Scope{Kind: p.ScopeKind, ID: p.ScopeID}
}

// Reactions decodes the persisted reaction map. A corrupt payload yields an
// empty map rather than an error surfaced to rendering paths.
func (p Post) Reactions() ReactionMap {
	reactions, err := ParseReactions(p.ReactionsJSON)
	if err != nil {
		return ReactionMap{}
	}
	return reactions
}

// Poll is the optional single question attached to one topic.
type Poll struct {
	PollID   string `gorm:"column:poll_id;primaryKey;size:190;not null" json:"poll_id"`
	TopicID  string `gorm:"column:topic_id;size:190;not null;uniqueIndex:idx_polls_topic" json:"topic_id"`
	Question string `gorm:"column:question;size:320;not null" json:"question"`
}

// TableName provides the explicit table binding for GORM.
func (Poll) TableName() string {
	return "polls"
}

// PollOption is one selectable answer, ordered by Position.
type PollOption struct {
	OptionID string `gorm:"column:option_id;primaryKey;size:190;not null" json:"option_id"`
	PollID   string `gorm:"column:poll_id;size:190;not null;index:idx_poll_options_poll" json:"poll_id"`
	Label    string `gorm:"column:label;size:320;not null" json:"label"`
	Position int    `gorm:"column:position;not null" json:"position"`
}

// TableName provides the explicit table binding for GORM.
func (PollOption) TableName() string {
	return "poll_options"
}

// PollVote records one immutable vote. The composite primary key enforces at
// most one vote per (poll, voter) at the store level.
type PollVote struct {
	PollID           string `gorm:"column:poll_id;primaryKey;size:190;not null" json:"poll_id"`
	VoterID          string `gorm:"column:voter_id;primaryKey;size:190;not null" json:"voter_id"`
	OptionID         string `gorm:"column:option_id;size:190;not null;index:idx_poll_votes_option" json:"option_id"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (PollVote) TableName() string {
	return "poll_votes"
}
