package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ExtractionStatus tracks the lifecycle of attachment text extraction.
type ExtractionStatus string

const (
	ExtractionPending     ExtractionStatus = "pending"
	ExtractionSuccess     ExtractionStatus = "success"
	ExtractionFailed      ExtractionStatus = "failed"
	ExtractionUnsupported ExtractionStatus = "unsupported"
	ExtractionSkipped     ExtractionStatus = "skipped"
)

// SourceType identifies what a chunk was cut from.
type SourceType string

const (
	SourceEmail        SourceType = "email"
	SourceAttachment   SourceType = "attachment"
	SourceVirtualEmail SourceType = "virtual_email"
)

// SyncKind records how a folder's cursor was last advanced.
type SyncKind string

const (
	SyncInitial SyncKind = "initial"
	SyncDelta   SyncKind = "delta"
	SyncFull    SyncKind = "full"
)

// ThreadStatus is the working-memory state of a conversation.
type ThreadStatus string

const (
	ThreadActive         ThreadStatus = "active"
	ThreadAwaitingReply  ThreadStatus = "awaiting_reply"
	ThreadAwaitingAction ThreadStatus = "awaiting_action"
	ThreadStale          ThreadStatus = "stale"
	ThreadResolved       ThreadStatus = "resolved"
	ThreadArchived       ThreadStatus = "archived"
)

// Urgency buckets used across threads, decisions and triage verdicts.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencyToday     Urgency = "today"
	UrgencyThisWeek  Urgency = "this_week"
	UrgencySomeday   Urgency = "someday"
)

// AllUrgencies returns the urgency levels from most to least pressing.
func AllUrgencies() []Urgency {
	return []Urgency{UrgencyImmediate, UrgencyToday, UrgencyThisWeek, UrgencySomeday}
}

// ValidUrgency reports whether s is a recognized urgency level.
func ValidUrgency(s string) bool {
	switch Urgency(s) {
	case UrgencyImmediate, UrgencyToday, UrgencyThisWeek, UrgencySomeday:
		return true
	}
	return false
}

// Relationship classifies a contact from the user's point of view.
type Relationship string

const (
	RelationVIP       Relationship = "vip"
	RelationColleague Relationship = "colleague"
	RelationClient    Relationship = "client"
	RelationVendor    Relationship = "vendor"
	RelationRecruiter Relationship = "recruiter"
	RelationUnknown   Relationship = "unknown"
)

// ObservationType is the taxonomy of passive observations.
type ObservationType string

const (
	ObsProjectMention    ObservationType = "project_mention"
	ObsDecisionMade      ObservationType = "decision_made"
	ObsDeadlineMentioned ObservationType = "deadline_mentioned"
	ObsPersonIntroduced  ObservationType = "person_introduced"
	ObsStatusUpdate      ObservationType = "status_update"
	ObsMeetingScheduled  ObservationType = "meeting_scheduled"
	ObsCommitmentMade    ObservationType = "commitment_made"
	ObsContextLearned    ObservationType = "context_learned"
)

// AllObservationTypes returns every recognized observation type.
func AllObservationTypes() []ObservationType {
	return []ObservationType{
		ObsProjectMention, ObsDecisionMade, ObsDeadlineMentioned, ObsPersonIntroduced,
		ObsStatusUpdate, ObsMeetingScheduled, ObsCommitmentMade, ObsContextLearned,
	}
}

// ValidObservationType reports whether s is a recognized observation type.
func ValidObservationType(s string) bool {
	for _, t := range AllObservationTypes() {
		if ObservationType(s) == t {
			return true
		}
	}
	return false
}

// SuggestedAction is the per-message disposition hint.
type SuggestedAction string

const (
	ActionKeep    SuggestedAction = "keep"
	ActionArchive SuggestedAction = "archive"
	ActionDelete  SuggestedAction = "delete"
)

// FactStatus is the lifecycle of an extracted fact.
type FactStatus string

const (
	FactActive   FactStatus = "active"
	FactResolved FactStatus = "resolved"
	FactExpired  FactStatus = "expired"
)

// StringList stores a JSON-encoded string slice in a TEXT column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		if v == "" {
			*l = nil
			return nil
		}
		return json.Unmarshal([]byte(v), l)
	case []byte:
		if len(v) == 0 {
			*l = nil
			return nil
		}
		return json.Unmarshal(v, l)
	default:
		return fmt.Errorf("storage: cannot scan %T into StringList", src)
	}
}

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// MetaMap stores a JSON object in a TEXT column.
type MetaMap map[string]any

// Value implements driver.Valuer.
func (m MetaMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *MetaMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		if v == "" {
			*m = nil
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	case []byte:
		if len(v) == 0 {
			*m = nil
			return nil
		}
		return json.Unmarshal(v, m)
	default:
		return fmt.Errorf("storage: cannot scan %T into MetaMap", src)
	}
}

// Message is a replicated mailbox message.
type Message struct {
	ID                string     `db:"id" json:"id"`
	ConversationID    *string    `db:"conversation_id" json:"conversation_id,omitempty"`
	InternetMessageID *string    `db:"internet_message_id" json:"internet_message_id,omitempty"`
	Subject           string     `db:"subject" json:"subject"`
	SenderName        string     `db:"sender_name" json:"sender_name"`
	SenderEmail       string     `db:"sender_email" json:"sender_email"`
	ToRecipients      StringList `db:"to_recipients" json:"to_recipients"`
	CcRecipients      StringList `db:"cc_recipients" json:"cc_recipients"`
	ReceivedAt        time.Time  `db:"received_at" json:"received_at"`
	BodyPreview       string     `db:"body_preview" json:"body_preview"`
	BodyHTML          *string    `db:"body_html" json:"body_html,omitempty"`
	BodyMarkdown      *string    `db:"body_markdown" json:"body_markdown,omitempty"`
	SignatureBlock    *string    `db:"signature_block" json:"signature_block,omitempty"`
	ThreadSummary     *string    `db:"thread_summary" json:"thread_summary,omitempty"`
	SuggestedAction   *string    `db:"suggested_action" json:"suggested_action,omitempty"`
	HasAttachments    bool       `db:"has_attachments" json:"has_attachments"`
	IsRead            bool       `db:"is_read" json:"is_read"`
	FolderID          string     `db:"folder_id" json:"folder_id"`
	ETag              string     `db:"etag" json:"etag"`
	BodyHash          string     `db:"body_hash" json:"body_hash"`
	Category          *string    `db:"category" json:"category,omitempty"`
	ProcessedAt       *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	WebLink           string     `db:"web_link" json:"web_link"`
	SyncedAt          time.Time  `db:"synced_at" json:"synced_at"`
}

// ThreadKey returns the conversation id, falling back to the message id for
// messages the server did not thread.
func (m *Message) ThreadKey() string {
	if m.ConversationID != nil && *m.ConversationID != "" {
		return *m.ConversationID
	}
	return m.ID
}

// Attachment is per-message attachment metadata plus extraction state.
type Attachment struct {
	ID               string           `db:"id" json:"id"`
	MessageID        string           `db:"message_id" json:"message_id"`
	Filename         string           `db:"filename" json:"filename"`
	ContentType      string           `db:"content_type" json:"content_type"`
	SizeBytes        int64            `db:"size_bytes" json:"size_bytes"`
	ContentHash      *string          `db:"content_hash" json:"content_hash,omitempty"`
	ExtractedText    *string          `db:"extracted_text" json:"extracted_text,omitempty"`
	ExtractionStatus ExtractionStatus `db:"extraction_status" json:"extraction_status"`
	ExtractionError  *string          `db:"extraction_error" json:"extraction_error,omitempty"`
	DownloadedAt     *time.Time       `db:"downloaded_at" json:"downloaded_at,omitempty"`
	ExtractedAt      *time.Time       `db:"extracted_at" json:"extracted_at,omitempty"`
}

// Chunk is an indexed text segment.
type Chunk struct {
	ID          int64      `db:"id" json:"id"`
	SourceType  SourceType `db:"source_type" json:"source_type"`
	SourceID    string     `db:"source_id" json:"source_id"`
	ChunkIndex  int        `db:"chunk_index" json:"chunk_index"`
	Content     string     `db:"content" json:"content"`
	StartOffset *int       `db:"start_offset" json:"start_offset,omitempty"`
	EndOffset   *int       `db:"end_offset" json:"end_offset,omitempty"`
	Metadata    MetaMap    `db:"metadata" json:"metadata,omitempty"`
	Embedding   []byte     `db:"embedding" json:"-"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// SyncState is the per-folder replication cursor.
type SyncState struct {
	FolderID       string    `db:"folder_id" json:"folder_id"`
	DeltaToken     *string   `db:"delta_token" json:"delta_token,omitempty"`
	LastSyncAt     time.Time `db:"last_sync_at" json:"last_sync_at"`
	SyncKind       SyncKind  `db:"sync_kind" json:"sync_kind"`
	MessagesSynced int64     `db:"messages_synced" json:"messages_synced"`
}

// Thread is the working-memory view of a conversation.
type Thread struct {
	ID               string       `db:"id" json:"id"`
	ConversationID   string       `db:"conversation_id" json:"conversation_id"`
	Subject          string       `db:"subject" json:"subject"`
	Participants     StringList   `db:"participants" json:"participants"`
	Status           ThreadStatus `db:"status" json:"status"`
	Urgency          Urgency      `db:"urgency" json:"urgency"`
	StartedAt        time.Time    `db:"started_at" json:"started_at"`
	LastActivityAt   time.Time    `db:"last_activity_at" json:"last_activity_at"`
	MessageCount     int          `db:"message_count" json:"message_count"`
	UserIsCc         bool         `db:"user_is_cc" json:"user_is_cc"`
	NeedsReply       bool         `db:"needs_reply" json:"needs_reply"`
	ReplyDeadline    *time.Time   `db:"reply_deadline" json:"reply_deadline,omitempty"`
	Labels           StringList   `db:"labels" json:"labels"`
	ProjectRefs      StringList   `db:"project_refs" json:"project_refs"`
	LatestMessageID  string       `db:"latest_message_id" json:"latest_message_id"`
	LatestWebLink    string       `db:"latest_web_link" json:"latest_web_link"`
	Summary          string       `db:"summary" json:"summary"`
	KeyPoints        StringList   `db:"key_points" json:"key_points"`
	PendingQuestions StringList   `db:"pending_questions" json:"pending_questions"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updated_at"`
}

// Contact is the working-memory view of a correspondent.
type Contact struct {
	ID                string       `db:"id" json:"id"`
	Email             string       `db:"email" json:"email"`
	Name              string       `db:"name" json:"name"`
	Organization      string       `db:"organization" json:"organization"`
	Relationship      Relationship `db:"relationship" json:"relationship"`
	FirstSeenAt       time.Time    `db:"first_seen_at" json:"first_seen_at"`
	LastInteractionAt time.Time    `db:"last_interaction_at" json:"last_interaction_at"`
	TotalMessages     int          `db:"total_messages" json:"total_messages"`
	TheyInitiated     int          `db:"they_initiated" json:"they_initiated"`
	UserInitiated     int          `db:"user_initiated" json:"user_initiated"`
	CcCount           int          `db:"cc_count" json:"cc_count"`
	IsInternal        bool         `db:"is_internal" json:"is_internal"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
}

// Project is a named initiative inferred from message traffic.
type Project struct {
	ID               string     `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	RelatedThreads   StringList `db:"related_threads" json:"related_threads"`
	Confidence       float64    `db:"confidence" json:"confidence"`
	FirstMentionedAt time.Time  `db:"first_mentioned_at" json:"first_mentioned_at"`
	LastActivityAt   time.Time  `db:"last_activity_at" json:"last_activity_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Observation is a passive piece of learned context.
type Observation struct {
	ID              string          `db:"id" json:"id"`
	Type            ObservationType `db:"type" json:"type"`
	Content         string          `db:"content" json:"content"`
	SourceMessageID string          `db:"source_message_id" json:"source_message_id"`
	Confidence      float64         `db:"confidence" json:"confidence"`
	ObservedAt      time.Time       `db:"observed_at" json:"observed_at"`
}

// Decision is a pending decision requested of the user.
type Decision struct {
	ID         string     `db:"id" json:"id"`
	Question   string     `db:"question" json:"question"`
	Context    string     `db:"context" json:"context"`
	Options    StringList `db:"options" json:"options"`
	Source     string     `db:"source" json:"source"`
	Requester  string     `db:"requester" json:"requester"`
	Urgency    Urgency    `db:"urgency" json:"urgency"`
	Deadline   *time.Time `db:"deadline" json:"deadline,omitempty"`
	IsResolved bool       `db:"is_resolved" json:"is_resolved"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Commitment is something the user promised someone.
type Commitment struct {
	ID          string     `db:"id" json:"id"`
	Description string     `db:"description" json:"description"`
	ToWhom      string     `db:"to_whom" json:"to_whom"`
	Source      string     `db:"source" json:"source"`
	CommittedAt time.Time  `db:"committed_at" json:"committed_at"`
	DueBy       *time.Time `db:"due_by" json:"due_by,omitempty"`
	IsCompleted bool       `db:"is_completed" json:"is_completed"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Fact is a flat, polymorphic extracted fact.
type Fact struct {
	ID               string     `db:"id" json:"id"`
	SourceType       string     `db:"source_type" json:"source_type"`
	SourceID         string     `db:"source_id" json:"source_id"`
	FactType         string     `db:"fact_type" json:"fact_type"`
	FactValue        string     `db:"fact_value" json:"fact_value"`
	Context          string     `db:"context" json:"context"`
	Confidence       float64    `db:"confidence" json:"confidence"`
	EntityNormalized string     `db:"entity_normalized" json:"entity_normalized"`
	DueDate          *time.Time `db:"due_date" json:"due_date,omitempty"`
	Status           FactStatus `db:"status" json:"status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// FactTypes is the recognized fact taxonomy.
var FactTypes = []string{
	"tax_id", "amount", "address", "phone", "deadline", "person_name",
	"company_name", "contract_number", "decision", "commitment",
	"action_item", "preference", "relationship", "pattern", "other",
}

// ValidFactType reports whether s is in the fact taxonomy.
func ValidFactType(s string) bool {
	for _, t := range FactTypes {
		if s == t {
			return true
		}
	}
	return false
}

// AlertRule is a compiled natural-language alert rule.
type AlertRule struct {
	ID              string     `db:"id" json:"id"`
	RuleText        string     `db:"rule_text" json:"rule_text"`
	Conditions      string     `db:"conditions" json:"conditions"`
	EventTypes      StringList `db:"event_types" json:"event_types"`
	Channel         string     `db:"channel" json:"channel"`
	Target          string     `db:"target" json:"target"`
	CooldownSeconds int        `db:"cooldown_seconds" json:"cooldown_seconds"`
	Enabled         bool       `db:"enabled" json:"enabled"`
	LastTriggeredAt *time.Time `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	TriggerCount    int        `db:"trigger_count" json:"trigger_count"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// AlertTrigger records one rule firing for one event.
type AlertTrigger struct {
	ID          int64     `db:"id" json:"id"`
	RuleID      string    `db:"rule_id" json:"rule_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	EventID     string    `db:"event_id" json:"event_id"`
	MatchReason string    `db:"match_reason" json:"match_reason"`
	TriggeredAt time.Time `db:"triggered_at" json:"triggered_at"`
}

// TriageEntry is one append-only triage log row.
type TriageEntry struct {
	ID                int64     `db:"id" json:"id"`
	EmailID           string    `db:"email_id" json:"email_id"`
	Action            string    `db:"action" json:"action"`
	DestinationFolder string    `db:"destination_folder" json:"destination_folder"`
	Reason            string    `db:"reason" json:"reason"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// ReplyTracking marks a message awaiting the user's reply.
type ReplyTracking struct {
	EmailID          string     `db:"email_id" json:"email_id"`
	ConversationID   string     `db:"conversation_id" json:"conversation_id"`
	SenderEmail      string     `db:"sender_email" json:"sender_email"`
	Subject          string     `db:"subject" json:"subject"`
	Reason           string     `db:"reason" json:"reason"`
	LastActivityAt   time.Time  `db:"last_activity_at" json:"last_activity_at"`
	NudgeScheduledAt *time.Time `db:"nudge_scheduled_at" json:"nudge_scheduled_at,omitempty"`
	ResolvedAt       *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}
