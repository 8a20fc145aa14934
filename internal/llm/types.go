// Package llm defines the language-model collaborator used for triage,
// analysis, alert-rule parsing, and fact extraction, with OpenAI and AWS
// Bedrock backends. Every call returns a typed, normalized result; model
// output that fails to parse degrades to safe defaults rather than failing
// the pipeline.
package llm

import (
	"context"
	"strings"
	"time"
)

// TriageAction is what the organizer should do with a message.
type TriageAction string

const (
	ActionMove          TriageAction = "move"
	ActionDelete        TriageAction = "delete"
	ActionMarkImportant TriageAction = "mark_important"
	ActionNone          TriageAction = "none"
)

// DefaultCategories is the triage taxonomy applied when none is configured.
var DefaultCategories = []string{
	"Urgent", "Action Required", "FYI", "Newsletters", "Should Delete",
}

// TriageContext is the classifier's view of one message.
type TriageContext struct {
	MessageID      string   `json:"message_id"`
	Subject        string   `json:"subject"`
	SenderName     string   `json:"sender_name"`
	SenderEmail    string   `json:"sender_email"`
	ToRecipients   []string `json:"to_recipients"`
	CcRecipients   []string `json:"cc_recipients"`
	ReceivedAt     string   `json:"received_at"`
	BodyPreview    string   `json:"body_preview"`
	HasAttachments bool     `json:"has_attachments"`
	IsVIPSender    bool     `json:"is_vip_sender"`
	Categories     []string `json:"categories"`
}

// Availability is the requested meeting window when an email asks for the
// user's time.
type Availability struct {
	WindowStart     string   `json:"window_start,omitempty"`
	WindowEnd       string   `json:"window_end,omitempty"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	ProposedSlots   []string `json:"proposed_slots,omitempty"`
}

// TriageVerdict is the classifier's decision for one message.
type TriageVerdict struct {
	Category              string        `json:"category"`
	Reason                string        `json:"reason"`
	Action                TriageAction  `json:"action"`
	OutlookCategories     []string      `json:"outlook_categories"`
	Urgency               string        `json:"urgency"`
	Labels                []string      `json:"labels,omitempty"`
	Confidence            float64       `json:"confidence"`
	RequiresReply         bool          `json:"requires_reply"`
	ReplyReason           string        `json:"reply_reason,omitempty"`
	AvailabilityRequested bool          `json:"availability_requested"`
	Availability          *Availability `json:"availability,omitempty"`
}

// Normalize clamps a verdict into the configured taxonomy. Unknown values
// degrade to the safe defaults instead of propagating.
func (v *TriageVerdict) Normalize(categories []string) {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	if !containsFold(categories, v.Category) {
		v.Category = "FYI"
	} else {
		v.Category = canonical(categories, v.Category)
	}
	switch v.Action {
	case ActionMove, ActionDelete, ActionMarkImportant, ActionNone:
	default:
		v.Action = ActionNone
	}
	switch v.Urgency {
	case "immediate", "today", "this_week", "someday":
	default:
		v.Urgency = "someday"
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	kept := v.OutlookCategories[:0]
	for _, c := range v.OutlookCategories {
		if containsFold(categories, c) {
			kept = append(kept, canonical(categories, c))
		}
	}
	v.OutlookCategories = kept
	if len(v.OutlookCategories) == 0 && v.Category != "" {
		v.OutlookCategories = []string{v.Category}
	}
	if !v.AvailabilityRequested {
		v.Availability = nil
	}
}

// FallbackVerdict is the verdict used when classification fails outright.
func FallbackVerdict() *TriageVerdict {
	return &TriageVerdict{
		Category:          "FYI",
		Reason:            "unclassified",
		Action:            ActionNone,
		OutlookCategories: []string{"FYI"},
		Urgency:           "someday",
		Confidence:        0,
	}
}

// AnalysisContext is the working-memory analyzer's view of one message.
type AnalysisContext struct {
	MessageID    string   `json:"message_id"`
	Subject      string   `json:"subject"`
	SenderName   string   `json:"sender_name"`
	SenderEmail  string   `json:"sender_email"`
	ToRecipients []string `json:"to_recipients"`
	CcRecipients []string `json:"cc_recipients"`
	ReceivedAt   string   `json:"received_at"`
	BodyHTML     string   `json:"body_html,omitempty"`
	BodyPreview  string   `json:"body_preview"`
	IsCc         bool     `json:"is_cc"`
	ThreadSoFar  string   `json:"thread_so_far,omitempty"`
}

// DecisionRequest is a decision the email asks the user to make.
type DecisionRequest struct {
	Question string   `json:"question"`
	Context  string   `json:"context,omitempty"`
	Options  []string `json:"options,omitempty"`
	Deadline string   `json:"deadline,omitempty"`
	Urgency  string   `json:"urgency,omitempty"`
}

// CommitmentNote is a promise the user made in the thread.
type CommitmentNote struct {
	Description string `json:"description"`
	ToWhom      string `json:"to_whom,omitempty"`
	DueBy       string `json:"due_by,omitempty"`
}

// ObservationNote is a passive piece of context worth remembering.
type ObservationNote struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// EmailAnalysis is the working-memory analyzer's output.
type EmailAnalysis struct {
	Summary             string            `json:"summary"`
	KeyPoints           []string          `json:"key_points,omitempty"`
	PendingQuestions    []string          `json:"pending_questions,omitempty"`
	DecisionsRequested  []DecisionRequest `json:"decisions_requested,omitempty"`
	CommitmentsMade     []CommitmentNote  `json:"commitments_made,omitempty"`
	Observations        []ObservationNote `json:"observations,omitempty"`
	ProjectMentions     []string          `json:"project_mentions,omitempty"`
	SuggestedUrgency    string            `json:"suggested_urgency,omitempty"`
	NeedsReply          bool              `json:"needs_reply"`
	ExtractedNewContent string            `json:"extracted_new_content,omitempty"`
	ThreadSummary       string            `json:"thread_summary,omitempty"`
	SignatureBlock      string            `json:"signature_block,omitempty"`
	SuggestedAction     string            `json:"suggested_action,omitempty"`
	SenderRelationship  string            `json:"sender_relationship,omitempty"`
}

// Normalize clamps enum fields so downstream writes never see values the
// schema rejects.
func (a *EmailAnalysis) Normalize() {
	switch a.SuggestedUrgency {
	case "immediate", "today", "this_week", "someday":
	default:
		a.SuggestedUrgency = ""
	}
	switch a.SuggestedAction {
	case "keep", "archive", "delete":
	default:
		a.SuggestedAction = ""
	}
	switch a.SenderRelationship {
	case "vip", "colleague", "client", "vendor", "recruiter":
	default:
		a.SenderRelationship = ""
	}
	if len(a.KeyPoints) > 10 {
		a.KeyPoints = a.KeyPoints[len(a.KeyPoints)-10:]
	}
	kept := a.Observations[:0]
	for _, o := range a.Observations {
		if o.Content == "" {
			continue
		}
		if o.Confidence < 0 {
			o.Confidence = 0
		}
		if o.Confidence > 1 {
			o.Confidence = 1
		}
		kept = append(kept, o)
	}
	a.Observations = kept
}

// ParsedConditions is the structured form of a natural-language alert rule.
type ParsedConditions struct {
	EventTypes            []string `json:"event_types"`
	SenderPatterns        []string `json:"sender_patterns,omitempty"`
	RecipientPatterns     []string `json:"recipient_patterns,omitempty"`
	OrganizerPatterns     []string `json:"organizer_patterns,omitempty"`
	SubjectKeywords       []string `json:"subject_keywords,omitempty"`
	BodyKeywords          []string `json:"body_keywords,omitempty"`
	UrgencyLevels         []string `json:"urgency_levels,omitempty"`
	Labels                []string `json:"labels,omitempty"`
	Categories            []string `json:"categories,omitempty"`
	MinAttendees          int      `json:"min_attendees,omitempty"`
	WMTypes               []string `json:"wm_types,omitempty"`
	OverdueOnly           bool     `json:"overdue_only,omitempty"`
	MatchMode             string   `json:"match_mode"`
	RequiresSemanticMatch bool     `json:"requires_semantic_match"`
	SemanticDescription   string   `json:"semantic_description,omitempty"`
}

// KnownEventTypes are the event kinds a rule may subscribe to.
var KnownEventTypes = []string{
	"email_received", "email_sent", "calendar_event",
	"wm_thread", "wm_commitment", "wm_decision",
}

// Normalize drops unknown event types and defaults the match mode.
func (p *ParsedConditions) Normalize() {
	kept := p.EventTypes[:0]
	for _, et := range p.EventTypes {
		if containsFold(KnownEventTypes, et) {
			kept = append(kept, strings.ToLower(et))
		}
	}
	p.EventTypes = kept
	if len(p.EventTypes) == 0 {
		p.EventTypes = []string{"email_received"}
	}
	if p.MatchMode != "all" {
		p.MatchMode = "any"
	}
	urg := p.UrgencyLevels[:0]
	for _, u := range p.UrgencyLevels {
		switch strings.ToLower(u) {
		case "immediate", "today", "this_week", "someday":
			urg = append(urg, strings.ToLower(u))
		}
	}
	p.UrgencyLevels = urg
}

// MatchResult is the semantic gate's judgment for one rule/event pair.
type MatchResult struct {
	Matches    bool    `json:"matches"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// FactContext is the fact extractor's view of one source document.
type FactContext struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Subject    string `json:"subject,omitempty"`
	Sender     string `json:"sender,omitempty"`
	ReceivedAt string `json:"received_at,omitempty"`
	Text       string `json:"text"`
}

// ExtractedFact is one flat fact pulled from a source document.
type ExtractedFact struct {
	FactType         string  `json:"fact_type"`
	FactValue        string  `json:"fact_value"`
	Context          string  `json:"context,omitempty"`
	Confidence       float64 `json:"confidence"`
	EntityNormalized string  `json:"entity_normalized,omitempty"`
	DueDate          string  `json:"due_date,omitempty"`
}

// ParseDueDate interprets the fact's due date, accepting date-only and
// RFC3339 forms.
func (f ExtractedFact) ParseDueDate() (time.Time, bool) {
	if f.DueDate == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, f.DueDate); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// Collaborator is the language-model surface the rest of the service
// depends on. Implementations must be safe for concurrent use.
type Collaborator interface {
	Classify(ctx context.Context, tc TriageContext) (*TriageVerdict, error)
	Analyze(ctx context.Context, ac AnalysisContext) (*EmailAnalysis, error)
	ParseRule(ctx context.Context, ruleText string) (*ParsedConditions, error)
	SemanticMatch(ctx context.Context, ruleText string, event map[string]any) (*MatchResult, error)
	ExtractFacts(ctx context.Context, fc FactContext) ([]ExtractedFact, error)
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// canonical returns the list's spelling of s.
func canonical(list []string, s string) string {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return item
		}
	}
	return s
}
