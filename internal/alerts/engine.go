// Package alerts evaluates natural-language alert rules against pipeline
// events. A rule's text is parsed into structured conditions once at
// creation time; evaluation is a fast local match with an optional
// model-backed semantic gate for rules that need one.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/inbox-intel/internal/llm"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
	"github.com/ignite/inbox-intel/internal/trigger"
)

// defaultCooldownSeconds spaces repeat firings of one rule.
const defaultCooldownSeconds = 3600

// RuleParser is the language-model surface the engine needs.
type RuleParser interface {
	ParseRule(ctx context.Context, ruleText string) (*llm.ParsedConditions, error)
	SemanticMatch(ctx context.Context, ruleText string, event map[string]any) (*llm.MatchResult, error)
}

// TriggerWriter emits deduplicated triggers.
type TriggerWriter interface {
	Write(ctx context.Context, typ string, payload map[string]any, dedupeKey string, routing *trigger.Routing) (bool, error)
}

// Event is one pipeline occurrence offered to the rules. Fields irrelevant
// to the event kind stay zero.
type Event struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	Sender     string   `json:"sender,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Organizer  string   `json:"organizer,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body,omitempty"`
	Urgency    string   `json:"urgency,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Attendees  int      `json:"attendees,omitempty"`
	WMType     string   `json:"wm_type,omitempty"`
	Overdue    bool     `json:"overdue,omitempty"`
}

// EmailEvent builds the email_received event for a triaged message.
func EmailEvent(m *storage.Message, category, urgency string, labels []string) Event {
	recipients := make([]string, 0, len(m.ToRecipients)+len(m.CcRecipients))
	recipients = append(recipients, m.ToRecipients...)
	recipients = append(recipients, m.CcRecipients...)
	ev := Event{
		Type:       "email_received",
		ID:         m.ID,
		Sender:     m.SenderEmail,
		Recipients: recipients,
		Subject:    m.Subject,
		Body:       m.BodyPreview,
		Urgency:    urgency,
		Labels:     labels,
	}
	if category != "" {
		ev.Categories = []string{category}
	}
	return ev
}

// Engine owns rule creation and evaluation.
type Engine struct {
	store    *storage.Store
	llm      RuleParser
	triggers TriggerWriter
}

func NewEngine(store *storage.Store, parser RuleParser, tw TriggerWriter) *Engine {
	return &Engine{store: store, llm: parser, triggers: tw}
}

// CreateRule parses the rule text into conditions and persists the compiled
// rule, enabled and with the default cooldown.
func (e *Engine) CreateRule(ctx context.Context, text, channel, target string) (*storage.AlertRule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("alerts: empty rule text")
	}
	cond, err := e.llm.ParseRule(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("parse rule: %w", err)
	}
	cond.Normalize()
	raw, err := json.Marshal(cond)
	if err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}

	rule := &storage.AlertRule{
		RuleText:        text,
		Conditions:      string(raw),
		EventTypes:      storage.StringList(cond.EventTypes),
		Channel:         channel,
		Target:          target,
		CooldownSeconds: defaultCooldownSeconds,
		Enabled:         true,
	}
	if err := e.store.SaveAlertRule(ctx, rule); err != nil {
		return nil, err
	}
	logger.Info("alert rule created",
		"rule_id", rule.ID, "event_types", cond.EventTypes, "channel", channel)
	return rule, nil
}

// Evaluate offers one event to every enabled rule. Each (rule, event) pair
// fires at most once ever, and a rule observes its cooldown between firings.
// Per-rule failures are logged so one broken rule cannot block the rest.
func (e *Engine) Evaluate(ctx context.Context, ev Event) error {
	if ev.Type == "" || ev.ID == "" {
		return errors.New("alerts: event needs a type and an id")
	}
	rules, err := e.store.ListAlertRules(ctx, true)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		rule := &rules[i]
		if !rule.EventTypes.Contains(ev.Type) {
			continue
		}

		fired, err := e.store.HasRuleTriggered(ctx, rule.ID, ev.Type, ev.ID)
		if err != nil {
			logger.Warn("rule trigger lookup failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if fired {
			continue
		}
		if inCooldown(rule, now) {
			continue
		}

		var cond llm.ParsedConditions
		if err := json.Unmarshal([]byte(rule.Conditions), &cond); err != nil {
			logger.Warn("rule has undecodable conditions", "rule_id", rule.ID, "error", err)
			continue
		}
		matched, reason := matchConditions(&cond, &ev)
		if !matched {
			continue
		}

		if cond.RequiresSemanticMatch {
			verdict, err := e.semanticGate(ctx, rule, &ev)
			if err != nil {
				logger.Warn("semantic gate unavailable, holding rule",
					"rule_id", rule.ID, "error", err)
				continue
			}
			if !verdict.Matches {
				continue
			}
			if verdict.Reason != "" {
				reason = verdict.Reason
			}
		}

		if err := e.fire(ctx, rule, &ev, reason, now); err != nil {
			logger.Warn("rule firing failed", "rule_id", rule.ID, "error", err)
		}
	}
	return nil
}

func inCooldown(rule *storage.AlertRule, now time.Time) bool {
	if rule.LastTriggeredAt == nil {
		return false
	}
	cooldown := rule.CooldownSeconds
	if cooldown <= 0 {
		cooldown = defaultCooldownSeconds
	}
	return now.Sub(*rule.LastTriggeredAt) < time.Duration(cooldown)*time.Second
}

func (e *Engine) semanticGate(ctx context.Context, rule *storage.AlertRule, ev *Event) (*llm.MatchResult, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	return e.llm.SemanticMatch(ctx, rule.RuleText, event)
}

// fire records the trigger row, bumps the rule's counters and emits the
// routed alert trigger.
func (e *Engine) fire(ctx context.Context, rule *storage.AlertRule, ev *Event, reason string, now time.Time) error {
	err := e.store.RecordRuleTrigger(ctx, &storage.AlertTrigger{
		RuleID:      rule.ID,
		EventType:   ev.Type,
		EventID:     ev.ID,
		MatchReason: reason,
		TriggeredAt: now,
	})
	if err != nil {
		return err
	}

	payload := map[string]any{
		"rule_id":    rule.ID,
		"rule_text":  rule.RuleText,
		"event_type": ev.Type,
		"event_id":   ev.ID,
		"reason":     reason,
	}
	if ev.Subject != "" {
		payload["subject"] = ev.Subject
	}
	if ev.Sender != "" {
		payload["sender"] = ev.Sender
	}
	if ev.Urgency != "" {
		payload["urgency"] = ev.Urgency
	}

	var routing *trigger.Routing
	if rule.Channel != "" || rule.Target != "" {
		routing = &trigger.Routing{Channel: rule.Channel, Target: rule.Target}
	}
	_, err = e.triggers.Write(ctx, "alert_rule_triggered", payload,
		fmt.Sprintf("alert:%s:%s:%s", rule.ID, ev.Type, ev.ID), routing)
	if err != nil {
		return err
	}
	logger.Info("alert rule fired", "rule_id", rule.ID, "event_id", ev.ID, "reason", reason)
	return nil
}

// matchConditions runs the fast local checks. Only configured condition
// categories participate: any mode needs one hit, all mode needs every one.
func matchConditions(c *llm.ParsedConditions, ev *Event) (bool, string) {
	type check struct {
		name string
		ok   bool
	}
	var checks []check
	add := func(name string, configured, ok bool) {
		if configured {
			checks = append(checks, check{name, ok})
		}
	}

	add("sender", len(c.SenderPatterns) > 0, anyGlobMatch(c.SenderPatterns, []string{ev.Sender}))
	add("recipient", len(c.RecipientPatterns) > 0, anyGlobMatch(c.RecipientPatterns, ev.Recipients))
	add("organizer", len(c.OrganizerPatterns) > 0, anyGlobMatch(c.OrganizerPatterns, []string{ev.Organizer}))
	add("subject", len(c.SubjectKeywords) > 0, containsAnyFold(ev.Subject, c.SubjectKeywords))
	add("body", len(c.BodyKeywords) > 0, containsAnyFold(ev.Body, c.BodyKeywords))
	add("urgency", len(c.UrgencyLevels) > 0, equalsAnyFold(c.UrgencyLevels, ev.Urgency))
	add("labels", len(c.Labels) > 0, intersectsFold(c.Labels, ev.Labels))
	add("categories", len(c.Categories) > 0, intersectsFold(c.Categories, ev.Categories))
	add("attendees", c.MinAttendees > 0, ev.Attendees >= c.MinAttendees)
	add("wm_type", len(c.WMTypes) > 0, equalsAnyFold(c.WMTypes, ev.WMType))
	add("overdue", c.OverdueOnly, ev.Overdue)

	if len(checks) == 0 {
		// The rule constrains only the event type.
		return true, "event type match"
	}

	var hits []string
	misses := 0
	for _, ch := range checks {
		if ch.ok {
			hits = append(hits, ch.name)
		} else {
			misses++
		}
	}
	if c.MatchMode == "all" && misses > 0 {
		return false, ""
	}
	if len(hits) == 0 {
		return false, ""
	}
	return true, "matched " + strings.Join(hits, ", ")
}

// compileGlob turns a * wildcard pattern into an anchored case-insensitive
// regexp. QuoteMeta on the literal segments keeps user input inert.
func compileGlob(glob string) *regexp.Regexp {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)^` + strings.Join(parts, ".*") + `$`)
}

func anyGlobMatch(globs, values []string) bool {
	for _, g := range globs {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		re := compileGlob(g)
		for _, v := range values {
			if re.MatchString(strings.TrimSpace(v)) {
				return true
			}
		}
	}
	return false
}

func containsAnyFold(text string, keywords []string) bool {
	text = strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func equalsAnyFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

func intersectsFold(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(strings.TrimSpace(x), strings.TrimSpace(y)) {
				return true
			}
		}
	}
	return false
}
