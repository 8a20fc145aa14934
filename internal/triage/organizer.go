// Package triage classifies newly synced messages and applies the verdict
// to the mailbox: Outlook categories and follow-up flags in the default
// mode, folder moves in the legacy mode. Each processed message lands in the
// triage log and may emit triggers for downstream agents.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/graph"
	"github.com/ignite/inbox-intel/internal/llm"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
	"github.com/ignite/inbox-intel/internal/trigger"
)

// graphPause spaces mailbox mutations so bulk passes stay under Graph
// throttling limits.
const graphPause = 200 * time.Millisecond

// MailboxActions is the slice of the Graph client triage needs.
type MailboxActions interface {
	UpdateMessage(ctx context.Context, messageID string, patch graph.MessagePatch) error
	MoveMessage(ctx context.Context, messageID, destinationFolderID string) (string, error)
	EnsureFolder(ctx context.Context, displayName, parentID string) (string, error)
}

// Classifier produces triage verdicts.
type Classifier interface {
	Classify(ctx context.Context, tc llm.TriageContext) (*llm.TriageVerdict, error)
}

// TriggerWriter emits deduplicated triggers.
type TriggerWriter interface {
	Write(ctx context.Context, typ string, payload map[string]any, dedupeKey string, routing *trigger.Routing) (bool, error)
}

// Report summarises one triage pass. ProcessedIDs carries the message ids
// that completed so downstream stages can pick them up in the same cycle.
type Report struct {
	Processed    int `json:"processed"`
	Unclassified int `json:"unclassified"`
	Failed       int `json:"failed"`
	Triggers     int `json:"triggers"`

	ProcessedIDs []string `json:"-"`
}

// Organizer runs classification over the unprocessed backlog.
type Organizer struct {
	store    *storage.Store
	graph    MailboxActions
	llm      Classifier
	triggers TriggerWriter
	cfg      config.TriageConfig
	digest   config.DigestConfig
	user     string

	folderIDs map[string]string
}

func New(store *storage.Store, g MailboxActions, c Classifier, tw TriggerWriter, cfg config.TriageConfig, digest config.DigestConfig, user string) *Organizer {
	return &Organizer{
		store:     store,
		graph:     g,
		llm:       c,
		triggers:  tw,
		cfg:       cfg,
		digest:    digest,
		user:      strings.ToLower(user),
		folderIDs: make(map[string]string),
	}
}

func (o *Organizer) categories() []string {
	if len(o.cfg.Categories) > 0 {
		return o.cfg.Categories
	}
	return llm.DefaultCategories
}

// ProcessPending triages up to limit messages with no processed_at, oldest
// first. A classification transport error leaves the message unprocessed
// for the next pass; everything else is handled per message.
func (o *Organizer) ProcessPending(ctx context.Context, limit int) (Report, error) {
	var rep Report
	msgs, err := o.store.UnprocessedMessages(ctx, limit)
	if err != nil {
		return rep, err
	}
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n, err := o.processOne(ctx, &msgs[i])
		switch {
		case errors.Is(err, errUnclassified):
			rep.Unclassified++
		case err != nil:
			logger.Warn("triage failed", "message_id", msgs[i].ID, "error", err)
			rep.Failed++
		default:
			rep.Processed++
			rep.Triggers += n
			rep.ProcessedIDs = append(rep.ProcessedIDs, msgs[i].ID)
		}
	}
	if rep.Processed > 0 || rep.Failed > 0 || rep.Unclassified > 0 {
		logger.Info("triage pass complete",
			"processed", rep.Processed,
			"unclassified", rep.Unclassified,
			"failed", rep.Failed,
			"triggers", rep.Triggers)
	}
	return rep, nil
}

// errUnclassified marks messages skipped because the model was unavailable.
var errUnclassified = errors.New("classification unavailable")

func (o *Organizer) processOne(ctx context.Context, m *storage.Message) (int, error) {
	verdict, err := o.llm.Classify(ctx, llm.TriageContext{
		MessageID:      m.ID,
		Subject:        m.Subject,
		SenderName:     m.SenderName,
		SenderEmail:    m.SenderEmail,
		ToRecipients:   m.ToRecipients,
		CcRecipients:   m.CcRecipients,
		ReceivedAt:     m.ReceivedAt.UTC().Format(time.RFC3339),
		BodyPreview:    m.BodyPreview,
		HasAttachments: m.HasAttachments,
		IsVIPSender:    o.cfg.IsVIP(m.SenderEmail),
		Categories:     o.categories(),
	})
	if err != nil {
		logger.Warn("classification unavailable",
			"message_id", m.ID, "sender", logger.RedactEmail(m.SenderEmail), "error", err)
		return 0, errUnclassified
	}

	dest, acted, err := o.applyVerdict(ctx, m, verdict)
	if err != nil {
		return 0, err
	}
	if acted {
		if err := graph.WaitForRateLimit(ctx, graphPause); err != nil {
			return 0, err
		}
	}

	now := time.Now().UTC()
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := tx.AppendTriage(ctx, &storage.TriageEntry{
		EmailID:           m.ID,
		Action:            string(verdict.Action),
		DestinationFolder: dest,
		Reason:            verdict.Reason,
	}); err != nil {
		return 0, err
	}

	if len(verdict.Labels) > 0 {
		if err := o.applyLabels(ctx, tx, m, verdict.Labels); err != nil {
			return 0, err
		}
	}

	if verdict.RequiresReply {
		if err := tx.TrackReply(ctx, &storage.ReplyTracking{
			EmailID:        m.ID,
			ConversationID: m.ThreadKey(),
			SenderEmail:    m.SenderEmail,
			Subject:        m.Subject,
			Reason:         verdict.ReplyReason,
			LastActivityAt: m.ReceivedAt,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.MarkProcessed(ctx, m.ID, verdict.Category, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return o.emitVerdictTriggers(ctx, m, verdict), nil
}

// applyLabels replaces the thread's labels when working memory already
// tracks the conversation. Before the first analysis there is no thread to
// label; the labels still reach downstream consumers via trigger payloads.
func (o *Organizer) applyLabels(ctx context.Context, tx *storage.Tx, m *storage.Message, labels []string) error {
	th, err := tx.GetThreadByConversation(ctx, m.ThreadKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	th.Labels = storage.StringList(labels)
	return tx.SaveThread(ctx, th)
}

// applyVerdict performs the Graph side effects. It returns the destination
// folder name for the triage log (empty when the message stays put) and
// whether any Graph call was made. A message that vanished from the mailbox
// mid-triage is logged and otherwise treated as applied.
func (o *Organizer) applyVerdict(ctx context.Context, m *storage.Message, v *llm.TriageVerdict) (string, bool, error) {
	mode := o.cfg.Mode
	if mode == "" {
		mode = "categories"
	}

	var dest string
	var acted bool
	var err error
	switch mode {
	case "folders":
		dest, acted, err = o.applyFolderMode(ctx, m, v)
	default:
		dest, acted, err = o.applyCategoriesMode(ctx, m, v)
	}
	if errors.Is(err, graph.ErrNotFound) {
		logger.Warn("message gone from mailbox, recording triage locally", "message_id", m.ID)
		return dest, acted, nil
	}
	return dest, acted, err
}

func (o *Organizer) applyCategoriesMode(ctx context.Context, m *storage.Message, v *llm.TriageVerdict) (string, bool, error) {
	if v.Action == llm.ActionDelete {
		name := o.prefixed("Should Delete")
		if err := o.moveTo(ctx, m.ID, name); err != nil {
			return "", true, err
		}
		return name, true, nil
	}

	patch := graph.MessagePatch{
		Categories: v.OutlookCategories,
		Flag:       flagForUrgency(v.Urgency, v.Action, time.Now().UTC()),
	}
	if patch.Flag == nil && len(patch.Categories) == 0 {
		return "", false, nil
	}
	if err := o.graph.UpdateMessage(ctx, m.ID, patch); err != nil {
		return "", true, err
	}
	return "", true, nil
}

func (o *Organizer) applyFolderMode(ctx context.Context, m *storage.Message, v *llm.TriageVerdict) (string, bool, error) {
	folder := o.prefixed(folderForCategory(v.Category, v.Action))
	if err := o.moveTo(ctx, m.ID, folder); err != nil {
		return "", true, err
	}
	return folder, true, nil
}

func (o *Organizer) prefixed(name string) string {
	prefix := o.cfg.FolderPrefix
	if prefix == "" {
		prefix = "aa_"
	}
	return prefix + name
}

// moveTo moves a message into the named folder, creating it on first use.
func (o *Organizer) moveTo(ctx context.Context, messageID, folderName string) error {
	id, ok := o.folderIDs[folderName]
	if !ok {
		var err error
		id, err = o.graph.EnsureFolder(ctx, folderName, "")
		if err != nil {
			return fmt.Errorf("ensure folder %s: %w", folderName, err)
		}
		o.folderIDs[folderName] = id
	}
	if _, err := o.graph.MoveMessage(ctx, messageID, id); err != nil {
		return fmt.Errorf("move to %s: %w", folderName, err)
	}
	return nil
}

// folderAliases folds free-form category spellings onto the closed folder
// set used in folder mode.
var folderAliases = map[string]string{
	"urgent":          "Urgent",
	"action required": "Action Required",
	"action_required": "Action Required",
	"fyi":             "FYI",
	"newsletter":      "Newsletters",
	"newsletters":     "Newsletters",
	"should delete":   "Should Delete",
	"should_delete":   "Should Delete",
	"delete":          "Should Delete",
	"spam":            "Should Delete",
	"junk":            "Should Delete",
}

func folderForCategory(category string, action llm.TriageAction) string {
	if action == llm.ActionDelete {
		return "Should Delete"
	}
	if folder, ok := folderAliases[strings.ToLower(strings.TrimSpace(category))]; ok {
		return folder
	}
	return "FYI"
}

// flagForUrgency maps verdict urgency onto a follow-up flag: immediate and
// today flag for end of day, this_week for end of the work week, someday
// not at all. mark_important always flags for today.
func flagForUrgency(urgency string, action llm.TriageAction, now time.Time) *graph.FollowupFlag {
	if action == llm.ActionMarkImportant {
		return graph.FlagDue(endOfDay(now))
	}
	switch urgency {
	case "immediate", "today":
		return graph.FlagDue(endOfDay(now))
	case "this_week":
		return graph.FlagDue(endOfWeek(now))
	default:
		return nil
	}
}

func endOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 17, 0, 0, 0, time.UTC)
}

// endOfWeek returns the upcoming Friday at 17:00, or today when already
// Friday through Sunday.
func endOfWeek(now time.Time) time.Time {
	days := int(time.Friday - now.Weekday())
	if days < 0 {
		days = 0
	}
	return endOfDay(now.AddDate(0, 0, days))
}

// emitVerdictTriggers fires the per-message triggers. Emission failures are
// logged; the message is already committed as processed.
func (o *Organizer) emitVerdictTriggers(ctx context.Context, m *storage.Message, v *llm.TriageVerdict) int {
	emitted := 0

	base := map[string]any{
		"email_id": m.ID,
		"subject":  m.Subject,
		"sender":   m.SenderEmail,
		"category": v.Category,
		"urgency":  v.Urgency,
	}

	if v.Category == "Urgent" || v.Action == llm.ActionMarkImportant {
		payload := clone(base)
		payload["reason"] = v.Reason
		if len(v.Labels) > 0 {
			payload["labels"] = v.Labels
		}
		emitted += o.emit(ctx, "urgent_email", payload,
			fmt.Sprintf("urgent_email:%s:%s", o.user, m.ID))
	}

	if v.RequiresReply {
		payload := clone(base)
		payload["reason"] = v.ReplyReason
		emitted += o.emit(ctx, "reply_needed", payload,
			fmt.Sprintf("reply_needed:%s:%s", o.user, m.ID))
	}

	if v.AvailabilityRequested && v.Availability != nil {
		payload := clone(base)
		payload["availability"] = map[string]any{
			"window_start":     v.Availability.WindowStart,
			"window_end":       v.Availability.WindowEnd,
			"duration_minutes": v.Availability.DurationMinutes,
			"timezone":         v.Availability.Timezone,
			"constraints":      v.Availability.Constraints,
			"proposed_slots":   v.Availability.ProposedSlots,
		}
		emitted += o.emit(ctx, "availability_requested", payload,
			fmt.Sprintf("availability_requested:%s:%s", o.user, m.ID))
	}

	return emitted
}

func (o *Organizer) emit(ctx context.Context, typ string, payload map[string]any, key string) int {
	ok, err := o.triggers.Write(ctx, typ, payload, key, nil)
	if err != nil {
		logger.Warn("trigger emission failed", "type", typ, "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	return 1
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CheckFollowUps emits a nudge for every tracked reply the user has left
// unanswered past the configured window, then records the nudge so each
// email nags at most once.
func (o *Organizer) CheckFollowUps(ctx context.Context) (int, error) {
	days := o.cfg.FollowupDays
	if days <= 0 {
		days = 2
	}
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -days)

	rows, err := o.store.OpenRepliesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		waiting := int(now.Sub(r.LastActivityAt).Hours() / 24)
		n := o.emit(ctx, "no_reply_after_n_days", map[string]any{
			"email_id":     r.EmailID,
			"subject":      r.Subject,
			"sender":       r.SenderEmail,
			"reason":       r.Reason,
			"days_waiting": waiting,
		}, fmt.Sprintf("followup:%s:%s", o.user, r.EmailID))
		emitted += n

		// Mark regardless of dedupe outcome so the row leaves the scan.
		if err := o.store.MarkReplyNudged(ctx, r.EmailID, now); err != nil {
			logger.Warn("mark reply nudged failed", "email_id", r.EmailID, "error", err)
		}
	}
	return emitted, nil
}
