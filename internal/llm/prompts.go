package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const classifySystemPrompt = `You are an email triage assistant for a busy professional. You classify each incoming email and decide what should happen to it.

## Categories
- Urgent: needs attention within hours. Deadlines today, escalations, outages, VIP requests.
- Action Required: the user must do something, but not immediately.
- FYI: informational, worth seeing, no action needed.
- Newsletters: bulk mailings, digests, marketing, notifications from tools.
- Should Delete: spam that slipped through, cold outreach, dead notifications.

## Urgency
- immediate: drop everything
- today: handle before end of day
- this_week: handle within a few days
- someday: no time pressure

## Actions
- move: file into the category folder
- delete: move to deleted items
- mark_important: flag and leave in the inbox
- none: leave untouched

## Response Guidelines
1. Respond with a single JSON object, no prose.
2. Set requires_reply true only when the sender expects a response from the user personally.
3. Set availability_requested true when the email asks for the user's time (meeting, call, interview). Fill the availability object with whatever window details the email gives.
4. Confidence is 0 to 1. When unsure, lower confidence rather than guessing a stronger category.
5. A VIP sender raises urgency one level but never forces a category.

Respond with JSON:
{"category": "...", "reason": "...", "action": "move|delete|mark_important|none", "outlook_categories": ["..."], "urgency": "immediate|today|this_week|someday", "labels": ["..."], "confidence": 0.0, "requires_reply": false, "reply_reason": "...", "availability_requested": false, "availability": {"window_start": "", "window_end": "", "duration_minutes": 0, "timezone": "", "constraints": [], "proposed_slots": []}}`

const analysisSystemPrompt = `You maintain the working memory of a busy professional's inbox. For each email you extract what matters for later recall: pending questions, decisions the user is asked to make, commitments the user made, project activity, and relationship context.

## What to Extract
- summary: one or two sentences, who wants what.
- pending_questions: questions directed at the user that are still open.
- decisions_requested: choices the user is asked to make, with options and deadline when stated.
- commitments_made: promises THE USER made in this thread (only from the user's own words).
- observations: typed context worth remembering. Types: project_mention, decision_made, deadline_mentioned, person_introduced, status_update, meeting_scheduled, commitment_made, context_learned.
- project_mentions: project or initiative names referenced by name.
- extracted_new_content: the newly written part of the email with quoted history and signature removed.
- signature_block: the sender's signature if present.
- thread_summary: one paragraph covering the whole thread given the prior summary.

## Response Guidelines
1. Respond with a single JSON object, no prose.
2. Extract only what the text supports. Do not invent deadlines or commitments.
3. needs_reply is true only when the user personally is expected to respond.
4. If the user is only cc'd, bias needs_reply false and lower observation confidence.
5. suggested_urgency is one of immediate, today, this_week, someday, or omit it.
6. sender_relationship is one of vip, colleague, client, vendor, recruiter, or omit it.

Respond with JSON:
{"summary": "...", "key_points": [], "pending_questions": [], "decisions_requested": [{"question": "", "context": "", "options": [], "deadline": "", "urgency": ""}], "commitments_made": [{"description": "", "to_whom": "", "due_by": ""}], "observations": [{"type": "", "content": "", "confidence": 0.0}], "project_mentions": [], "suggested_urgency": "", "needs_reply": false, "extracted_new_content": "", "thread_summary": "", "signature_block": "", "suggested_action": "", "sender_relationship": ""}`

const ruleParserSystemPrompt = `You convert a natural-language alert rule into structured matching conditions.

## Event Types
- email_received: an email arrived in the mailbox
- email_sent: the user sent an email
- calendar_event: a meeting invitation or update
- wm_thread, wm_commitment, wm_decision: working-memory state changes

## Fields
- sender_patterns, recipient_patterns, organizer_patterns: glob patterns over addresses, for example *@acme.com or ceo@*.
- subject_keywords, body_keywords: case-insensitive substrings.
- urgency_levels: subset of immediate, today, this_week, someday.
- min_attendees: only for calendar rules with a head-count condition.
- wm_types: working-memory record kinds the rule watches.
- overdue_only: true when the rule fires only for overdue items.
- match_mode: "all" when every condition must hold, "any" when one suffices.
- requires_semantic_match: true when the rule needs judgment a keyword test cannot express (tone, topic, intent). Put the judgment in semantic_description.

## Response Guidelines
1. Respond with a single JSON object, no prose.
2. Choose the narrowest event types that cover the rule.
3. Prefer concrete patterns and keywords over requires_semantic_match. Use the semantic gate only when the rule genuinely needs it.

Respond with JSON:
{"event_types": [], "sender_patterns": [], "recipient_patterns": [], "organizer_patterns": [], "subject_keywords": [], "body_keywords": [], "urgency_levels": [], "labels": [], "categories": [], "min_attendees": 0, "wm_types": [], "overdue_only": false, "match_mode": "any", "requires_semantic_match": false, "semantic_description": ""}`

const semanticMatchSystemPrompt = `You decide whether an event satisfies the intent of an alert rule. The structured conditions already matched; you judge the part that needs reading comprehension.

## Response Guidelines
1. Respond with a single JSON object, no prose.
2. matches is true only when the event clearly satisfies the rule's intent.
3. Explain the judgment in one sentence.

Respond with JSON:
{"matches": false, "reason": "...", "confidence": 0.0}`

const factsSystemPrompt = `You extract flat, searchable facts from a document. Facts are things a person would want to look up later: dates, amounts, account numbers, deadlines, named entities, stated decisions.

## Fact Types
deadline, amount, account, contact, date, decision, reference, credential_hint, other

## Response Guidelines
1. Respond with a JSON object holding a "facts" array, no prose.
2. Each fact is self-contained: fact_value must make sense without the source.
3. entity_normalized is the lowercase canonical form of the main entity, for lookup.
4. due_date is RFC3339 or YYYY-MM-DD, only for facts that expire or come due.
5. Extract nothing rather than guessing. An empty array is a valid answer.

Respond with JSON:
{"facts": [{"fact_type": "", "fact_value": "", "context": "", "confidence": 0.0, "entity_normalized": "", "due_date": ""}]}`

// maxPromptBody caps how much body text rides along in a prompt.
const maxPromptBody = 8000

func classifyUserPrompt(tc TriageContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\n", tc.SenderName, tc.SenderEmail)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(tc.ToRecipients, ", "))
	if len(tc.CcRecipients) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(tc.CcRecipients, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", tc.Subject)
	fmt.Fprintf(&b, "Received: %s\n", tc.ReceivedAt)
	if tc.HasAttachments {
		b.WriteString("Has attachments: yes\n")
	}
	if tc.IsVIPSender {
		b.WriteString("Sender is a VIP contact.\n")
	}
	if len(tc.Categories) > 0 {
		fmt.Fprintf(&b, "Allowed categories: %s\n", strings.Join(tc.Categories, ", "))
	}
	b.WriteString("\n")
	b.WriteString(truncate(tc.BodyPreview, maxPromptBody))
	return b.String()
}

func analysisUserPrompt(ac AnalysisContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\n", ac.SenderName, ac.SenderEmail)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(ac.ToRecipients, ", "))
	if len(ac.CcRecipients) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(ac.CcRecipients, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", ac.Subject)
	fmt.Fprintf(&b, "Received: %s\n", ac.ReceivedAt)
	if ac.IsCc {
		b.WriteString("The user is only cc'd on this email.\n")
	}
	if ac.ThreadSoFar != "" {
		fmt.Fprintf(&b, "\nThread so far:\n%s\n", truncate(ac.ThreadSoFar, 2000))
	}
	body := ac.BodyHTML
	if body == "" {
		body = ac.BodyPreview
	}
	fmt.Fprintf(&b, "\nEmail body:\n%s", truncate(body, maxPromptBody))
	return b.String()
}

func semanticMatchUserPrompt(ruleText string, event map[string]any) string {
	payload, err := json.Marshal(event)
	if err != nil {
		payload = []byte("{}")
	}
	return fmt.Sprintf("Rule: %s\n\nEvent:\n%s", ruleText, truncate(string(payload), maxPromptBody))
}

func factsUserPrompt(fc FactContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s %s\n", fc.SourceType, fc.SourceID)
	if fc.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", fc.Subject)
	}
	if fc.Sender != "" {
		fmt.Fprintf(&b, "Sender: %s\n", fc.Sender)
	}
	if fc.ReceivedAt != "" {
		fmt.Fprintf(&b, "Date: %s\n", fc.ReceivedAt)
	}
	fmt.Fprintf(&b, "\n%s", truncate(fc.Text, maxPromptBody))
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// stripFences removes a markdown code fence wrapper some models add around
// JSON output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
