package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/inbox-intel/internal/pkg/logger"
)

// digestWindow is how far either side of the configured send time the check
// still fires, covering jitter between poll cycles.
const digestWindow = 30 * time.Minute

// digestTemplate renders the weekly summary as markdown for whatever agent
// delivers it.
const digestTemplate = `# Weekly Inbox Digest ({{ week }})

{% if top_count > 0 %}## This week
{% for m in top_messages %}- **{{ m.subject }}** from {{ m.sender }}{% if m.category != "" %} [{{ m.category }}]{% endif %}
{% endfor %}{% endif %}
{% if action_count > 0 %}## Recommended actions
{% for a in actions %}- {{ a.subject }} ({{ a.category }}): {{ a.action }}
{% endfor %}{% endif %}
## Newsletters
{{ newsletter_count }} newsletters arrived this week.
{% for s in newsletter_subjects %}- {{ s }}
{% endfor %}`

// MaybeEmitWeeklyDigest emits the weekly digest when the local clock is
// within the send window and this ISO week's digest has not gone out yet.
// Returns whether a digest was emitted.
func (o *Organizer) MaybeEmitWeeklyDigest(ctx context.Context, now time.Time) (bool, error) {
	if !o.digest.Enabled {
		return false, nil
	}

	loc := o.location()
	local := now.In(loc)

	if local.Weekday() != parseWeekday(o.digest.Day) {
		return false, nil
	}
	hh, mm := parseClock(o.digest.TimeLocal)
	target := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
	diff := local.Sub(target)
	if diff < -digestWindow || diff > digestWindow {
		return false, nil
	}

	week := isoWeek(local)
	sent, err := o.store.DigestSent(ctx, week)
	if err != nil {
		return false, err
	}
	if sent {
		return false, nil
	}

	payload, err := o.buildDigest(ctx, now, week)
	if err != nil {
		return false, err
	}

	o.emit(ctx, "weekly_digest_ready", payload, fmt.Sprintf("digest:%s:%s", o.user, week))
	if err := o.store.RecordDigest(ctx, week); err != nil {
		return true, err
	}
	logger.Info("weekly digest emitted", "week", week)
	return true, nil
}

// buildDigest assembles the digest payload from the trailing week and
// renders the markdown body.
func (o *Organizer) buildDigest(ctx context.Context, now time.Time, week string) (map[string]any, error) {
	msgs, err := o.store.MessagesSince(ctx, now.AddDate(0, 0, -7), 200)
	if err != nil {
		return nil, err
	}

	var top, actions []map[string]any
	var newsletterSubjects []string
	for i := range msgs {
		m := &msgs[i]
		category := ""
		if m.Category != nil {
			category = *m.Category
		}
		if category == "Newsletters" {
			newsletterSubjects = append(newsletterSubjects, m.Subject)
			continue
		}
		if len(top) < 10 {
			top = append(top, map[string]any{
				"subject":  m.Subject,
				"sender":   m.SenderEmail,
				"category": category,
			})
		}
		if category == "Urgent" || category == "Action Required" {
			action := "review"
			if m.SuggestedAction != nil && *m.SuggestedAction != "" {
				action = *m.SuggestedAction
			}
			actions = append(actions, map[string]any{
				"subject":  m.Subject,
				"sender":   m.SenderEmail,
				"category": category,
				"action":   action,
			})
		}
	}

	bindings := map[string]any{
		"week":                week,
		"user":                o.user,
		"top_messages":        top,
		"top_count":           len(top),
		"actions":             actions,
		"action_count":        len(actions),
		"newsletter_count":    len(newsletterSubjects),
		"newsletter_subjects": newsletterSubjects,
	}

	tpl, err := liquid.NewEngine().ParseString(digestTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse digest template: %w", err)
	}
	markdown, err := tpl.RenderString(bindings)
	if err != nil {
		return nil, fmt.Errorf("render digest: %w", err)
	}

	return map[string]any{
		"week":                week,
		"markdown":            markdown,
		"top_messages":        top,
		"recommended_actions": actions,
		"newsletter_count":    len(newsletterSubjects),
		"newsletter_subjects": newsletterSubjects,
	}, nil
}

func (o *Organizer) location() *time.Location {
	tz := o.digest.Timezone
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logger.Warn("unknown digest timezone, using UTC", "tz", tz)
		return time.UTC
	}
	return loc
}

func isoWeek(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) time.Weekday {
	if d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d
	}
	return time.Sunday
}

func parseClock(s string) (int, int) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 8, 0
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		logger.Warn("unparseable digest time, using 08:00", "time", s)
		return 8, 0
	}
	return t.Hour(), t.Minute()
}
