package logger

import "strings"

// RedactEmail masks an address so log lines never carry a full mailbox
// name: "dana.reyes@example.com" becomes "da***@example.com". Local parts
// of two characters or fewer are masked entirely, and anything that does
// not look like an address collapses to "***@***".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || domain == "" {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
