// Package classify decides whether a failure message warrants a retry.
package classify

import "strings"

// Category is the retry eligibility of a failure.
type Category string

const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
)

// DefaultPermanentPatterns are failure signatures that a retry cannot fix.
// Checked before the transient list so ambiguous overlaps resolve toward
// the safer non-retry outcome.
var DefaultPermanentPatterns = []string{
	"validation",
	"invalid",
	"unauthorized",
	"forbidden",
	"malformed",
	"missing required",
	"not found",
}

// DefaultTransientPatterns are failure signatures worth retrying.
var DefaultTransientPatterns = []string{
	"connection",
	"timeout",
	"unavailable",
	"temporary",
	"network",
	"refused",
	"unreachable",
	"no route",
	"broken pipe",
	"node offline",
	"node not found",
}

// nodeAbsencePatterns stay retryable even though they contain "not found":
// the node may come back or be replaced, so the work is not doomed.
var nodeAbsencePatterns = []string{
	"node offline",
	"node not found",
}

// Classifier maps a free-text error message to a Category by
// case-insensitive substring matching. Pattern lists are data, not logic:
// deployments with different agents can override them in config.
type Classifier struct {
	permanent []string
	transient []string
}

// New creates a classifier. Empty pattern lists fall back to the defaults.
func New(permanent, transient []string) *Classifier {
	if len(permanent) == 0 {
		permanent = DefaultPermanentPatterns
	}
	if len(transient) == 0 {
		transient = DefaultTransientPatterns
	}
	return &Classifier{
		permanent: lowerAll(permanent),
		transient: lowerAll(transient),
	}
}

// Classify categorizes a failure message. Empty and unrecognized messages
// are permanent: unknown bug signatures must not loop through the retry
// path forever.
func (c *Classifier) Classify(message string) Category {
	if message == "" {
		return CategoryPermanent
	}
	lower := strings.ToLower(message)

	if containsAny(lower, nodeAbsencePatterns) {
		return CategoryTransient
	}
	if containsAny(lower, c.permanent) {
		return CategoryPermanent
	}
	if containsAny(lower, c.transient) {
		return CategoryTransient
	}
	return CategoryPermanent
}

func containsAny(message string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(message, p) {
			return true
		}
	}
	return false
}

func lowerAll(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ToLower(p)
	}
	return out
}
