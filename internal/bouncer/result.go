package bouncer

import (
	"context"
	"regexp"
	"strings"
)

type Kind int

const (
	OK Kind = iota
	AlreadyExists
	Failed
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case AlreadyExists:
		return "already_exists"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one bouncer admin command.
type Result struct {
	Kind   Kind
	Reason string
}

// Admin runs a single bouncer administration command.
type Admin interface {
	Run(ctx context.Context, args ...string) (Result, error)
}

// failureLeads are the words a failure reply starts with.
var failureLeads = map[string]bool{
	"error":   true,
	"failed":  true,
	"unknown": true,
	"invalid": true,
	"usage":   true,
}

// failurePhrases may appear anywhere outside quoted arguments. Usernames
// never contain spaces, so an echoed name cannot match them.
var failurePhrases = []string{
	"not found",
	"permission denied",
}

// quoted matches a double-quoted argument echoed back by the bouncer.
var quoted = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)

// Classify maps bouncer reply text to a Result. It is the only place that
// interprets reply wording. Quoted arguments are ignored, so a reply that
// echoes a name such as "terror" is not mistaken for a failure.
func Classify(text string) Result {
	reason := strings.TrimSpace(text)
	lower := strings.ToLower(quoted.ReplaceAllString(reason, `""`))

	if strings.Contains(lower, "already exists") {
		return Result{Kind: AlreadyExists, Reason: reason}
	}
	if fields := strings.Fields(lower); len(fields) > 0 && failureLeads[strings.TrimRight(fields[0], ":")] {
		return Result{Kind: Failed, Reason: reason}
	}
	for _, m := range failurePhrases {
		if strings.Contains(lower, m) {
			return Result{Kind: Failed, Reason: reason}
		}
	}
	return Result{Kind: OK, Reason: reason}
}
