// Package router dispatches verified events to their handling component
// over a closed set of intents. Anything it cannot route, whether an
// unknown intent or a malformed payload, is written to the dead-letter
// table with the raw payload and reason, never silently dropped.
// Auditability is preferred over forward compatibility here.
package router

import "fmt"

// Intent is the closed dispatch enum. Payloads carrying any other value
// are dead-lettered rather than leniently parsed.
type Intent string

const (
	IntentIngest Intent = "event.ingest"
	IntentReview Intent = "review.request"
	IntentSeal   Intent = "output.seal"
	IntentHalt   Intent = "system.halt"
	IntentResume Intent = "system.resume"
)

// knownIntents is the authoritative membership set for ParseIntent.
var knownIntents = map[Intent]struct{}{
	IntentIngest: {},
	IntentReview: {},
	IntentSeal:   {},
	IntentHalt:   {},
	IntentResume: {},
}

// ParseIntent maps a wire string onto the closed enum.
func ParseIntent(s string) (Intent, error) {
	in := Intent(s)
	if _, ok := knownIntents[in]; !ok {
		return "", fmt.Errorf("router: unknown intent %q", s)
	}
	return in, nil
}
