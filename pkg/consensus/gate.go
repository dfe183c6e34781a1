package consensus

import (
	"context"
	"math"
	"sync"
	"time"
)

// Action is the gate's decision for a reviewed subject.
type Action string

const (
	ActionMerge    Action = "MERGE"
	ActionRevision Action = "REVISION"
	ActionAlert    Action = "ALERT"
	ActionDefer    Action = "DEFER"
)

// Default thresholds. The dissent threshold is tunable at runtime by
// the controller; the merge threshold is configuration.
const (
	DefaultMergeThreshold   = 7.5
	DefaultDissentThreshold = 2.0
	DefaultReviewTimeout    = 30 * time.Second
)

// Exclusion records why a reviewer's response was dropped from
// aggregation. Excluded responses are not scored as zero.
type Exclusion struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

// Result is the aggregated outcome of one review round.
type Result struct {
	WeightedMean float64     `json:"weighted_mean"`
	Variance     float64     `json:"variance"`
	Action       Action      `json:"action"`
	ValidReviews int         `json:"valid_reviews"`
	Excluded     []Exclusion `json:"excluded,omitempty"`
}

// Gate fans a subject out to all reviewers in parallel and decides.
type Gate struct {
	mu               sync.RWMutex
	reviewers        []Reviewer
	mergeThreshold   float64
	dissentThreshold float64
	timeout          time.Duration
}

// NewGate creates a Gate with default thresholds.
func NewGate(reviewers ...Reviewer) *Gate {
	return &Gate{
		reviewers:        reviewers,
		mergeThreshold:   DefaultMergeThreshold,
		dissentThreshold: DefaultDissentThreshold,
		timeout:          DefaultReviewTimeout,
	}
}

// WithTimeout sets the per-reviewer timeout.
func (g *Gate) WithTimeout(d time.Duration) *Gate {
	g.timeout = d
	return g
}

// WithMergeThreshold sets the merge threshold.
func (g *Gate) WithMergeThreshold(v float64) *Gate {
	g.mergeThreshold = v
	return g
}

// SetDissentThreshold is called by the controller as risk changes.
func (g *Gate) SetDissentThreshold(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dissentThreshold = v
}

// DissentThreshold returns the current dissent threshold.
func (g *Gate) DissentThreshold() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dissentThreshold
}

type reviewOutcome struct {
	reviewer string
	review   Review
	err      error
}

// Review dispatches subject to every reviewer strictly in parallel with
// a bounded per-reviewer timeout. Timed-out or schema-violating
// responses are excluded from aggregation; if fewer than two valid
// reviews remain the gate defers to a human.
func (g *Gate) Review(ctx context.Context, subject string) (Result, error) {
	g.mu.RLock()
	reviewers := g.reviewers
	dissent := g.dissentThreshold
	merge := g.mergeThreshold
	timeout := g.timeout
	g.mu.RUnlock()

	outcomes := make(chan reviewOutcome, len(reviewers))
	var wg sync.WaitGroup
	for _, r := range reviewers {
		wg.Add(1)
		go func(r Reviewer) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			review, err := r.Review(rctx, subject)
			outcomes <- reviewOutcome{reviewer: r.Name(), review: review, err: err}
		}(r)
	}
	wg.Wait()
	close(outcomes)

	valid := make([]Review, 0, len(reviewers))
	excluded := make([]Exclusion, 0)
	for out := range outcomes {
		if out.err != nil {
			excluded = append(excluded, Exclusion{Reviewer: out.reviewer, Reason: out.err.Error()})
			continue
		}
		valid = append(valid, out.review)
	}

	result := Result{ValidReviews: len(valid), Excluded: excluded}
	if len(valid) < 2 {
		result.Action = ActionDefer
		return result, nil
	}

	mean, ok := weightedMean(valid)
	if !ok {
		// All confidences zero: nothing to weight, nothing to trust.
		result.Action = ActionDefer
		return result, nil
	}
	result.WeightedMean = mean
	result.Variance = scoreSpread(valid)

	// First match wins: disagreement dominates the mean.
	switch {
	case result.Variance > dissent:
		result.Action = ActionAlert
	case result.WeightedMean > merge:
		result.Action = ActionMerge
	default:
		result.Action = ActionRevision
	}
	return result, nil
}

func weightedMean(reviews []Review) (float64, bool) {
	var num, den float64
	for _, r := range reviews {
		num += r.Score * r.Confidence
		den += r.Confidence
	}
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

// scoreSpread is the disagreement signal: max−min for two reviewers,
// population standard deviation for more.
func scoreSpread(reviews []Review) float64 {
	if len(reviews) == 2 {
		return math.Abs(reviews[0].Score - reviews[1].Score)
	}

	var sum float64
	for _, r := range reviews {
		sum += r.Score
	}
	mean := sum / float64(len(reviews))

	var sq float64
	for _, r := range reviews {
		d := r.Score - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(reviews)))
}
