// Package consensus implements the adversarial review gate: a subject
// is fanned out to independent reviewer services and their
// confidence-weighted scores are aggregated into a merge / revision /
// alert / defer decision.
//
// This is a heuristic disagreement detector, not Byzantine fault
// tolerance. A single biased reviewer skews the weighted mean; the
// variance check is the only defense, and it is tuned to surface
// disagreement rather than mask it.
package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Castellan-Labs/quorum/core/pkg/util/resiliency"
)

// Review is one reviewer's response, schema-enforced on ingestion.
type Review struct {
	Score      float64 `json:"score"`      // [0, 10]
	Confidence float64 `json:"confidence"` // [0, 1]
	Summary    string  `json:"summary"`
}

// Reviewer is a capability-typed reviewer backend. Implementations must
// honor ctx cancellation; a slow reviewer is excluded, not waited on.
type Reviewer interface {
	Name() string
	Review(ctx context.Context, subject string) (Review, error)
}

// reviewResponseSchema is the wire contract every reviewer must meet.
// Any other shape is a reviewer failure, excluded from aggregation.
const reviewResponseSchema = `{
	"type": "object",
	"required": ["score", "confidence", "summary"],
	"properties": {
		"score":      {"type": "number", "minimum": 0, "maximum": 10},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"summary":    {"type": "string"}
	}
}`

var compiledReviewSchema = jsonschema.MustCompileString(
	"review_response.json", reviewResponseSchema)

// ValidateReviewPayload checks a raw reviewer response against the
// response schema.
func ValidateReviewPayload(raw []byte) error {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("consensus: response is not JSON: %w", err)
	}
	if err := compiledReviewSchema.Validate(decoded); err != nil {
		return fmt.Errorf("consensus: response violates review schema: %w", err)
	}
	return nil
}

// HTTPReviewer queries a remote reviewer service over HTTP.
type HTTPReviewer struct {
	name     string
	endpoint string
	client   *resiliency.Client
}

// NewHTTPReviewer builds a reviewer client for the given endpoint.
func NewHTTPReviewer(name, endpoint string, client *resiliency.Client) *HTTPReviewer {
	return &HTTPReviewer{name: name, endpoint: endpoint, client: client}
}

func (r *HTTPReviewer) Name() string { return r.name }

// Review POSTs {subject} and decodes the schema-validated response.
func (r *HTTPReviewer) Review(ctx context.Context, subject string) (Review, error) {
	body, err := json.Marshal(map[string]string{"subject": subject})
	if err != nil {
		return Review{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Review{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Review{}, fmt.Errorf("consensus: reviewer %s unreachable: %w", r.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Review{}, fmt.Errorf("consensus: reviewer %s returned status %d", r.name, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Review{}, fmt.Errorf("consensus: reading reviewer %s response: %w", r.name, err)
	}
	if err := ValidateReviewPayload(raw); err != nil {
		return Review{}, err
	}

	var review Review
	if err := json.Unmarshal(raw, &review); err != nil {
		return Review{}, err
	}
	return review, nil
}
