// Package resiliency wraps outbound HTTP with retry, jittered backoff,
// and circuit breaking. Reviewer services and alert channels are
// independent third parties; none of them is trusted to be fast or up.
package resiliency

import (
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Client is an http.Client with resilience patterns applied per request.
type Client struct {
	client     *http.Client
	maxRetries int
	retryBase  time.Duration
	breaker    *CircuitBreaker
}

// NewClient builds a client with the given per-attempt timeout.
func NewClient(name string, timeout time.Duration) *Client {
	return &Client{
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
		retryBase:  100 * time.Millisecond,
		breaker:    NewCircuitBreaker(name, 5, 10*time.Second),
	}
}

// WithRetries tunes the retry budget.
func (c *Client) WithRetries(maxRetries int, base time.Duration) *Client {
	c.maxRetries = maxRetries
	c.retryBase = base
	return c
}

// Do executes the request, retrying transport errors and 5xx responses
// with exponential backoff plus jitter. An open circuit fails fast.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("resiliency: circuit open for %s", c.breaker.name)
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if attempt == c.maxRetries {
			break
		}
		// Retries need a rewindable body; callers use GetBody-capable requests.
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				break
			}
			req.Body = body
		} else if req.Body != nil {
			break
		}

		select {
		case <-req.Context().Done():
			c.breaker.Failure()
			return nil, req.Context().Err()
		case <-time.After(c.backoff(attempt)):
		}
	}

	c.breaker.Failure()
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("resiliency: %s returned status %d after %d attempts",
		req.URL.Host, resp.StatusCode, c.maxRetries+1)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryBase << uint(attempt)
	return d + time.Duration(rand.Int63n(int64(c.retryBase)))
}

// CircuitBreaker is a minimal CLOSED/OPEN/HALF_OPEN state machine.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

// NewCircuitBreaker opens after threshold consecutive failures and
// probes again after timeout.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

// Success closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

// Failure records a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
