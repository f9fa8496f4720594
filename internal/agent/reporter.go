// internal/agent/reporter.go
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OutcomeReporter posts delivery results back to the scheduler's API. The
// scheduler treats reports idempotently, so retrying a report that may have
// landed is safe.
type OutcomeReporter struct {
	BaseURL string
	Client  *http.Client
	Retries int
}

func NewOutcomeReporter(baseURL string) *OutcomeReporter {
	return &OutcomeReporter{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Retries: 3,
	}
}

type outcomePayload struct {
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}

func (r *OutcomeReporter) Report(ctx context.Context, jobID, status, errorMessage string) error {
	body, err := json.Marshal(outcomePayload{
		Status:       status,
		ErrorMessage: errorMessage,
		CompletedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/jobs/%s/outcome", r.BaseURL, jobID)
	retries := r.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("outcome report for job %s returned %d", jobID, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The scheduler rejected the report; retrying won't help.
			return lastErr
		}
	}
	return lastErr
}
