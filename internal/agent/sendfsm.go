// internal/agent/sendfsm.go
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dripline/outreach-backend/internal/queue"
)

// Surface abstracts the messaging UI the agent drives. Implementations are
// expected to be slow and flaky; every call takes a context with a
// per-stage deadline.
type Surface interface {
	// LocateThread opens the recipient's profile and looks for an existing
	// conversation. Returns "" when no thread exists there.
	LocateThread(ctx context.Context, accountUsername, recipientHandle string) (string, error)
	// SearchThread finds or creates a conversation through inbox search.
	// Used as the fallback when the profile route yields nothing.
	SearchThread(ctx context.Context, accountUsername, recipientHandle string) (string, error)
	Compose(ctx context.Context, threadID, message string) error
	Send(ctx context.Context, threadID string) error
}

// Stage timeouts. The whole attempt is bounded by their sum, which must
// stay well under the scheduler's claim window.
const (
	locateTimeout  = 20 * time.Second
	searchTimeout  = 20 * time.Second
	composeTimeout = 15 * time.Second
	sendTimeout    = 15 * time.Second
)

// Sender walks a delivery through locate -> fallback search -> compose ->
// send. Any stage error aborts the attempt; there is no partial success.
type Sender struct {
	Surface Surface
}

func (s *Sender) Deliver(ctx context.Context, d queue.JobDispatch) error {
	locateCtx, cancel := context.WithTimeout(ctx, locateTimeout)
	threadID, err := s.Surface.LocateThread(locateCtx, d.AccountUsername, d.RecipientHandle)
	cancel()
	if err != nil {
		return fmt.Errorf("locate thread: %w", err)
	}

	if threadID == "" {
		searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
		threadID, err = s.Surface.SearchThread(searchCtx, d.AccountUsername, d.RecipientHandle)
		cancel()
		if err != nil {
			return fmt.Errorf("search thread: %w", err)
		}
		if threadID == "" {
			return fmt.Errorf("no thread for recipient %s", d.RecipientHandle)
		}
	}

	composeCtx, cancel := context.WithTimeout(ctx, composeTimeout)
	err = s.Surface.Compose(composeCtx, threadID, d.Message)
	cancel()
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err = s.Surface.Send(sendCtx, threadID)
	cancel()
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// SimSurface simulates a messaging surface with configurable latency and
// failure rate. Useful for local runs and load testing without touching a
// real inbox.
type SimSurface struct {
	Latency     time.Duration
	FailureRate float64 // 0..1, chance any stage errors
	// MissThreadRate is the chance LocateThread finds nothing and forces
	// the search fallback.
	MissThreadRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimSurface(latency time.Duration, failureRate float64) *SimSurface {
	return &SimSurface{
		Latency:        latency,
		FailureRate:    failureRate,
		MissThreadRate: 0.3,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimSurface) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s.rng.Float64()
}

func (s *SimSurface) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.Latency):
		return nil
	}
}

func (s *SimSurface) LocateThread(ctx context.Context, accountUsername, recipientHandle string) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	if s.roll() < s.FailureRate {
		return "", fmt.Errorf("simulated profile load failure for %s", recipientHandle)
	}
	if s.roll() < s.MissThreadRate {
		return "", nil
	}
	return "thread:" + accountUsername + ":" + recipientHandle, nil
}

func (s *SimSurface) SearchThread(ctx context.Context, accountUsername, recipientHandle string) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	if s.roll() < s.FailureRate {
		return "", fmt.Errorf("simulated search failure for %s", recipientHandle)
	}
	return "thread:" + accountUsername + ":" + recipientHandle, nil
}

func (s *SimSurface) Compose(ctx context.Context, threadID, message string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if s.roll() < s.FailureRate {
		return fmt.Errorf("simulated compose failure in %s", threadID)
	}
	return nil
}

func (s *SimSurface) Send(ctx context.Context, threadID string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if s.roll() < s.FailureRate {
		return fmt.Errorf("simulated send failure in %s", threadID)
	}
	return nil
}
