// internal/scheduler/loop.go
package scheduler

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dripline/outreach-backend/internal/policy"
	"github.com/dripline/outreach-backend/internal/queue"
	"github.com/dripline/outreach-backend/internal/repository"
	"github.com/dripline/outreach-backend/internal/service"
	"github.com/dripline/outreach-backend/pkg/metrics"
)

const (
	DefaultInterval = 30 * time.Second

	// DefaultClaimTimeout is how long a dispatched job may sit without an
	// outcome report before it reverts to pending.
	DefaultClaimTimeout = 3 * time.Minute

	// DefaultMaxDispatchAttempts caps automatic re-dispatches so a
	// permanently broken agent cannot loop a job forever.
	DefaultMaxDispatchAttempts = 3

	DefaultBatchSize = 100
)

// Loop periodically selects due jobs, applies the per-account rate and
// window policy, and hands eligible jobs to the delivery agent. Multiple
// loop instances may run against the same database; row locks in the claim
// query keep them from dispatching a job twice.
type Loop struct {
	DB         *sql.DB
	Campaigns  repository.CampaignRepositoryInterface
	Jobs       repository.JobRepositoryInterface
	Accounts   repository.AccountRepositoryInterface
	Sequence   *service.SequenceService
	Reconciler *service.ReconcileService
	Dispatcher queue.Dispatcher
	Log        *zap.SugaredLogger

	Interval            time.Duration
	ClaimTimeout        time.Duration
	MaxDispatchAttempts int
	BatchSize           int
	Now                 func() time.Time
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loop) interval() time.Duration {
	if l.Interval > 0 {
		return l.Interval
	}
	return DefaultInterval
}

func (l *Loop) claimTimeout() time.Duration {
	if l.ClaimTimeout > 0 {
		return l.ClaimTimeout
	}
	return DefaultClaimTimeout
}

func (l *Loop) maxAttempts() int {
	if l.MaxDispatchAttempts > 0 {
		return l.MaxDispatchAttempts
	}
	return DefaultMaxDispatchAttempts
}

func (l *Loop) batchSize() int {
	if l.BatchSize > 0 {
		return l.BatchSize
	}
	return DefaultBatchSize
}

// Start blocks until ctx is cancelled, running one pass per interval.
func (l *Loop) Start(ctx context.Context) {
	l.Log.Infow("scheduler loop starting",
		"interval", l.interval(), "claim_timeout", l.claimTimeout(),
		"max_attempts", l.maxAttempts())

	ticker := time.NewTicker(l.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Log.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil {
				l.Log.Errorw("scheduler pass failed", "err", err)
			}
		}
	}
}

// Tick runs a single scheduler pass. Exported so an external trigger (or a
// test) can drive the loop without waiting for the ticker.
func (l *Loop) Tick(ctx context.Context) (int, error) {
	started := l.now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	if n, err := l.Campaigns.ActivateDueScheduled(ctx, started); err != nil {
		l.Log.Warnw("activating scheduled campaigns failed", "err", err)
	} else if n > 0 {
		l.Log.Infow("scheduled campaigns activated", "count", n)
	}

	l.recoverStale(ctx)

	if n, err := l.Sequence.PromoteDue(ctx, l.batchSize()); err != nil {
		l.Log.Warnw("follow-up promotion failed", "err", err)
	} else if n > 0 {
		metrics.FollowUpsPromoted.Add(float64(n))
	}

	return l.claimAndDispatch(ctx)
}

// recoverStale handles jobs whose claim expired: under the attempt cap they
// revert to pending for one more dispatch; past it they fail through the
// reconciler so counters and recipient state move consistently.
func (l *Loop) recoverStale(ctx context.Context) {
	cutoff := l.now().Add(-l.claimTimeout())

	reverted, err := l.Jobs.RevertStale(ctx, cutoff, l.maxAttempts())
	if err != nil {
		l.Log.Warnw("stale claim revert failed", "err", err)
	} else if reverted > 0 {
		metrics.JobsReverted.Add(float64(reverted))
		l.Log.Infow("stale claims reverted to pending", "count", reverted)
	}

	exhausted, err := l.Jobs.ListExhaustedStale(ctx, cutoff, l.maxAttempts())
	if err != nil {
		l.Log.Warnw("listing exhausted claims failed", "err", err)
		return
	}
	for _, id := range exhausted {
		_, err := l.Reconciler.ApplyOutcome(ctx, id, service.OutcomeReport{
			Status:       service.OutcomeFailure,
			ErrorMessage: "delivery agent did not report within the claim window",
			CompletedAt:  l.now(),
		})
		if err != nil {
			l.Log.Warnw("failing exhausted job failed", "job_id", id, "err", err)
			continue
		}
		metrics.JobsExhausted.Inc()
	}
}

// claimAndDispatch selects due jobs earliest-first, filters each one by its
// own campaign's window and the owning account's remaining quota, and
// interleaves accounts round-robin so one account's backlog cannot starve
// another's due jobs. Selected jobs flip to assigned inside the claim
// transaction; publishing happens after commit, and a publish failure is
// healed by the claim timeout.
func (l *Loop) claimAndDispatch(ctx context.Context) (int, error) {
	now := l.now()

	var payloads []queue.JobDispatch
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	candidates, err := l.Jobs.ClaimDueTx(ctx, tx, now, l.batchSize())
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, tx.Commit()
	}

	// Per-account queues, preserving earliest-due order within each. An
	// account may carry jobs from several campaigns, each with its own
	// window and quota, so the policy is resolved per candidate.
	byAccount := make(map[int][]repository.ClaimCandidate)
	var accountIDs []int
	for _, c := range candidates {
		if _, seen := byAccount[c.Job.AccountID]; !seen {
			accountIDs = append(accountIDs, c.Job.AccountID)
		}
		byAccount[c.Job.AccountID] = append(byAccount[c.Job.AccountID], c)
	}
	sort.Ints(accountIDs)

	policies := make(map[int]policy.WindowPolicy)
	sentByDay := make(map[int]map[string]int) // account -> local day -> sends recorded plus selections this pass

	sentFor := func(accID int, day string) (int, error) {
		days, ok := sentByDay[accID]
		if !ok {
			days = make(map[string]int)
			sentByDay[accID] = days
		}
		if n, ok := days[day]; ok {
			return n, nil
		}
		n, err := l.Accounts.SentToday(ctx, tx, accID, day)
		if err != nil {
			return 0, err
		}
		days[day] = n
		return n, nil
	}

	var selected []string
	deferred := 0

	// Round-robin: one job per account per round. Candidates that fail
	// their campaign's window or exhaust the account's day are deferred to
	// their own campaign's next eligible instant as they are passed over.
	for progressed := true; progressed; {
		progressed = false
		for _, accID := range accountIDs {
			for len(byAccount[accID]) > 0 {
				c := byAccount[accID][0]
				byAccount[accID] = byAccount[accID][1:]

				pol, ok := policies[c.Job.CampaignID]
				if !ok {
					pol, err = policy.FromCampaign(c.Timezone, c.WindowStart, c.WindowEnd, c.MessagesPerDay)
					if err != nil {
						// Leave the job pending; the next pass retries
						// after the campaign's window is repaired.
						l.Log.Warnw("bad campaign window policy", "campaign_id", c.Job.CampaignID, "err", err)
						continue
					}
					policies[c.Job.CampaignID] = pol
				}

				day := policy.LocalDay(now, pol.Timezone)
				sent, err := sentFor(c.Job.AccountID, day)
				if err != nil {
					return 0, err
				}
				next, err := policy.NextEligible(now, pol, sent)
				if err != nil {
					return 0, err
				}
				if next.After(now) {
					if err := l.Jobs.DeferTx(ctx, tx, c.Job.ID, next); err != nil {
						return 0, err
					}
					deferred++
					continue
				}

				sentByDay[c.Job.AccountID][day]++
				progressed = true
				selected = append(selected, c.Job.ID)
				payloads = append(payloads, queue.JobDispatch{
					JobID:              c.Job.ID,
					RecipientHandle:    c.RecipientHandle,
					AccountID:          c.Job.AccountID,
					AccountUsername:    c.AccountUsername,
					Message:            c.Job.Message,
					ContentFingerprint: c.Job.Fingerprint,
				})
				break
			}
		}
	}

	if err := l.Jobs.MarkAssignedTx(ctx, tx, selected, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	dispatched := 0
	for _, p := range payloads {
		if err := l.Dispatcher.Dispatch(ctx, p); err != nil {
			// The job stays assigned; the claim timeout re-dispatches it.
			l.Log.Errorw("dispatch publish failed", "job_id", p.JobID, "err", err)
			continue
		}
		dispatched++
		metrics.JobsDispatched.Inc()
	}
	if deferred > 0 {
		metrics.JobsDeferred.Add(float64(deferred))
	}
	if dispatched > 0 || deferred > 0 {
		l.Log.Infow("scheduler pass dispatched jobs", "dispatched", dispatched, "deferred", deferred)
	}
	return dispatched, nil
}
