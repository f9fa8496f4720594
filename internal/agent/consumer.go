// internal/agent/consumer.go
package agent

import (
	"context"
	"encoding/json"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/dripline/outreach-backend/internal/queue"
	"github.com/dripline/outreach-backend/pkg/metrics"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Reporter posts a delivery outcome back to the scheduler.
type Reporter interface {
	Report(ctx context.Context, jobID, status, errorMessage string) error
}

// Consumer pulls job dispatches off the queue and runs them through the
// send pipeline. Every consumed job produces exactly one outcome report
// (success or failure); duplicates detected via the dedup cache are
// acknowledged without a report so the reconciler never sees them twice
// from this side.
type Consumer struct {
	Channel   *amqp.Channel
	QueueName string
	Dedup     *Dedup
	Sender    *Sender
	Reporter  Reporter
	Log       *zap.SugaredLogger
}

func NewConsumer(ch *amqp.Channel, queueName string, dedup *Dedup, sender *Sender, reporter Reporter, log *zap.SugaredLogger) *Consumer {
	return &Consumer{
		Channel:   ch,
		QueueName: queueName,
		Dedup:     dedup,
		Sender:    sender,
		Reporter:  reporter,
		Log:       log,
	}
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if _, err := c.Channel.QueueDeclare(c.QueueName, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.Channel.Qos(1, 0, false); err != nil {
		return err
	}

	deliveries, err := c.Channel.Consume(c.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.Log.Infow("agent consuming", "queue", c.QueueName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	metrics.AgentJobsConsumed.Inc()

	var d queue.JobDispatch
	if err := json.Unmarshal(msg.Body, &d); err != nil {
		c.Log.Errorw("dropping malformed dispatch", "err", err)
		msg.Ack(false)
		return
	}

	fresh, err := c.Dedup.ClaimJob(ctx, d.JobID)
	if err != nil {
		c.Log.Errorw("dedup lookup failed, requeueing", "job_id", d.JobID, "err", err)
		msg.Nack(false, true)
		return
	}
	if !fresh {
		c.Log.Infow("skipping duplicate dispatch", "job_id", d.JobID)
		metrics.AgentSkippedDuplicate.Inc()
		msg.Ack(false)
		return
	}

	recent, err := c.Dedup.RecentlySent(ctx, d.AccountID, d.ContentFingerprint)
	if err == nil && recent {
		// Identical content just went out from this account. Back off and
		// let the claim timeout re-dispatch once the guard window passes.
		c.Log.Warnw("suppressing repeated content", "job_id", d.JobID, "account_id", d.AccountID)
		metrics.AgentSkippedDuplicate.Inc()
		if err := c.Dedup.ReleaseJob(ctx, d.JobID); err != nil {
			c.Log.Warnw("releasing job marker failed", "job_id", d.JobID, "err", err)
		}
		msg.Ack(false)
		return
	}

	status := outcomeSuccess
	errorMessage := ""
	if err := c.Sender.Deliver(ctx, d); err != nil {
		status = outcomeFailure
		errorMessage = err.Error()
		metrics.AgentSendsFailed.Inc()
		c.Log.Warnw("delivery failed", "job_id", d.JobID, "err", err)
	} else {
		metrics.AgentSendsOK.Inc()
		if err := c.Dedup.RecordSend(ctx, d.AccountID, d.ContentFingerprint); err != nil {
			c.Log.Warnw("recording fingerprint failed", "job_id", d.JobID, "err", err)
		}
	}

	if err := c.Reporter.Report(ctx, d.JobID, status, errorMessage); err != nil {
		// The scheduler's claim timeout covers a lost report.
		c.Log.Errorw("outcome report failed", "job_id", d.JobID, "status", status, "err", err)
	}
	msg.Ack(false)
}
