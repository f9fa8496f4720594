// internal/agent/dedup.go
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// jobMarkerTTL must outlive the scheduler's claim window so a
	// re-dispatched job that was actually delivered is recognized.
	jobMarkerTTL = 24 * time.Hour

	// fingerprintTTL guards against sending identical content from the
	// same account twice in quick succession.
	fingerprintTTL = 60 * time.Second
)

// Dedup tracks which jobs this agent fleet has already attempted and which
// message fingerprints were recently sent per account. Redis keeps the
// markers shared across agent replicas.
type Dedup struct {
	RDB *redis.Client
}

func NewDedup(rdb *redis.Client) *Dedup {
	return &Dedup{RDB: rdb}
}

// ClaimJob marks jobID as attempted. Returns false when another consume of
// the same job already claimed it, meaning this delivery is a duplicate.
func (d *Dedup) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	return d.RDB.SetNX(ctx, "agent:job:"+jobID, 1, jobMarkerTTL).Result()
}

// ReleaseJob removes the job marker so a later re-dispatch is not treated
// as a duplicate. Called when the attempt failed before anything was sent.
func (d *Dedup) ReleaseJob(ctx context.Context, jobID string) error {
	return d.RDB.Del(ctx, "agent:job:"+jobID).Err()
}

func fingerprintKey(accountID int, fingerprint string) string {
	return fmt.Sprintf("agent:fp:%d:%s", accountID, fingerprint)
}

// RecentlySent reports whether the same content fingerprint went out from
// this account within the guard window.
func (d *Dedup) RecentlySent(ctx context.Context, accountID int, fingerprint string) (bool, error) {
	n, err := d.RDB.Exists(ctx, fingerprintKey(accountID, fingerprint)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordSend stamps the fingerprint after a successful send.
func (d *Dedup) RecordSend(ctx context.Context, accountID int, fingerprint string) error {
	return d.RDB.Set(ctx, fingerprintKey(accountID, fingerprint), 1, fingerprintTTL).Err()
}
