package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

// Deduplicator suppresses webhook redeliveries. Portals deliver at least
// once; replaying an identical body within the TTL is a retry, not a new
// lead event.
type Deduplicator struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewDeduplicator(client *redis.Client, ttl time.Duration, logger *logging.Logger) *Deduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Deduplicator{client: client, ttl: ttl, logger: logger}
}

// Seen marks the payload as processed and reports whether it already was.
// When redis is unavailable the webhook is processed anyway: duplicate leads
// are merged downstream by normalized phone, losing a lead is worse.
func (d *Deduplicator) Seen(ctx context.Context, source string, body []byte) bool {
	if d == nil || d.client == nil {
		return false
	}
	fresh, err := d.client.SetNX(ctx, dedupKey(source, body), 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("webhook dedup check failed", "source", source, "error", err)
		return false
	}
	return !fresh
}

// Forget releases the payload's dedup key. Called after a transient
// processing failure so the portal's redelivery of the same body is
// reprocessed instead of acked as a duplicate.
func (d *Deduplicator) Forget(ctx context.Context, source string, body []byte) {
	if d == nil || d.client == nil {
		return
	}
	if err := d.client.Del(ctx, dedupKey(source, body)).Err(); err != nil {
		d.logger.Warn("webhook dedup release failed", "source", source, "error", err)
	}
}

func dedupKey(source string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("crmgw:webhook:%s:%s", source, hex.EncodeToString(sum[:]))
}
