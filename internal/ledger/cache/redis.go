package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/finsight/internal/clock"
	ledgerdomain "github.com/smallbiznis/finsight/internal/ledger/domain"
	"github.com/smallbiznis/finsight/internal/period"
	"go.uber.org/zap"
)

const (
	keyWindowTotals = "ledger:totals:%d:%d:%d"
	defaultTTL      = 24 * time.Hour
)

// CachedReader memoizes totals of closed windows in redis. Open windows are
// always read through, since transactions can still land in them.
type CachedReader struct {
	next   ledgerdomain.Reader
	client redis.Cmdable
	clock  clock.Clock
	ttl    time.Duration
	log    *zap.Logger
}

func NewCachedReader(next ledgerdomain.Reader, client redis.Cmdable, clk clock.Clock, ttl time.Duration, log *zap.Logger) *CachedReader {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedReader{
		next:   next,
		client: client,
		clock:  clk,
		ttl:    ttl,
		log:    log.Named("ledger.cache"),
	}
}

func (r *CachedReader) Aggregate(ctx context.Context, userID snowflake.ID, window period.Window) (ledgerdomain.Totals, error) {
	if !r.cacheable(window) {
		return r.next.Aggregate(ctx, userID, window)
	}

	key := cacheKey(userID, window)
	if totals, ok := r.get(ctx, key); ok {
		return totals, nil
	}

	totals, err := r.next.Aggregate(ctx, userID, window)
	if err != nil {
		return ledgerdomain.Totals{}, err
	}
	r.set(ctx, key, totals)
	return totals, nil
}

func (r *CachedReader) cacheable(window period.Window) bool {
	if r.client == nil || r.clock == nil {
		return false
	}
	return !period.Normalize(window.End).After(period.Normalize(r.clock.Now()))
}

func (r *CachedReader) get(ctx context.Context, key string) (ledgerdomain.Totals, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("ledger.cache.get_failed", zap.String("key", key), zap.Error(err))
		}
		return ledgerdomain.Totals{}, false
	}
	var totals ledgerdomain.Totals
	if err := json.Unmarshal(raw, &totals); err != nil {
		r.log.Warn("ledger.cache.decode_failed", zap.String("key", key), zap.Error(err))
		return ledgerdomain.Totals{}, false
	}
	return totals, true
}

func (r *CachedReader) set(ctx context.Context, key string, totals ledgerdomain.Totals) {
	raw, err := json.Marshal(totals)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		r.log.Warn("ledger.cache.set_failed", zap.String("key", key), zap.Error(err))
	}
}

func cacheKey(userID snowflake.ID, window period.Window) string {
	return fmt.Sprintf(keyWindowTotals,
		int64(userID),
		period.Normalize(window.Start).UnixMicro(),
		period.Normalize(window.End).UnixMicro(),
	)
}

var _ ledgerdomain.Reader = (*CachedReader)(nil)
