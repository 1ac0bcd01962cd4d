package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"game-coordination-system/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LatencyService keeps a rolling window of reported latencies per player
// and region. The window is trimmed on write.
type LatencyService struct {
	cache  *utils.Cache
	cfg    utils.Config
	logger *zap.Logger
}

func NewLatencyService(cache *utils.Cache, cfg utils.Config, logger *zap.Logger) *LatencyService {
	return &LatencyService{cache: cache, cfg: cfg, logger: logger}
}

func (s *LatencyService) key(playerID int, region string) string {
	return s.cache.Key("player:%d:latency:%s:", playerID, region)
}

// Record stores a sample and returns the player's averages for every region.
func (s *LatencyService) Record(ctx context.Context, playerID int, region string, latencyMs float64) (map[string]int, error) {
	if !s.cfg.IsValidRegion(region) {
		return nil, utils.Validation("invalid region %q", region)
	}
	if latencyMs < 0 {
		return nil, utils.Validation("latency must not be negative")
	}

	key := s.key(playerID, region)
	_, err := s.cache.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, strconv.FormatFloat(latencyMs, 'f', -1, 64))
		pipe.LTrim(ctx, key, 0, int64(s.cfg.LatencySamples-1))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record latency for player %d: %w", playerID, err)
	}
	return s.Averages(ctx, playerID)
}

// Averages returns the truncated mean of the last samples per region.
func (s *LatencyService) Averages(ctx context.Context, playerID int) (map[string]int, error) {
	pattern := s.cache.Key("player:%d:latency:*", playerID)
	prefix := s.cache.Key("player:%d:latency:", playerID)

	averages := make(map[string]int)
	iter := s.cache.Client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		region := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ":")
		if region == "" || strings.HasSuffix(key, "lock:") {
			continue
		}

		values, err := s.cache.Client.LRange(ctx, key, 0, int64(s.cfg.LatencySamples-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if len(values) == 0 {
			continue
		}

		var sum float64
		n := 0
		for _, v := range values {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				s.logger.Warn("ignoring malformed latency sample", zap.String("key", key), zap.String("value", v))
				continue
			}
			sum += f
			n++
		}
		if n > 0 {
			averages[region] = int(sum / float64(n))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan latencies for player %d: %w", playerID, err)
	}
	return averages, nil
}
