package window

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Sample is one stored measurement in a patient's metric series.
type Sample struct {
	Value     float64           `json:"v"`
	Timestamp int64             `json:"t"` // unix milliseconds
	Context   map[string]string `json:"c,omitempty"`
}

// Time returns the sample timestamp.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// NewSample builds a sample from a measurement.
func NewSample(value float64, ts time.Time, sampleContext map[string]string) Sample {
	return Sample{Value: value, Timestamp: ts.UnixMilli(), Context: sampleContext}
}

// MatchesContext reports whether every filter entry matches the
// sample's context.
func (s Sample) MatchesContext(filter map[string]string) bool {
	for k, want := range filter {
		if s.Context[k] != want {
			return false
		}
	}
	return true
}

// Store keeps short rolling windows of samples per (patient, metric) in
// Redis sorted sets scored by timestamp. The rule engine is the sole
// owner of this state. Old samples are trimmed on every append and the
// whole key expires after the retention period, so an idle stream costs
// nothing.
type Store struct {
	redisClient *redis.Client
	keyPrefix   string
	retention   time.Duration
	logger      *zap.Logger
}

// NewStore creates a window store. retention should be at least the
// longest configured rule duration.
func NewStore(redisClient *redis.Client, keyPrefix string, retention time.Duration, logger *zap.Logger) *Store {
	if keyPrefix == "" {
		keyPrefix = "vitalwatch:window:"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		retention:   retention,
		logger:      logger,
	}
}

// Key builds the series key for a (patient, metric) pair.
func (s *Store) Key(patientID, metricType string) string {
	return fmt.Sprintf("%s%s:%s", s.keyPrefix, patientID, metricType)
}

// Append stores one sample and trims everything older than retention.
func (s *Store) Append(ctx context.Context, patientID, metricType string, sample Sample) error {
	if patientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if metricType == "" {
		return fmt.Errorf("metric_type is required")
	}

	member, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	key := s.Key(patientID, metricType)
	cutoff := sample.Time().Add(-s.retention).UnixMilli()

	pipe := s.redisClient.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(sample.Timestamp), Member: string(member)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}

	return nil
}

// Range returns samples at or after since, oldest first.
func (s *Store) Range(ctx context.Context, patientID, metricType string, since time.Time) ([]Sample, error) {
	key := s.Key(patientID, metricType)

	members, err := s.redisClient.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return []Sample{}, nil
		}
		return nil, fmt.Errorf("failed to read window: %w", err)
	}

	samples := make([]Sample, 0, len(members))
	for _, member := range members {
		var sample Sample
		if err := json.Unmarshal([]byte(member), &sample); err != nil {
			// A corrupt member must not poison the series.
			s.logger.Warn("Dropping unreadable window sample",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		samples = append(samples, sample)
	}

	return samples, nil
}

// Recent returns the most recent n samples, oldest first.
func (s *Store) Recent(ctx context.Context, patientID, metricType string, n int) ([]Sample, error) {
	if n <= 0 {
		return []Sample{}, nil
	}
	key := s.Key(patientID, metricType)

	members, err := s.redisClient.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: int64(n),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return []Sample{}, nil
		}
		return nil, fmt.Errorf("failed to read window: %w", err)
	}

	samples := make([]Sample, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		var sample Sample
		if err := json.Unmarshal([]byte(members[i]), &sample); err != nil {
			s.logger.Warn("Dropping unreadable window sample",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		samples = append(samples, sample)
	}

	return samples, nil
}

// Clear removes the series for a (patient, metric) pair.
func (s *Store) Clear(ctx context.Context, patientID, metricType string) error {
	return s.redisClient.Del(ctx, s.Key(patientID, metricType)).Err()
}
