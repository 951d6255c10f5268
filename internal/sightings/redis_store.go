// Package sightings counts how often each indicator is reported by each feed.
package sightings

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"riskflow/pkg/models"
)

// RedisConfig configures Redis access for sighting counters.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps one hash per indicator plus sorted sets of first, last
// and most recent update time.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore constructs a Redis-backed sighting store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "riskflow:sightings"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis sightings: %w", err)
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix), now: time.Now}, nil
}

// RecordSightings bumps the counters of every record in one round trip.
func (s *RedisStore) RecordSightings(records []*models.ThreatIntelligenceData) error {
	if len(records) == 0 {
		return nil
	}
	ctx := context.Background()
	pipe := s.client.Pipeline()
	nowUnix := s.now().Unix()

	queued := 0
	for _, rec := range records {
		if rec == nil || rec.Source == "" || rec.IndicatorType == "" || rec.IndicatorValue == "" {
			continue
		}
		member := encodeMember(rec.Source, rec.IndicatorType, rec.IndicatorValue)
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = time.Unix(nowUnix, 0)
		}
		ts := float64(observed.Unix())

		key := s.sightingKey(member)
		pipe.HSet(ctx, key,
			"source", rec.Source,
			"indicator_type", rec.IndicatorType,
			"indicator_value", rec.IndicatorValue,
			"updated_at", strconv.FormatInt(nowUnix, 10),
		)
		pipe.HIncrBy(ctx, key, "count", 1)
		pipe.ZAddArgs(ctx, s.firstSetKey(), redis.ZAddArgs{LT: true, Members: []redis.Z{{Score: ts, Member: member}}})
		pipe.ZAddArgs(ctx, s.lastSetKey(), redis.ZAddArgs{GT: true, Members: []redis.Z{{Score: ts, Member: member}}})
		pipe.ZAdd(ctx, s.dirtySetKey(), redis.Z{Score: float64(nowUnix), Member: member})
		queued++
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update sighting keys: %w", err)
	}
	return nil
}

// Get returns the counters of one indicator, or nil when never seen.
func (s *RedisStore) Get(ctx context.Context, source, indicatorType, indicatorValue string) (*models.Sighting, error) {
	member := encodeMember(source, indicatorType, indicatorValue)
	st, ok, err := s.load(ctx, member)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// FetchUpdatedSince returns sightings updated at or after since, most
// recently updated first.
func (s *RedisStore) FetchUpdatedSince(ctx context.Context, since time.Time, limit int64) ([]models.Sighting, error) {
	if limit <= 0 {
		limit = 1000
	}
	members, err := s.client.ZRevRangeByScore(ctx, s.dirtySetKey(), &redis.ZRangeBy{
		Min:    strconv.FormatInt(since.Unix(), 10),
		Max:    "+inf",
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read updated sighting members: %w", err)
	}

	out := make([]models.Sighting, 0, len(members))
	for _, member := range members {
		st, ok, err := s.load(ctx, member)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *RedisStore) load(ctx context.Context, member string) (models.Sighting, bool, error) {
	source, typ, value, ok := decodeMember(member)
	if !ok {
		return models.Sighting{}, false, nil
	}
	hash, err := s.client.HGetAll(ctx, s.sightingKey(member)).Result()
	if err != nil {
		return models.Sighting{}, false, fmt.Errorf("read sighting %s: %w", member, err)
	}
	if len(hash) == 0 {
		return models.Sighting{}, false, nil
	}

	count, _ := strconv.ParseInt(hash["count"], 10, 64)
	updatedUnix, _ := strconv.ParseInt(hash["updated_at"], 10, 64)
	first, _ := s.client.ZScore(ctx, s.firstSetKey(), member).Result()
	last, _ := s.client.ZScore(ctx, s.lastSetKey(), member).Result()

	st := models.Sighting{
		Source:         source,
		IndicatorType:  typ,
		IndicatorValue: value,
		Count:          count,
	}
	if updatedUnix > 0 {
		st.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	}
	if first > 0 {
		st.FirstSeen = time.Unix(int64(first), 0).UTC()
	}
	if last > 0 {
		st.LastSeen = time.Unix(int64(last), 0).UTC()
	}
	return st, true, nil
}

// Recurring keeps sightings reported at least minCount times, highest count first.
func Recurring(all []models.Sighting, minCount int64) []models.Sighting {
	out := make([]models.Sighting, 0, len(all))
	for _, st := range all {
		if st.Count >= minCount {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) sightingKey(member string) string {
	return s.prefix + ":indicator:" + member
}

func (s *RedisStore) firstSetKey() string {
	return s.prefix + ":first"
}

func (s *RedisStore) lastSetKey() string {
	return s.prefix + ":last"
}

func (s *RedisStore) dirtySetKey() string {
	return s.prefix + ":dirty"
}

// encodeMember joins the indicator identity. The value goes last so that
// separators inside it survive decoding.
func encodeMember(source, indicatorType, indicatorValue string) string {
	return source + "|" + indicatorType + "|" + indicatorValue
}

func decodeMember(member string) (string, string, string, bool) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
