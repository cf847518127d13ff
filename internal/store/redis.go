// Package store provides storage backends for ScanPipe.
//
// This file implements a Redis-backed conversation store. Records are JSON values keyed by
// patient id, optionally expiring after an idle TTL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	redisConversationPrefix = "scanpipe:conversation:"
	redisInboundPrefix      = "scanpipe:inbound:"

	// DefaultInboundRetention bounds how long message ids are remembered for dedup.
	DefaultInboundRetention = 7 * 24 * time.Hour

	inboundReceived  = "received"
	inboundProcessed = "processed"
)

var redisTracer = otel.Tracer("scanpipe/store/redis")

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps conversation records and the dedup log in Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the Redis URL from opts and verifies it with PING.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("RedisStore URL not set")
		return nil, ErrDSNNotSet
	}
	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Debug("Redis store ready", "addr", redisOpts.Addr, "ttl", cfg.TTL)
	return NewRedisStoreWithClient(client, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client. A ttl of zero keeps records until deleted.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Client exposes the underlying client so other components can share the connection.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func conversationKey(patientID string) string {
	return redisConversationPrefix + patientID
}

func inboundKey(messageID string) string {
	return redisInboundPrefix + messageID
}

func (s *RedisStore) GetConversation(ctx context.Context, patientID string) (*models.ConversationRecord, error) {
	ctx, span := redisTracer.Start(ctx, "conversation.get")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", patientID))

	raw, err := s.client.Get(ctx, conversationKey(patientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		return nil, fmt.Errorf("failed to get conversation for %s: %w", patientID, err)
	}
	var rec models.ConversationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode conversation for %s: %w", patientID, err)
	}
	return &rec, nil
}

func (s *RedisStore) SaveConversation(ctx context.Context, rec models.ConversationRecord) error {
	if rec.PatientID == "" {
		return ErrEmptyPatientID
	}
	ctx, span := redisTracer.Start(ctx, "conversation.save")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", rec.PatientID), attribute.String("conversation.stage", string(rec.Stage)))

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode conversation for %s: %w", rec.PatientID, err)
	}
	if err := s.client.Set(ctx, conversationKey(rec.PatientID), payload, s.ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "set failed")
		slog.Error("RedisStore SaveConversation failed", "error", err, "patient_id", rec.PatientID)
		return fmt.Errorf("failed to save conversation for %s: %w", rec.PatientID, err)
	}
	return nil
}

func (s *RedisStore) DeleteConversation(ctx context.Context, patientID string) error {
	ctx, span := redisTracer.Start(ctx, "conversation.delete")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", patientID))

	if err := s.client.Del(ctx, conversationKey(patientID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete conversation for %s: %w", patientID, err)
	}
	return nil
}

func (s *RedisStore) ListConversations(ctx context.Context) ([]models.ConversationRecord, error) {
	ctx, span := redisTracer.Start(ctx, "conversation.list")
	defer span.End()

	out := []models.ConversationRecord{}
	iter := s.client.Scan(ctx, 0, redisConversationPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		patientID := strings.TrimPrefix(iter.Val(), redisConversationPrefix)
		rec, err := s.GetConversation(ctx, patientID)
		if err != nil {
			return nil, err
		}
		if rec != nil { // expired between SCAN and GET
			out = append(out, *rec)
		}
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to scan conversations: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	span.SetAttributes(attribute.Int("conversation.count", len(out)))
	return out, nil
}

func (s *RedisStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	val, err := s.client.Get(ctx, inboundKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return val == inboundProcessed, nil
}

func (s *RedisStore) RecordInbound(ctx context.Context, messageID, patientID string) (bool, error) {
	fresh, err := s.client.SetNX(ctx, inboundKey(messageID), inboundReceived, DefaultInboundRetention).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return fresh, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	if err := s.client.Set(ctx, inboundKey(messageID), inboundProcessed, DefaultInboundRetention).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
