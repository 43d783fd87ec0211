// Package sessioncache tracks live call sessions in Redis so the transport
// layer can find the call a media stream belongs to without touching the
// database.
package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound reports a missing session record.
var ErrNotFound = errors.New("sessioncache: session not found")

// StatusEnded marks a released session during its grace window.
const StatusEnded = "ended"

// Record is one session entry. The call config rides along so the transport
// layer can still serve a media stream when the workflow is unreachable.
type Record struct {
	WorkflowID         string
	CallID             string
	PhoneNumber        string
	Greeting           string
	SystemPrompt       string
	MaxDurationSeconds int
	Status             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Cache wraps a Redis client.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New wraps an existing client.
func New(rdb *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{rdb: rdb, logger: logger}
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, logger), nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func sessionKey(workflowID string) string {
	return "session:" + workflowID
}

// Create writes a fresh session record with a TTL bounding its lifetime.
func (c *Cache) Create(ctx context.Context, rec Record, ttl time.Duration) error {
	now := time.Now().UTC()
	key := sessionKey(rec.WorkflowID)
	fields := map[string]any{
		"workflow_id":          rec.WorkflowID,
		"call_id":              rec.CallID,
		"phone_number":         rec.PhoneNumber,
		"greeting":             rec.Greeting,
		"system_prompt":        rec.SystemPrompt,
		"max_duration_seconds": strconv.Itoa(rec.MaxDurationSeconds),
		"status":               "active",
		"created_at":           strconv.FormatInt(now.Unix(), 10),
		"updated_at":           strconv.FormatInt(now.Unix(), 10),
	}
	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("create session %s: %w", rec.WorkflowID, err)
	}
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("set session ttl %s: %w", rec.WorkflowID, err)
	}
	return nil
}

// UpdateStatus moves a session's status field.
func (c *Cache) UpdateStatus(ctx context.Context, workflowID, status string) error {
	key := sessionKey(workflowID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check session %s: %w", workflowID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	err = c.rdb.HSet(ctx, key,
		"status", status,
		"updated_at", strconv.FormatInt(time.Now().UTC().Unix(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("update session %s: %w", workflowID, err)
	}
	return nil
}

// Get reads a session record.
func (c *Cache) Get(ctx context.Context, workflowID string) (*Record, error) {
	fields, err := c.rdb.HGetAll(ctx, sessionKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", workflowID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseRecord(fields), nil
}

// Release marks a session ended and lets it expire after a grace window so
// late status callbacks can still resolve the call. A grace of zero deletes
// immediately.
func (c *Cache) Release(ctx context.Context, workflowID string, grace time.Duration) error {
	key := sessionKey(workflowID)
	if grace <= 0 {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete session %s: %w", workflowID, err)
		}
		return nil
	}
	if err := c.UpdateStatus(ctx, workflowID, StatusEnded); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := c.rdb.Expire(ctx, key, grace).Err(); err != nil {
		return fmt.Errorf("set session grace ttl %s: %w", workflowID, err)
	}
	return nil
}

func parseRecord(fields map[string]string) *Record {
	rec := &Record{
		WorkflowID:   fields["workflow_id"],
		CallID:       fields["call_id"],
		PhoneNumber:  fields["phone_number"],
		Greeting:     fields["greeting"],
		SystemPrompt: fields["system_prompt"],
		Status:       fields["status"],
	}
	if v, err := strconv.Atoi(fields["max_duration_seconds"]); err == nil {
		rec.MaxDurationSeconds = v
	}
	if v, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(v, 0).UTC()
	}
	if v, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.Unix(v, 0).UTC()
	}
	return rec
}
