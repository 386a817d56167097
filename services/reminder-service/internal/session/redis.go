package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cooldown:session:"

// Redis keeps each session as a hash that expires after the TTL.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func OpenRedis(ctx context.Context, cfg Config) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return NewRedis(rdb, cfg.TTL), nil
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) Create(ctx context.Context, userID string) (Session, error) {
	s := Session{Token: newToken(), UserID: userID, CreatedAt: time.Now().UTC()}
	key := keyPrefix + s.Token
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user_id", s.UserID,
			"invite_acked", "0",
			"created_at", strconv.FormatInt(s.CreatedAt.Unix(), 10),
		)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("failed to save session: %w", err)
	}
	return s, nil
}

func (r *Redis) Get(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrUnauthenticated
	}
	fields, err := r.rdb.HGetAll(ctx, keyPrefix+token).Result()
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	userID := fields["user_id"]
	if userID == "" {
		return Session{}, ErrUnauthenticated
	}
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return Session{
		Token:       token,
		UserID:      userID,
		InviteAcked: fields["invite_acked"] == "1",
		CreatedAt:   time.Unix(created, 0).UTC(),
	}, nil
}

func (r *Redis) Resolve(ctx context.Context, token string) (string, error) {
	s, err := r.Get(ctx, token)
	if err != nil {
		return "", err
	}
	return s.UserID, nil
}

func (r *Redis) AckInvite(ctx context.Context, token string) error {
	key := keyPrefix + token
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if n == 0 {
		return ErrUnauthenticated
	}
	if err := r.rdb.HSet(ctx, key, "invite_acked", "1").Err(); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, token string) error {
	if err := r.rdb.Del(ctx, keyPrefix+token).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
