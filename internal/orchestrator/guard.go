package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/redis"
)

var (
	ErrAlreadyDelivered = errors.New("recipient already delivered")
	ErrClaimHeld        = errors.New("recipient claimed by another run")
)

// Guard keeps two runs from mailing the same recipient. A claim is taken
// before the transport call and becomes a delivered marker afterwards.
type Guard interface {
	Claim(ctx context.Context, recipientID int64) error
	Delivered(ctx context.Context, recipientID int64) error
	Release(ctx context.Context, recipientID int64) error
}

type GuardConfig struct {
	ClaimTTL     time.Duration
	DeliveredTTL time.Duration
	KeyPrefix    string
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ClaimTTL:     10 * time.Minute,
		DeliveredTTL: 24 * time.Hour,
		KeyPrefix:    "delivery:",
	}
}

type RedisGuard struct {
	redis  redis.RedisAdapter
	config GuardConfig
}

func NewRedisGuard(adapter redis.RedisAdapter, config GuardConfig) *RedisGuard {
	return &RedisGuard{redis: adapter, config: config}
}

func (g *RedisGuard) claimKey(id int64) string {
	return g.config.KeyPrefix + "claim:" + strconv.FormatInt(id, 10)
}

func (g *RedisGuard) doneKey(id int64) string {
	return g.config.KeyPrefix + "done:" + strconv.FormatInt(id, 10)
}

func (g *RedisGuard) Claim(ctx context.Context, recipientID int64) error {
	done, err := g.redis.Exist(ctx, g.doneKey(recipientID))
	if err != nil {
		return fmt.Errorf("check delivered marker: %w", err)
	}
	if done {
		return ErrAlreadyDelivered
	}

	stamp := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	ok, err := g.redis.SetNX(ctx, g.claimKey(recipientID), stamp, g.config.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim recipient: %w", err)
	}
	if !ok {
		return ErrClaimHeld
	}
	return nil
}

func (g *RedisGuard) Delivered(ctx context.Context, recipientID int64) error {
	if err := g.redis.Set(ctx, g.doneKey(recipientID), []byte("1"), g.config.DeliveredTTL); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if err := g.redis.Del(ctx, g.claimKey(recipientID)); err != nil {
		logger.Warn("failed to drop delivery claim", "recipient_id", recipientID, "error", err)
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, recipientID int64) error {
	return g.redis.Del(ctx, g.claimKey(recipientID))
}

type noopGuard struct{}

func (noopGuard) Claim(context.Context, int64) error     { return nil }
func (noopGuard) Delivered(context.Context, int64) error { return nil }
func (noopGuard) Release(context.Context, int64) error   { return nil }
