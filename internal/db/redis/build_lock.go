package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	applog "treeweave/internal/platform/log"
)

// defaultBuildLockTTL 锁的兜底过期时间，防止进程崩溃后锁永久滞留
const defaultBuildLockTTL = 30 * time.Minute

// BuildLock 基于 Redis SETNX 的分布式构建锁。
// 同一 (tenant, kb) 范围同时只允许一个树构建。
type BuildLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBuildLock 创建分布式构建锁
func NewBuildLock(client *redis.Client) *BuildLock {
	return &BuildLock{
		client: client,
		ttl:    defaultBuildLockTTL,
	}
}

func buildLockKey(tenantID, kbID string) string {
	return fmt.Sprintf("raptor:build:lock:%s:%s", tenantID, kbID)
}

// Acquire 原子获取构建锁，已被持有时返回 false
func (l *BuildLock) Acquire(ctx context.Context, tenantID, kbID string) (bool, error) {
	key := buildLockKey(tenantID, kbID)
	acquired, err := l.client.SetNX(ctx, key, "locked", l.ttl).Result()
	if err != nil {
		applog.Warn("[BuildLock] Failed to acquire lock",
			"tenant_id", tenantID,
			"kb_id", kbID,
			"error", err,
		)
		return false, err
	}

	if acquired {
		applog.Debug("[BuildLock] Lock acquired", "kb_id", kbID)
	} else {
		applog.Debug("[BuildLock] Lock already held", "kb_id", kbID)
	}

	return acquired, nil
}

// Release 释放构建锁
func (l *BuildLock) Release(ctx context.Context, tenantID, kbID string) error {
	key := buildLockKey(tenantID, kbID)
	err := l.client.Del(ctx, key).Err()
	if err != nil {
		applog.Warn("[BuildLock] Failed to release lock",
			"tenant_id", tenantID,
			"kb_id", kbID,
			"error", err,
		)
		return err
	}

	applog.Debug("[BuildLock] Lock released", "kb_id", kbID)
	return nil
}
