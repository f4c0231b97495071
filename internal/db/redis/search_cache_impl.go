package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	domainrag "treeweave/internal/domain/rag"
	applog "treeweave/internal/platform/log"
)

// RetrieveCache 检索结果 Redis 缓存
type RetrieveCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRetrieveCache 创建检索缓存
func NewRetrieveCache(rdb *redis.Client, ttlSeconds int) *RetrieveCache {
	ttl := 5 * time.Minute
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &RetrieveCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "rag:cache:",
	}
}

// Get 从缓存获取检索结果
func (c *RetrieveCache) Get(ctx context.Context, req *domainrag.RetrieveRequest) (*domainrag.RetrieveResult, bool) {
	key := c.cacheKey(req)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var result domainrag.RetrieveResult
	if err := json.Unmarshal(data, &result); err != nil {
		applog.Warn("[RAG/Cache] Failed to unmarshal cached result", "error", err)
		return nil, false
	}

	applog.Debug("[RAG/Cache] Hit", "key", key)
	return &result, true
}

// Set 写入检索结果到缓存
func (c *RetrieveCache) Set(ctx context.Context, req *domainrag.RetrieveRequest, result *domainrag.RetrieveResult) {
	key := c.cacheKey(req)
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		applog.Warn("[RAG/Cache] Failed to set cache", "key", key, "error", err)
	}
}

// InvalidateByKB 按 kbID 清除相关缓存（模式匹配删除）
func (c *RetrieveCache) InvalidateByKB(ctx context.Context, kbID string) {
	// 使用 SCAN 遍历缓存键并删除
	pattern := c.prefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[RAG/Cache] Invalidated", "kb_id", kbID, "keys_deleted", len(keys))
	}
}

// InvalidateAll 清除所有检索缓存
func (c *RetrieveCache) InvalidateAll(ctx context.Context) {
	pattern := c.prefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[RAG/Cache] All cache invalidated", "keys_deleted", len(keys))
	}
}

// cacheKey 生成缓存 key = hash(query + topk + kbIDs + tenantID)
func (c *RetrieveCache) cacheKey(req *domainrag.RetrieveRequest) string {
	// 排序 kbIDs 确保一致性
	ids := make([]string, len(req.KBIDs))
	copy(ids, req.KBIDs)
	sort.Strings(ids)

	raw := fmt.Sprintf("%s|%d|%s|%s",
		req.Query,
		req.TopK,
		strings.Join(ids, ","),
		req.TenantID,
	)

	hash := sha256.Sum256([]byte(raw))
	return c.prefix + fmt.Sprintf("%x", hash[:12])
}
