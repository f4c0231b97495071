package rag

import (
	"context"
	"fmt"
	"time"

	applog "treeweave/internal/platform/log"
)

// Retriever 基础向量检索引擎（kNN 平铺检索）
type Retriever struct {
	client   SearchClient
	config   *Config
	embedder Embedder
	cache    RetrieveCacheStore // 可选
}

// NewRetriever 创建检索引擎
func NewRetriever(client SearchClient, embedder Embedder, config *Config) *Retriever {
	return &Retriever{
		client:   client,
		embedder: embedder,
		config:   config,
	}
}

// SetCache 设置检索缓存
func (r *Retriever) SetCache(c RetrieveCacheStore) {
	r.cache = c
}

// Search 执行知识检索：Embed query → kNN
func (r *Retriever) Search(ctx context.Context, req *RetrieveRequest) (*RetrieveResult, error) {
	if req.TopK <= 0 {
		req.TopK = r.config.DefaultTopK
	}

	applog.Info("[RAG] Search",
		"query", req.Query,
		"top_k", req.TopK,
		"tenant_id", req.TenantID,
		"kb_ids", req.KBIDs,
		"has_cache", r.cache != nil,
	)

	// 查询缓存
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, req); ok {
			return cached, nil
		}
	}

	start := time.Now()

	vectors, err := r.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	result, err := r.client.SearchKNN(ctx, vectors[0], req)
	if err != nil {
		return nil, fmt.Errorf("knn search: %w", err)
	}
	result.ElapsedMs = time.Since(start).Milliseconds()

	// 写入缓存（异步，不阻塞请求）
	if r.cache != nil && result != nil {
		cacheReq := cloneRetrieveRequest(req)
		cacheResult := cloneRetrieveResult(result)
		go func() {
			cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			r.cache.Set(cacheCtx, cacheReq, cacheResult)
		}()
	}

	return result, nil
}

// Retrieve 以基础检索器签名执行平铺检索，供上层树检索回退使用
func (r *Retriever) Retrieve(ctx context.Context, query, tenantID string, kbIDs []string, topK int) ([]ResultFragment, error) {
	result, err := r.Search(ctx, &RetrieveRequest{
		Query:    query,
		TopK:     topK,
		KBIDs:    kbIDs,
		TenantID: tenantID,
	})
	if err != nil {
		return nil, err
	}
	return result.Fragments, nil
}

func cloneRetrieveRequest(req *RetrieveRequest) *RetrieveRequest {
	if req == nil {
		return nil
	}
	cloned := *req
	if len(req.KBIDs) > 0 {
		cloned.KBIDs = append([]string(nil), req.KBIDs...)
	}
	return &cloned
}

func cloneRetrieveResult(result *RetrieveResult) *RetrieveResult {
	if result == nil {
		return nil
	}
	cloned := *result
	if len(result.Fragments) > 0 {
		cloned.Fragments = append([]ResultFragment(nil), result.Fragments...)
	}
	return &cloned
}
