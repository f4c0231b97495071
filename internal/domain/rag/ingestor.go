package rag

import (
	"context"
	"fmt"
	"time"

	applog "treeweave/internal/platform/log"
)

// Ingestor 文档入库 Pipeline：解析 → 分块 → Embedding → 双写（PG + OpenSearch）
type Ingestor struct {
	client   SearchClient
	store    FragmentStore
	chunker  *Chunker
	embedder Embedder
	parsers  *ParserRegistry
	cache    RetrieveCacheStore // 可选：入库后清缓存
}

// NewIngestor 创建入库 Pipeline
func NewIngestor(client SearchClient, store FragmentStore, embedder Embedder, cfg *Config) *Ingestor {
	return &Ingestor{
		client:   client,
		store:    store,
		embedder: embedder,
		chunker:  NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		parsers:  NewParserRegistry(),
	}
}

// SetCache 设置缓存（入库后自动清除）
func (ing *Ingestor) SetCache(c RetrieveCacheStore) {
	ing.cache = c
}

// Parsers 返回解析器注册表
func (ing *Ingestor) Parsers() *ParserRegistry {
	return ing.parsers
}

// IngestDocument 入库单个文档
func (ing *Ingestor) IngestDocument(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	start := time.Now()

	// 1. 分块
	fragments, err := ing.chunker.Chunk(req)
	if err != nil {
		return nil, fmt.Errorf("chunk document: %w", err)
	}

	// 2. 批量 Embedding
	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Text
	}
	vectors, err := ing.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed fragments: %w", err)
	}
	if len(vectors) != len(fragments) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(fragments))
	}
	for i := range fragments {
		fragments[i].Vector = vectors[i]
	}

	// 3. 持久化到 PostgreSQL
	if err := ing.store.SaveFragments(ctx, fragments); err != nil {
		return nil, fmt.Errorf("save fragments: %w", err)
	}

	// 4. 写入 OpenSearch
	if err := ing.client.BulkIndexFragments(ctx, fragments); err != nil {
		return nil, fmt.Errorf("bulk index: %w", err)
	}

	docID := fragments[0].DocID

	applog.Info("[RAG] Document ingested",
		"doc_id", docID,
		"fragments", len(fragments),
		"tenant_id", req.TenantID,
		"kb_id", req.KBID,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	// 5. 主动清除相关缓存
	if ing.cache != nil && req.KBID != "" {
		ing.cache.InvalidateByKB(ctx, req.KBID)
	}

	return &IngestResult{
		DocID:         docID,
		FragmentCount: len(fragments),
	}, nil
}

// DeleteDocument 删除文档的全部碎片（PG + OpenSearch）
func (ing *Ingestor) DeleteDocument(ctx context.Context, tenantID, kbID, docID string) (int, error) {
	deleted, err := ing.store.DeleteFragmentsByDoc(ctx, tenantID, docID)
	if err != nil {
		return 0, fmt.Errorf("delete fragments: %w", err)
	}

	if err := ing.client.DeleteByDocID(ctx, tenantID, docID); err != nil {
		applog.Warn("[RAG] Failed to delete document vectors", "doc_id", docID, "error", err)
	}

	if ing.cache != nil && kbID != "" {
		ing.cache.InvalidateByKB(ctx, kbID)
	}

	applog.Info("[RAG] Document deleted", "doc_id", docID, "fragments", deleted)
	return deleted, nil
}
