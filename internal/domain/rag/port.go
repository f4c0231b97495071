package rag

import "context"

// SearchClient defines vector-index operations required by Retriever/Ingestor.
type SearchClient interface {
	Ping(ctx context.Context) error
	EnsureIndex(ctx context.Context, dims int) error
	BulkIndexFragments(ctx context.Context, fragments []Fragment) error
	SearchKNN(ctx context.Context, vector []float32, req *RetrieveRequest) (*RetrieveResult, error)
	DeleteByDocID(ctx context.Context, tenantID, docID string) error
	DeleteByKB(ctx context.Context, tenantID, kbID string) error
}

// Embedder 向量生成接口
type Embedder interface {
	// Embed 将文本列表转为向量（batch）
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dims 返回向量维度
	Dims() int
}

// FragmentStore 碎片持久化接口（PostgreSQL 实现）
type FragmentStore interface {
	SaveFragments(ctx context.Context, fragments []Fragment) error
	ListFragments(ctx context.Context, tenantID, kbID string) ([]Fragment, error)
	GetFragments(ctx context.Context, tenantID string, ids []string) ([]Fragment, error)
	DeleteFragmentsByDoc(ctx context.Context, tenantID, docID string) (int, error)
	CountFragments(ctx context.Context, tenantID, kbID string) (int, error)
}

// RetrieveCacheStore defines cache operations required by Retriever.
type RetrieveCacheStore interface {
	Get(ctx context.Context, req *RetrieveRequest) (*RetrieveResult, bool)
	Set(ctx context.Context, req *RetrieveRequest, result *RetrieveResult)
	InvalidateByKB(ctx context.Context, kbID string)
}
