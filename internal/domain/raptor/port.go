package raptor

import (
	"context"
	"time"

	"treeweave/internal/domain/rag"
)

// ── Tree Store ───────────────────────────────────────────────

// NodeFilter 节点查询过滤条件，零值表示不过滤
type NodeFilter struct {
	Level     *int       // 限定层级
	Status    NodeStatus // 限定状态
	ParentIDs []string   // 限定父节点集合
	IDs       []string   // 限定节点 ID 集合
}

// TreeStore 树节点持久化接口（PostgreSQL 实现）
// 所有读写都以 (tenant_id, kb_id) 为范围，跨租户访问在结构上不可能
type TreeStore interface {
	GetNode(ctx context.Context, tenantID, kbID, id string) (*Node, error)
	ListNodes(ctx context.Context, tenantID, kbID string, filter NodeFilter) ([]*Node, error)
	CountByLevel(ctx context.Context, tenantID, kbID string) (map[int]int, error)
	UpsertNode(ctx context.Context, node *Node) error
	UpsertNodes(ctx context.Context, nodes []*Node) error
	// UpdateNodeStatus 原子更新单节点状态；置为 failed 时记录错误并递增 retry_count
	UpdateNodeStatus(ctx context.Context, tenantID, id string, status NodeStatus, indexingError string) error
	// DeleteAll 删除范围内全部节点，事务内执行，返回删除数
	DeleteAll(ctx context.Context, tenantID, kbID string) (int, error)
	// AggregateStatus 聚合状态：无节点 none；有 indexing 为 building；
	// 有 failed 为 error；全部 indexed 为 indexed；其余 partial
	AggregateStatus(ctx context.Context, tenantID, kbID string) (IndexStatus, error)
	LastBuildTime(ctx context.Context, tenantID, kbID string) (*time.Time, error)
}

// ── Vector Index ─────────────────────────────────────────────

// VectorIndex 节点向量索引接口（OpenSearch 实现）
type VectorIndex interface {
	// UpsertNodeVectors 批量写入节点向量，返回每个 vector_ref
	UpsertNodeVectors(ctx context.Context, nodes []*Node, vectors [][]float32) error
	// FetchVectors 按 vector_ref 批量取回向量；缺失的 ref 不在结果 map 中
	FetchVectors(ctx context.Context, refs []string) (map[string][]float32, error)
	// DeleteKBVectors 删除范围内全部节点向量
	DeleteKBVectors(ctx context.Context, tenantID, kbID string) error
}

// ── 外部协作者 ────────────────────────────────────────────────

// FragmentSupplier 叶子碎片提供方（rag.FragmentStore 满足该接口）
type FragmentSupplier interface {
	ListFragments(ctx context.Context, tenantID, kbID string) ([]rag.Fragment, error)
}

// BaseRetriever 基础平铺检索器，树缺失或过浅时的回退路径
// rag.Retriever 满足该接口
type BaseRetriever interface {
	Retrieve(ctx context.Context, query, tenantID string, kbIDs []string, topK int) ([]rag.ResultFragment, error)
}

// BuildLock 构建互斥锁：同一 (tenant, kb) 同时只允许一个构建
type BuildLock interface {
	// Acquire 原子获取锁，已被持有时返回 false
	Acquire(ctx context.Context, tenantID, kbID string) (bool, error)
	Release(ctx context.Context, tenantID, kbID string) error
}
