package raptor

import "time"

// ── 节点状态 ─────────────────────────────────────────────────

// NodeStatus 单节点索引状态
type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "pending"
	NodeStatusIndexing NodeStatus = "indexing"
	NodeStatusIndexed  NodeStatus = "indexed"
	NodeStatusFailed   NodeStatus = "failed"
)

// IndexStatus (tenant, kb) 范围内的聚合索引状态
type IndexStatus string

const (
	IndexStatusNone     IndexStatus = "none"     // 无任何节点
	IndexStatusBuilding IndexStatus = "building" // 存在 indexing 节点
	IndexStatusError    IndexStatus = "error"    // 存在 failed 节点
	IndexStatusIndexed  IndexStatus = "indexed"  // 全部 indexed
	IndexStatusPartial  IndexStatus = "partial"  // 其余混合状态
)

// ── Node ─────────────────────────────────────────────────────

// Node 树节点：level 0 为叶子（与碎片一一对应），level > 0 为摘要节点
type Node struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	KBID             string            `json:"kb_id"`
	Level            int               `json:"level"`
	Text             string            `json:"text"`
	SourceFragmentID string            `json:"source_fragment_id,omitempty"` // 仅 level 0
	ParentID         string            `json:"parent_id,omitempty"`          // 森林根节点为空
	ChildrenIDs      []string          `json:"children_ids,omitempty"`       // 有序；level 0 为空
	VectorRef        string            `json:"vector_ref,omitempty"`         // 向量索引中的引用，未嵌入时为空
	IndexingStatus   NodeStatus        `json:"indexing_status"`
	IndexingError    string            `json:"indexing_error,omitempty"`
	RetryCount       int               `json:"retry_count"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// IsLeaf 是否为叶子节点
func (n *Node) IsLeaf() bool {
	return n.Level == 0
}

// Usable 节点是否可用于检索
func (n *Node) Usable() bool {
	return n.IndexingStatus == NodeStatusIndexed
}

// ── 构建配置与结果 ────────────────────────────────────────────

// BuildConfig 树构建配置
type BuildConfig struct {
	MaxLayers      int    `json:"max_layers"`       // [1, 5]
	ClusterMethod  string `json:"cluster_method"`   // 聚类策略名
	MinClusterSize int    `json:"min_cluster_size"` // ≥ 2
	ForceRebuild   bool   `json:"force_rebuild"`
}

// BuildStatus 构建触发结果状态
type BuildStatus string

const (
	BuildStatusStarted       BuildStatus = "started"
	BuildStatusAlreadyExists BuildStatus = "already_exists"
	BuildStatusError         BuildStatus = "error"
)

// BuildResult 构建触发结果
type BuildResult struct {
	Status  BuildStatus `json:"status"`
	Message string      `json:"message"`
	TaskID  string      `json:"task_id,omitempty"`
}

// LevelCount 单层节点计数
type LevelCount struct {
	Level int `json:"level"`
	Count int `json:"count"`
}

// IndexStatusInfo 索引状态查询结果
type IndexStatusInfo struct {
	HasIndex       bool         `json:"has_index"`
	TotalNodes     int          `json:"total_nodes"`
	LeafNodes      int          `json:"leaf_nodes"`
	SummaryNodes   int          `json:"summary_nodes"`
	MaxLevel       int          `json:"max_level"`
	NodesByLevel   []LevelCount `json:"nodes_by_level"`
	LastBuildTime  *time.Time   `json:"last_build_time,omitempty"`
	IndexingStatus IndexStatus  `json:"indexing_status"`
}

// ── 检索结果 ─────────────────────────────────────────────────

// RetrievalMode 检索模式
type RetrievalMode string

const (
	ModeCollapsed     RetrievalMode = "collapsed"      // 平铺检索，忽略层级
	ModeTreeTraversal RetrievalMode = "tree_traversal" // 自顶向下逐层收窄
)

// RetrievedFragment 树检索结果条目
type RetrievedFragment struct {
	FragmentID         string            `json:"fragment_id"`
	Text               string            `json:"text"`
	Score              float64           `json:"score"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	KBID               string            `json:"kb_id"`
	DocID              string            `json:"doc_id,omitempty"`
	Source             string            `json:"source"` // 固定为 "raptor"
	RaptorMode         RetrievalMode     `json:"raptor_mode"`
	RaptorLevel        int               `json:"raptor_level"`
	RaptorNodeID       string            `json:"raptor_node_id,omitempty"`
	RaptorFallback     bool              `json:"raptor_fallback"`
	RaptorExpandedFrom string            `json:"raptor_expanded_from,omitempty"`
}
