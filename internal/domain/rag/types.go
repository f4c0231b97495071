package rag

import "time"

// Fragment 知识库文档分块后的最小检索单元（RAPTOR 树的叶子来源）
type Fragment struct {
	ID        string            `json:"id"`
	DocID     string            `json:"doc_id"`
	KBID      string            `json:"kb_id"`
	TenantID  string            `json:"tenant_id"`
	Seq       int               `json:"seq"`
	Title     string            `json:"title,omitempty"`
	Text      string            `json:"text"`
	Vector    []float32         `json:"vector,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// RetrieveRequest 扁平检索请求
type RetrieveRequest struct {
	Query string   `json:"query"`
	TopK  int      `json:"top_k,omitempty"`
	KBIDs []string `json:"kb_ids,omitempty"`
	// 多租户（从 Scope 自动注入）
	TenantID string `json:"-"`
}

// ResultFragment 单条扁平检索结果
type ResultFragment struct {
	FragmentID string            `json:"fragment_id"`
	KBID       string            `json:"kb_id"`
	DocID      string            `json:"doc_id,omitempty"`
	Text       string            `json:"text"`
	Score      float64           `json:"score"`
	Title      string            `json:"title,omitempty"`
	Source     string            `json:"source,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RetrieveResult 扁平检索结果集
type RetrieveResult struct {
	Fragments []ResultFragment `json:"fragments"`
	ElapsedMs int64            `json:"elapsed_ms"`
}

// IngestRequest 文档入库请求
type IngestRequest struct {
	KBID     string            `json:"kb_id"`
	TenantID string            `json:"tenant_id"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IngestResult 入库结果
type IngestResult struct {
	DocID         string `json:"doc_id"`
	FragmentCount int    `json:"fragment_count"`
}
