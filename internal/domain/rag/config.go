package rag

// Config 检索模块配置
type Config struct {
	// OpenSearch 连接
	OpenSearchURL      string `json:"opensearch_url"`
	OpenSearchUsername string `json:"opensearch_username"`
	OpenSearchPassword string `json:"opensearch_password"`
	IndexPrefix        string `json:"index_prefix"`

	// 检索配置
	DefaultTopK int `json:"default_top_k"`

	// Embedding
	EmbeddingModel              string `json:"embedding_model,omitempty"`
	EmbeddingDims               int    `json:"embedding_dims,omitempty"`
	EmbeddingBatchSize          int    `json:"embedding_batch_size,omitempty"`
	EmbeddingHTTPTimeoutSeconds int    `json:"embedding_http_timeout_seconds,omitempty"`

	// Chunker 配置
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`

	// 缓存配置
	CacheTTL    int `json:"cache_ttl"`     // 缓存 TTL（秒），0=禁用
	MaxFileSize int `json:"max_file_size"` // 最大文件大小（MB）
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		OpenSearchURL: "https://localhost:9200",
		IndexPrefix:   "treeweave",
		DefaultTopK:   5,
		EmbeddingDims: 768,
		ChunkSize:     512,
		ChunkOverlap:  128,
		CacheTTL:      300, // 5分钟
		MaxFileSize:   50,  // 50MB
	}
}

// FragmentIndexName 返回 Fragment 向量索引名称
func (c *Config) FragmentIndexName() string {
	return c.IndexPrefix + "_fragment_index"
}

// HasEmbedding 是否配置了 Embedding
func (c *Config) HasEmbedding() bool {
	return c.EmbeddingModel != ""
}

// HasCache 是否启用缓存
func (c *Config) HasCache() bool {
	return c.CacheTTL > 0
}
