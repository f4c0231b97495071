package raptor

import "errors"

var (
	// ErrNodeNotFound 节点不存在
	ErrNodeNotFound = errors.New("raptor node not found")
	// ErrNoFragments 知识库无可索引碎片
	ErrNoFragments = errors.New("no fragments to index")
	// ErrBuildInProgress 同一 (tenant, kb) 已有构建在执行
	ErrBuildInProgress = errors.New("a build is already in progress for this knowledge base")
	// ErrInvalidBuildConfig 构建配置非法
	ErrInvalidBuildConfig = errors.New("invalid build config")
	// ErrUnknownClusterMethod 未注册的聚类策略
	ErrUnknownClusterMethod = errors.New("unknown cluster method")
	// ErrUnknownRetrievalMode 未知检索模式
	ErrUnknownRetrievalMode = errors.New("unknown retrieval mode")
)
