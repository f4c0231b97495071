package raptor

import (
	"context"
	"fmt"
	"sync"
)

// ── 策略接口 ─────────────────────────────────────────────────

// Clusterer 聚类策略：输入一组向量，输出簇划分（成员下标）
type Clusterer interface {
	Name() string
	// Cluster 对向量集合分簇；每个簇至少 minClusterSize 个成员
	//（不足的簇并入最近的簇）
	Cluster(vectors [][]float32, minClusterSize int) ([][]int, error)
}

// Summarizer 摘要策略：输入一簇文本，输出摘要
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// ── Clusterer 注册表 ─────────────────────────────────────────

var (
	clustererMu       sync.RWMutex
	clustererRegistry = make(map[string]Clusterer)
)

// RegisterClusterer 注册聚类策略（按名称）
func RegisterClusterer(c Clusterer) {
	clustererMu.Lock()
	defer clustererMu.Unlock()
	clustererRegistry[c.Name()] = c
}

// GetClusterer 按名称获取聚类策略
func GetClusterer(name string) (Clusterer, error) {
	clustererMu.RLock()
	defer clustererMu.RUnlock()

	c, ok := clustererRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClusterMethod, name)
	}
	return c, nil
}

// ListClusterers 返回已注册的聚类策略名称
func ListClusterers() []string {
	clustererMu.RLock()
	defer clustererMu.RUnlock()

	names := make([]string, 0, len(clustererRegistry))
	for name := range clustererRegistry {
		names = append(names, name)
	}
	return names
}
