package raptor

import (
	"fmt"
	"math"
	"sort"
)

func init() {
	RegisterClusterer(&SimilarityClusterer{Threshold: 0.75})
	RegisterClusterer(&KMeansClusterer{MaxIterations: 20})
}

// ── 余弦相似度 ────────────────────────────────────────────────

// cosineSimilarity 计算两个向量的余弦相似度，非法输入返回 0
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ── Similarity 聚类（贪心阈值法）──────────────────────────────

// SimilarityClusterer 贪心相似度聚类：按序扫描，与已有簇心相似度
// 超过阈值则并入，否则开新簇
type SimilarityClusterer struct {
	Threshold float64
}

func (c *SimilarityClusterer) Name() string { return "similarity" }

func (c *SimilarityClusterer) Cluster(vectors [][]float32, minClusterSize int) ([][]int, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no vectors to cluster")
	}
	if minClusterSize < 2 {
		minClusterSize = 2
	}

	type cluster struct {
		members  []int
		centroid []float64
	}

	var clusters []*cluster
	for i, v := range vectors {
		best := -1
		bestSim := c.Threshold
		for j, cl := range clusters {
			sim := cosineSimilarityF64(v, cl.centroid)
			if sim >= bestSim {
				best = j
				bestSim = sim
			}
		}
		if best >= 0 {
			cl := clusters[best]
			cl.members = append(cl.members, i)
			updateCentroid(cl.centroid, v, len(cl.members))
		} else {
			clusters = append(clusters, &cluster{
				members:  []int{i},
				centroid: toFloat64(v),
			})
		}
	}

	assignments := make([][]int, 0, len(clusters))
	for _, cl := range clusters {
		assignments = append(assignments, cl.members)
	}
	return mergeSmallClusters(assignments, vectors, minClusterSize), nil
}

// ── K-Means 聚类 ─────────────────────────────────────────────

// KMeansClusterer 标准 K-Means，k = ceil(n / minClusterSize) 且至多 n/2
type KMeansClusterer struct {
	MaxIterations int
}

func (c *KMeansClusterer) Name() string { return "kmeans" }

func (c *KMeansClusterer) Cluster(vectors [][]float32, minClusterSize int) ([][]int, error) {
	n := len(vectors)
	if n == 0 {
		return nil, fmt.Errorf("no vectors to cluster")
	}
	if minClusterSize < 2 {
		minClusterSize = 2
	}

	k := (n + minClusterSize - 1) / minClusterSize
	if k > n/2 {
		k = n / 2
	}
	if k < 1 {
		k = 1
	}

	maxIter := c.MaxIterations
	if maxIter <= 0 {
		maxIter = 20
	}

	// 确定性初始化：等距取样作为初始簇心
	centroids := make([][]float64, k)
	for i := 0; i < k; i++ {
		centroids[i] = toFloat64(vectors[i*n/k])
	}

	assign := make([]int, n)
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, v := range vectors {
			best := 0
			bestSim := math.Inf(-1)
			for j, c := range centroids {
				sim := cosineSimilarityF64(v, c)
				if sim > bestSim {
					bestSim = sim
					best = j
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		// 重算簇心
		counts := make([]int, k)
		dims := len(centroids[0])
		sums := make([][]float64, k)
		for j := range sums {
			sums[j] = make([]float64, dims)
		}
		for i, v := range vectors {
			j := assign[i]
			counts[j]++
			for d := range v {
				sums[j][d] += float64(v[d])
			}
		}
		for j := range centroids {
			if counts[j] == 0 {
				continue
			}
			for d := range centroids[j] {
				centroids[j][d] = sums[j][d] / float64(counts[j])
			}
		}
	}

	buckets := make([][]int, k)
	for i, j := range assign {
		buckets[j] = append(buckets[j], i)
	}
	var clusters [][]int
	for _, b := range buckets {
		if len(b) > 0 {
			clusters = append(clusters, b)
		}
	}
	return mergeSmallClusters(clusters, vectors, minClusterSize), nil
}

// ── 辅助函数 ─────────────────────────────────────────────────

// mergeSmallClusters 将小于 minClusterSize 的簇并入簇心最近的合格簇；
// 全部簇都不合格时合并为一个簇
func mergeSmallClusters(clusters [][]int, vectors [][]float32, minClusterSize int) [][]int {
	if len(clusters) <= 1 {
		return clusters
	}

	centroid := func(members []int) []float64 {
		c := make([]float64, len(vectors[0]))
		for _, i := range members {
			for d, v := range vectors[i] {
				c[d] += float64(v)
			}
		}
		for d := range c {
			c[d] /= float64(len(members))
		}
		return c
	}

	var large, small [][]int
	for _, cl := range clusters {
		if len(cl) >= minClusterSize {
			large = append(large, cl)
		} else {
			small = append(small, cl)
		}
	}

	if len(large) == 0 {
		// 无合格簇，全部合并为一簇
		var all []int
		for _, cl := range clusters {
			all = append(all, cl...)
		}
		sort.Ints(all)
		return [][]int{all}
	}

	largeCentroids := make([][]float64, len(large))
	for i, cl := range large {
		largeCentroids[i] = centroid(cl)
	}

	for _, cl := range small {
		c := centroid(cl)
		best := 0
		bestSim := math.Inf(-1)
		for j, lc := range largeCentroids {
			sim := cosineF64F64(c, lc)
			if sim > bestSim {
				bestSim = sim
				best = j
			}
		}
		large[best] = append(large[best], cl...)
	}

	for _, cl := range large {
		sort.Ints(cl)
	}
	return large
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = float64(v[i])
	}
	return out
}

// updateCentroid 增量更新簇心（新成员计入后的均值）
func updateCentroid(centroid []float64, v []float32, n int) {
	for d := range centroid {
		centroid[d] += (float64(v[d]) - centroid[d]) / float64(n)
	}
}

func cosineSimilarityF64(a []float32, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * b[i]
		normA += float64(a[i]) * float64(a[i])
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cosineF64F64(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
