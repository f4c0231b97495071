package raptor

import (
	"math"
	"reflect"
	"testing"
)

// twoTopicVectors 两组方向分离的向量：前 n 个朝向 x 轴，后 n 个朝向 y 轴
func twoTopicVectors(n int) [][]float32 {
	var vectors [][]float32
	for i := 0; i < n; i++ {
		vectors = append(vectors, []float32{1, float32(i) * 0.01})
	}
	for i := 0; i < n; i++ {
		vectors = append(vectors, []float32{float32(i) * 0.01, 1})
	}
	return vectors
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity(%v, %v) = %.4f, want %.4f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSimilarityClustererGroupsByTopic(t *testing.T) {
	c := &SimilarityClusterer{Threshold: 0.75}
	vectors := twoTopicVectors(3)

	clusters, err := c.Cluster(vectors, 3)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}

	want := [][]int{{0, 1, 2}, {3, 4, 5}}
	if !reflect.DeepEqual(clusters, want) {
		t.Errorf("expected clusters %v, got %v", want, clusters)
	}
}

func TestSimilarityClustererEmptyInput(t *testing.T) {
	c := &SimilarityClusterer{Threshold: 0.75}
	if _, err := c.Cluster(nil, 2); err == nil {
		t.Fatal("expected error on empty input")
	}
}

func TestKMeansClustererGroupsByTopic(t *testing.T) {
	c := &KMeansClusterer{MaxIterations: 20}
	vectors := twoTopicVectors(4)

	clusters, err := c.Cluster(vectors, 4)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	for _, cl := range clusters {
		if len(cl) != 4 {
			t.Errorf("expected cluster of 4, got %v", cl)
		}
	}
}

func TestKMeansClustererDeterministic(t *testing.T) {
	c := &KMeansClusterer{MaxIterations: 20}
	vectors := twoTopicVectors(5)

	first, err := c.Cluster(vectors, 3)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	second, err := c.Cluster(vectors, 3)
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("kmeans must be deterministic: %v vs %v", first, second)
	}
}

func TestMergeSmallClustersIntoNearest(t *testing.T) {
	vectors := [][]float32{
		{1, 0}, {1, 0.01}, {1, 0.02}, // 合格簇，朝向 x 轴
		{0, 1}, {0.01, 1}, {0.02, 1}, // 合格簇，朝向 y 轴
		{0.9, 0.1}, // 孤立点，靠近 x 轴簇
	}
	clusters := [][]int{{0, 1, 2}, {3, 4, 5}, {6}}

	merged := mergeSmallClusters(clusters, vectors, 3)
	if len(merged) != 2 {
		t.Fatalf("expected 2 clusters after merge, got %d", len(merged))
	}

	want := [][]int{{0, 1, 2, 6}, {3, 4, 5}}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("expected %v, got %v", want, merged)
	}
}

func TestMergeSmallClustersAllUndersized(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}, {1, 1}, {0.5, 0.5}}
	clusters := [][]int{{0, 1}, {2, 3}}

	merged := mergeSmallClusters(clusters, vectors, 3)
	if len(merged) != 1 {
		t.Fatalf("expected single merged cluster, got %d", len(merged))
	}
	if !reflect.DeepEqual(merged[0], []int{0, 1, 2, 3}) {
		t.Errorf("expected all members merged in order, got %v", merged[0])
	}
}

func TestGetClusterer(t *testing.T) {
	for _, name := range []string{"similarity", "kmeans"} {
		c, err := GetClusterer(name)
		if err != nil {
			t.Fatalf("expected builtin clusterer %q: %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("expected name %q, got %q", name, c.Name())
		}
	}

	if _, err := GetClusterer("hdbscan"); err == nil {
		t.Fatal("expected error for unknown clusterer")
	}
}
