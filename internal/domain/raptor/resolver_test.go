package raptor

import (
	"context"
	"math"
	"testing"
)

func TestResolveLeavesDepthTwo(t *testing.T) {
	h := newQueryHarness()

	h.addLeaf("kb-1", "leaf-1", "frag-1", "mid-1", []float32{1, 0})
	h.addLeaf("kb-1", "leaf-2", "frag-2", "mid-1", []float32{1, 0})
	h.addLeaf("kb-1", "leaf-3", "frag-3", "mid-2", []float32{0, 1})
	h.addSummary("kb-1", "mid-1", 1, []string{"leaf-1", "leaf-2"}, []float32{1, 0})
	h.addSummary("kb-1", "mid-2", 1, []string{"leaf-3"}, []float32{0, 1})
	root := h.addSummary("kb-1", "root-1", 2, []string{"mid-1", "mid-2"}, []float32{1, 1})

	resolver := NewLeafResolver(h.store)
	leaves, err := resolver.ResolveLeaves(context.Background(), root)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(leaves) != 3 {
		t.Fatalf("expected 3 leaves, got %d", len(leaves))
	}
	for _, leaf := range leaves {
		if !leaf.IsLeaf() {
			t.Errorf("node %s is not a leaf", leaf.ID)
		}
	}
}

func TestResolveLeavesToleratesCycles(t *testing.T) {
	h := newQueryHarness()

	// a 与 b 互为子节点构成环，环外挂一个叶子
	h.addLeaf("kb-1", "leaf-1", "frag-1", "node-a", []float32{1, 0})
	a := h.addSummary("kb-1", "node-a", 2, []string{"node-b", "leaf-1"}, []float32{1, 0})
	h.addSummary("kb-1", "node-b", 1, []string{"node-a"}, []float32{1, 0})

	resolver := NewLeafResolver(h.store)
	leaves, err := resolver.ResolveLeaves(context.Background(), a)
	if err != nil {
		t.Fatalf("resolve must tolerate cycles, got error: %v", err)
	}
	if len(leaves) != 1 || leaves[0].ID != "leaf-1" {
		t.Fatalf("expected exactly leaf-1, got %d leaves", len(leaves))
	}
}

func TestResolveLeavesSkipsMissingChildren(t *testing.T) {
	h := newQueryHarness()

	h.addLeaf("kb-1", "leaf-1", "frag-1", "sum-1", []float32{1, 0})
	sum := h.addSummary("kb-1", "sum-1", 1, []string{"leaf-1", "ghost-node"}, []float32{1, 0})

	resolver := NewLeafResolver(h.store)
	leaves, err := resolver.ResolveLeaves(context.Background(), sum)
	if err != nil {
		t.Fatalf("missing child must not abort resolution: %v", err)
	}
	if len(leaves) != 1 {
		t.Fatalf("expected 1 leaf, got %d", len(leaves))
	}
}

func TestExpandToFragmentsDecayAndDedupe(t *testing.T) {
	h := newQueryHarness()

	leaf1 := h.addLeaf("kb-1", "leaf-1", "frag-1", "sum-1", []float32{1, 0})
	h.addLeaf("kb-1", "leaf-2", "frag-2", "sum-1", []float32{1, 0})
	sum := h.addSummary("kb-1", "sum-1", 1, []string{"leaf-1", "leaf-2"}, []float32{1, 0})

	resolver := NewLeafResolver(h.store)

	// 叶子直接命中在先，摘要展开在后：frag-1 保留直接命中的分数
	matches := []scoredNode{
		{node: leaf1, score: 0.95},
		{node: sum, score: 0.80},
	}
	results, err := resolver.ExpandToFragments(context.Background(), matches, ModeTreeTraversal, 0)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 deduped fragments, got %d", len(results))
	}

	byFragment := make(map[string]RetrievedFragment)
	for _, r := range results {
		byFragment[r.FragmentID] = r
	}

	direct := byFragment["frag-1"]
	if direct.Score != 0.95 {
		t.Errorf("direct leaf hit must keep its score, got %.2f", direct.Score)
	}
	if direct.RaptorExpandedFrom != "" {
		t.Errorf("direct leaf hit must not carry expanded_from, got %s", direct.RaptorExpandedFrom)
	}

	expanded := byFragment["frag-2"]
	want := 0.80 * leafExpansionDecay
	if math.Abs(expanded.Score-want) > 1e-9 {
		t.Errorf("expanded leaf expected decayed score %.2f, got %.2f", want, expanded.Score)
	}
	if expanded.RaptorExpandedFrom != "sum-1" {
		t.Errorf("expanded leaf must reference its summary, got %s", expanded.RaptorExpandedFrom)
	}
	if expanded.RaptorLevel != 0 || expanded.RaptorNodeID != "leaf-2" {
		t.Errorf("expanded result must describe the leaf, got level=%d node_id=%s",
			expanded.RaptorLevel, expanded.RaptorNodeID)
	}
}

func TestExpandToFragmentsLimit(t *testing.T) {
	h := newQueryHarness()

	h.addLeaf("kb-1", "leaf-1", "frag-1", "sum-1", []float32{1, 0})
	h.addLeaf("kb-1", "leaf-2", "frag-2", "sum-1", []float32{1, 0})
	h.addLeaf("kb-1", "leaf-3", "frag-3", "sum-1", []float32{1, 0})
	sum := h.addSummary("kb-1", "sum-1", 1, []string{"leaf-1", "leaf-2", "leaf-3"}, []float32{1, 0})

	resolver := NewLeafResolver(h.store)
	results, err := resolver.ExpandToFragments(context.Background(), []scoredNode{{node: sum, score: 0.9}}, ModeTreeTraversal, 2)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(results))
	}
}
