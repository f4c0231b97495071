package raptor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"treeweave/internal/domain/rag"
)

type queryHarness struct {
	store    *fakeTreeStore
	vectors  *fakeVectorIndex
	embedder *fakeEmbedder
	base     *fakeBaseRetriever
	engine   *QueryEngine
}

func newQueryHarness() *queryHarness {
	h := &queryHarness{
		store:    newFakeTreeStore(),
		vectors:  newFakeVectorIndex(),
		embedder: newFakeEmbedder(),
		base:     &fakeBaseRetriever{},
	}
	h.engine = NewQueryEngine(h.store, h.vectors, h.embedder, h.base)
	return h
}

// addLeaf 添加一个 indexed 叶子节点并登记向量
func (h *queryHarness) addLeaf(kbID, id, fragmentID, parentID string, vec []float32) *Node {
	n := &Node{
		ID: id, TenantID: testTenant, KBID: kbID, Level: 0,
		Text:             "text of " + fragmentID,
		SourceFragmentID: fragmentID,
		ParentID:         parentID,
		VectorRef:        id,
		IndexingStatus:   NodeStatusIndexed,
		Metadata:         map[string]string{"doc_id": "doc-1"},
	}
	h.store.UpsertNode(context.Background(), n)
	h.vectors.set(id, vec)
	return n
}

// addSummary 添加一个 indexed 摘要节点并登记向量
func (h *queryHarness) addSummary(kbID, id string, level int, childIDs []string, vec []float32) *Node {
	n := &Node{
		ID: id, TenantID: testTenant, KBID: kbID, Level: level,
		Text:           "summary " + id,
		ChildrenIDs:    childIDs,
		VectorRef:      id,
		IndexingStatus: NodeStatusIndexed,
	}
	h.store.UpsertNode(context.Background(), n)
	h.vectors.set(id, vec)
	return n
}

func TestRetrieveCollapsedAnnotatesLeaves(t *testing.T) {
	h := newQueryHarness()

	// kb-1 有树，kb-2 没有
	h.addLeaf("kb-1", "leaf-1", "frag-1", "", []float32{1, 0})
	h.base.results = []rag.ResultFragment{
		{FragmentID: "frag-1", KBID: "kb-1", Text: "hello", Score: 0.9},
		{FragmentID: "frag-9", KBID: "kb-2", Text: "world", Score: 0.8},
	}

	result, err := h.engine.Retrieve(context.Background(), &QueryRequest{
		Query:    "hello",
		KBIDs:    []string{"kb-1", "kb-2"},
		TenantID: testTenant,
		Mode:     ModeCollapsed,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if result.Mode != ModeCollapsed {
		t.Fatalf("expected mode collapsed, got %s", result.Mode)
	}
	if len(result.Fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(result.Fragments))
	}

	first := result.Fragments[0]
	if first.Source != "raptor" {
		t.Errorf("expected source raptor, got %s", first.Source)
	}
	if first.RaptorNodeID != "leaf-1" || first.RaptorLevel != 0 {
		t.Errorf("expected leaf annotation, got node_id=%s level=%d", first.RaptorNodeID, first.RaptorLevel)
	}
	if first.RaptorFallback {
		t.Error("kb with tree must not carry fallback marker")
	}

	second := result.Fragments[1]
	if !second.RaptorFallback {
		t.Error("kb without tree must carry fallback marker")
	}
	if second.RaptorNodeID != "" {
		t.Errorf("unannotated fragment must not carry node_id, got %s", second.RaptorNodeID)
	}
}

func TestRetrieveDefaultsToCollapsed(t *testing.T) {
	h := newQueryHarness()

	result, err := h.engine.Retrieve(context.Background(), &QueryRequest{
		Query:    "anything",
		KBIDs:    []string{"kb-1"},
		TenantID: testTenant,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if result.Mode != ModeCollapsed {
		t.Errorf("empty mode must default to collapsed, got %s", result.Mode)
	}
}

func TestRetrieveUnknownMode(t *testing.T) {
	h := newQueryHarness()

	_, err := h.engine.Retrieve(context.Background(), &QueryRequest{
		Query:    "anything",
		KBIDs:    []string{"kb-1"},
		TenantID: testTenant,
		Mode:     "summit_first",
	})
	if !errors.Is(err, ErrUnknownRetrievalMode) {
		t.Fatalf("expected ErrUnknownRetrievalMode, got %v", err)
	}
}

func TestTreeTraversalNarrowsToLeaves(t *testing.T) {
	h := newQueryHarness()

	h.addLeaf("kb-1", "leaf-1", "frag-1", "sum-1", []float32{1, 0})
	h.addLeaf("kb-1", "leaf-2", "frag-2", "sum-1", []float32{0.9, 0.1})
	h.addLeaf("kb-1", "leaf-3", "frag-3", "sum-2", []float32{0, 1})
	h.addLeaf("kb-1", "leaf-4", "frag-4", "sum-2", []float32{0.1, 0.9})
	h.addSummary("kb-1", "sum-1", 1, []string{"leaf-1", "leaf-2"}, []float32{1, 0})
	h.addSummary("kb-1", "sum-2", 1, []string{"leaf-3", "leaf-4"}, []float32{0, 1})

	// 查询向量朝向第一组主题
	result, err := h.engine.Retrieve(context.Background(), &QueryRequest{
		Query:    "first topic",
		TopK:     2,
		KBIDs:    []string{"kb-1"},
		TenantID: testTenant,
		Mode:     ModeTreeTraversal,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if result.Mode != ModeTreeTraversal {
		t.Fatalf("expected mode tree_traversal, got %s", result.Mode)
	}
	if len(result.Fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(result.Fragments))
	}

	if result.Fragments[0].FragmentID != "frag-1" || result.Fragments[1].FragmentID != "frag-2" {
		t.Errorf("expected frag-1, frag-2 in score order, got %s, %s",
			result.Fragments[0].FragmentID, result.Fragments[1].FragmentID)
	}
	if result.Fragments[0].Score < result.Fragments[1].Score {
		t.Error("fragments must be sorted by score descending")
	}
	for _, f := range result.Fragments {
		if f.RaptorFallback {
			t.Errorf("fragment %s must not carry fallback marker", f.FragmentID)
		}
		if f.RaptorLevel != 0 {
			t.Errorf("fragment %s expected raptor_level=0, got %d", f.FragmentID, f.RaptorLevel)
		}
	}
}

func TestTreeTraversalShallowFallback(t *testing.T) {
	h := newQueryHarness()

	// 只有叶子层，树不足两层
	h.addLeaf("kb-1", "leaf-1", "frag-1", "", []float32{1, 0})
	h.base.results = []rag.ResultFragment{
		{FragmentID: "frag-1", KBID: "kb-1", Text: "hello", Score: 0.9},
	}

	result, err := h.engine.Retrieve(context.Background(), &QueryRequest{
		Query:    "hello",
		TopK:     3,
		KBIDs:    []string{"kb-1"},
		TenantID: testTenant,
		Mode:     ModeTreeTraversal,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(result.Fragments))
	}

	f := result.Fragments[0]
	if !f.RaptorFallback {
		t.Error("shallow kb must carry fallback marker")
	}
	if f.RaptorMode != ModeTreeTraversal {
		t.Errorf("fallback result must keep requested mode, got %s", f.RaptorMode)
	}
	if f.RaptorNodeID != "leaf-1" {
		t.Errorf("fallback result must still carry leaf annotation, got %s", f.RaptorNodeID)
	}
}

func TestTreeTraversalFallsBackWhenSummariesFailed(t *testing.T) {
	h := newQueryHarness()

	// 叶子都 indexed，但唯一的摘要层整层 failed：
	// 树对遍历不可用，必须回退而不是返回空结果
	h.addLeaf("kb-1", "leaf-1", "frag-1", "sum-1", []float32{1, 0})
	h.addLeaf("kb-1", "leaf-2", "frag-2", "sum-1", []float32{0.9, 0.1})
	broken := h.addSummary("kb-1", "sum-1", 1, []string{"leaf-1", "leaf-2"}, []float32{1, 0})
	broken.IndexingStatus = NodeStatusFailed
	h.store.UpsertNode(context.Background(), broken)

	h.base.results = []rag.ResultFragment{
		{FragmentID: "frag-1", KBID: "kb-1", Text: "hello", Score: 0.9},
	}

	result, err := h.engine.Retrieve(context.Background(), &QueryRequest{
		Query:    "hello",
		TopK:     3,
		KBIDs:    []string{"kb-1"},
		TenantID: testTenant,
		Mode:     ModeTreeTraversal,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Fragments) != 1 {
		t.Fatalf("kb with indexed leaves must still return results, got %d fragments", len(result.Fragments))
	}

	f := result.Fragments[0]
	if !f.RaptorFallback {
		t.Error("kb without usable summary level must carry fallback marker")
	}
	if f.RaptorMode != ModeTreeTraversal {
		t.Errorf("fallback result must keep requested mode, got %s", f.RaptorMode)
	}
	if f.RaptorNodeID != "leaf-1" {
		t.Errorf("fallback result must still carry leaf annotation, got %s", f.RaptorNodeID)
	}
}

func TestScoreAndSelectNeutralOnFetchFailure(t *testing.T) {
	h := newQueryHarness()
	h.vectors.fetchErr = errors.New("opensearch down")

	candidates := make([]*Node, 0, 4)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("node-%d", i)
		candidates = append(candidates, &Node{ID: id, VectorRef: id, IndexingStatus: NodeStatusIndexed})
	}

	selected := h.engine.scoreAndSelect(context.Background(), candidates, []float32{1, 0}, 3)
	if len(selected) != 3 {
		t.Fatalf("expected width to cap selection at 3, got %d", len(selected))
	}
	for _, s := range selected {
		if s.score != neutralSimilarity {
			t.Errorf("node %s expected neutral similarity %.1f, got %.2f", s.node.ID, neutralSimilarity, s.score)
		}
	}
	// 同分时按节点 ID 保证确定性
	if selected[0].node.ID != "node-0" || selected[1].node.ID != "node-1" {
		t.Errorf("tie-break must order by node id, got %s, %s", selected[0].node.ID, selected[1].node.ID)
	}
}

func TestTreeTraversalSkipsUnindexedNodes(t *testing.T) {
	h := newQueryHarness()

	h.addLeaf("kb-1", "leaf-1", "frag-1", "sum-1", []float32{1, 0})
	broken := h.addLeaf("kb-1", "leaf-2", "frag-2", "sum-1", []float32{1, 0})
	broken.IndexingStatus = NodeStatusFailed
	h.store.UpsertNode(context.Background(), broken)
	h.addSummary("kb-1", "sum-1", 1, []string{"leaf-1", "leaf-2"}, []float32{1, 0})

	result, err := h.engine.Retrieve(context.Background(), &QueryRequest{
		Query:    "first topic",
		TopK:     5,
		KBIDs:    []string{"kb-1"},
		TenantID: testTenant,
		Mode:     ModeTreeTraversal,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	for _, f := range result.Fragments {
		if f.FragmentID == "frag-2" {
			t.Error("failed node must not surface in traversal results")
		}
	}
}
