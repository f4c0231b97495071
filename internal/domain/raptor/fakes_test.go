package raptor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"treeweave/internal/domain/rag"
)

// ── 内存版 TreeStore ─────────────────────────────────────────

type fakeTreeStore struct {
	mu         sync.Mutex
	nodes      map[string]*Node
	upsertHook func(*Node) error // 非 nil 时在每次 upsert 前调用，可注入失败
}

func newFakeTreeStore() *fakeTreeStore {
	return &fakeTreeStore{nodes: make(map[string]*Node)}
}

func (s *fakeTreeStore) GetNode(_ context.Context, tenantID, kbID, id string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.TenantID != tenantID || n.KBID != kbID {
		return nil, ErrNodeNotFound
	}
	return n, nil
}

func (s *fakeTreeStore) ListNodes(_ context.Context, tenantID, kbID string, filter NodeFilter) ([]*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentSet := make(map[string]bool, len(filter.ParentIDs))
	for _, id := range filter.ParentIDs {
		parentSet[id] = true
	}
	idSet := make(map[string]bool, len(filter.IDs))
	for _, id := range filter.IDs {
		idSet[id] = true
	}

	var out []*Node
	for _, n := range s.nodes {
		if n.TenantID != tenantID || n.KBID != kbID {
			continue
		}
		if filter.Level != nil && n.Level != *filter.Level {
			continue
		}
		if filter.Status != "" && n.IndexingStatus != filter.Status {
			continue
		}
		if len(filter.ParentIDs) > 0 && !parentSet[n.ParentID] {
			continue
		}
		if len(filter.IDs) > 0 && !idSet[n.ID] {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fakeTreeStore) CountByLevel(_ context.Context, tenantID, kbID string) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int]int)
	for _, n := range s.nodes {
		if n.TenantID == tenantID && n.KBID == kbID {
			counts[n.Level]++
		}
	}
	return counts, nil
}

func (s *fakeTreeStore) UpsertNode(_ context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertHook != nil {
		if err := s.upsertHook(node); err != nil {
			return err
		}
	}
	s.nodes[node.ID] = node
	return nil
}

func (s *fakeTreeStore) UpsertNodes(ctx context.Context, nodes []*Node) error {
	for _, n := range nodes {
		if err := s.UpsertNode(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeTreeStore) UpdateNodeStatus(_ context.Context, tenantID, id string, status NodeStatus, indexingError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.TenantID != tenantID {
		return ErrNodeNotFound
	}
	n.IndexingStatus = status
	n.IndexingError = indexingError
	if status == NodeStatusFailed {
		n.RetryCount++
	}
	return nil
}

func (s *fakeTreeStore) DeleteAll(_ context.Context, tenantID, kbID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, n := range s.nodes {
		if n.TenantID == tenantID && n.KBID == kbID {
			delete(s.nodes, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *fakeTreeStore) AggregateStatus(_ context.Context, tenantID, kbID string) (IndexStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, indexing, failed, indexed := 0, 0, 0, 0
	for _, n := range s.nodes {
		if n.TenantID != tenantID || n.KBID != kbID {
			continue
		}
		total++
		switch n.IndexingStatus {
		case NodeStatusIndexing:
			indexing++
		case NodeStatusFailed:
			failed++
		case NodeStatusIndexed:
			indexed++
		}
	}
	switch {
	case total == 0:
		return IndexStatusNone, nil
	case indexing > 0:
		return IndexStatusBuilding, nil
	case failed > 0:
		return IndexStatusError, nil
	case indexed == total:
		return IndexStatusIndexed, nil
	default:
		return IndexStatusPartial, nil
	}
}

func (s *fakeTreeStore) LastBuildTime(_ context.Context, tenantID, kbID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *time.Time
	for _, n := range s.nodes {
		if n.TenantID != tenantID || n.KBID != kbID {
			continue
		}
		t := n.CreatedAt
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}

// ── 内存版 VectorIndex ───────────────────────────────────────

type fakeVectorIndex struct {
	mu        sync.Mutex
	vectors   map[string][]float32
	upsertErr error
	fetchErr  error
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{vectors: make(map[string][]float32)}
}

func (v *fakeVectorIndex) UpsertNodeVectors(_ context.Context, nodes []*Node, vectors [][]float32) error {
	if v.upsertErr != nil {
		return v.upsertErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, n := range nodes {
		v.vectors[n.VectorRef] = vectors[i]
	}
	return nil
}

func (v *fakeVectorIndex) FetchVectors(_ context.Context, refs []string) (map[string][]float32, error) {
	if v.fetchErr != nil {
		return nil, v.fetchErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string][]float32, len(refs))
	for _, ref := range refs {
		if vec, ok := v.vectors[ref]; ok {
			out[ref] = vec
		}
	}
	return out, nil
}

func (v *fakeVectorIndex) DeleteKBVectors(_ context.Context, _, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors = make(map[string][]float32)
	return nil
}

func (v *fakeVectorIndex) set(ref string, vec []float32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors[ref] = vec
}

// ── 内存版 Embedder ──────────────────────────────────────────

// fakeEmbedder 按文本查表返回向量，未登记的文本使用默认向量
type fakeEmbedder struct {
	byText  map[string][]float32
	defVec  []float32
	err     error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		byText: make(map[string][]float32),
		defVec: []float32{1, 0},
	}
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.byText[t]; ok {
			out[i] = v
		} else {
			out[i] = e.defVec
		}
	}
	return out, nil
}

func (e *fakeEmbedder) Dims() int { return len(e.defVec) }

// ── 内存版 Summarizer / BaseRetriever / Lock / Fragments ─────

type fakeSummarizer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *fakeSummarizer) Summarize(_ context.Context, texts []string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("summary of %d chunks", len(texts)), nil
}

type fakeBaseRetriever struct {
	results []rag.ResultFragment
	err     error
}

func (r *fakeBaseRetriever) Retrieve(_ context.Context, _, _ string, _ []string, _ int) ([]rag.ResultFragment, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.results, nil
}

type fakeBuildLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeBuildLock() *fakeBuildLock {
	return &fakeBuildLock{held: make(map[string]bool)}
}

func (l *fakeBuildLock) Acquire(_ context.Context, tenantID, kbID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tenantID + ":" + kbID
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeBuildLock) Release(_ context.Context, tenantID, kbID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, tenantID+":"+kbID)
	return nil
}

func (l *fakeBuildLock) isHeld(tenantID, kbID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[tenantID+":"+kbID]
}

type fakeFragmentSupplier struct {
	fragments []rag.Fragment
}

func (f *fakeFragmentSupplier) ListFragments(_ context.Context, _, _ string) ([]rag.Fragment, error) {
	return f.fragments, nil
}
