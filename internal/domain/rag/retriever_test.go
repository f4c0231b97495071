package rag

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// ── 内存版协作者 ─────────────────────────────────────────────

type stubSearchClient struct {
	mu       sync.Mutex
	lastReq  *RetrieveRequest
	result   *RetrieveResult
	knnCalls int
	err      error
}

func (c *stubSearchClient) Ping(context.Context) error               { return nil }
func (c *stubSearchClient) EnsureIndex(context.Context, int) error   { return nil }
func (c *stubSearchClient) BulkIndexFragments(context.Context, []Fragment) error {
	return nil
}
func (c *stubSearchClient) DeleteByDocID(context.Context, string, string) error { return nil }
func (c *stubSearchClient) DeleteByKB(context.Context, string, string) error    { return nil }

func (c *stubSearchClient) SearchKNN(_ context.Context, _ []float32, req *RetrieveRequest) (*RetrieveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knnCalls++
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	if c.result != nil {
		return c.result, nil
	}
	return &RetrieveResult{}, nil
}

type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (e *stubEmbedder) Dims() int { return 2 }

type stubCache struct {
	mu    sync.Mutex
	store map[string]*RetrieveResult
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string]*RetrieveResult)}
}

func (c *stubCache) key(req *RetrieveRequest) string {
	return req.TenantID + "|" + req.Query
}

func (c *stubCache) Get(_ context.Context, req *RetrieveRequest) (*RetrieveResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.store[c.key(req)]
	return r, ok
}

func (c *stubCache) Set(_ context.Context, req *RetrieveRequest, result *RetrieveResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[c.key(req)] = result
}

func (c *stubCache) InvalidateByKB(context.Context, string) {}

// ── Tests ───────────────────────────────────────────────────

func TestSearchAppliesDefaultTopK(t *testing.T) {
	client := &stubSearchClient{}
	retriever := NewRetriever(client, &stubEmbedder{}, &Config{DefaultTopK: 7})

	_, err := retriever.Search(context.Background(), &RetrieveRequest{Query: "hello", TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if client.lastReq.TopK != 7 {
		t.Errorf("expected default top_k=7, got %d", client.lastReq.TopK)
	}
}

func TestSearchCacheHitSkipsEmbedding(t *testing.T) {
	client := &stubSearchClient{}
	embedder := &stubEmbedder{}
	cache := newStubCache()

	retriever := NewRetriever(client, embedder, &Config{DefaultTopK: 5})
	retriever.SetCache(cache)

	req := &RetrieveRequest{Query: "cached question", TenantID: "tenant-1", TopK: 3}
	cached := &RetrieveResult{Fragments: []ResultFragment{{FragmentID: "frag-1", Score: 0.9}}}
	cache.Set(context.Background(), req, cached)

	result, err := retriever.Search(context.Background(), req)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if embedder.calls != 0 {
		t.Errorf("cache hit must skip embedding, got %d embed calls", embedder.calls)
	}
	if client.knnCalls != 0 {
		t.Errorf("cache hit must skip knn search, got %d calls", client.knnCalls)
	}
	if len(result.Fragments) != 1 || result.Fragments[0].FragmentID != "frag-1" {
		t.Errorf("expected cached fragments, got %+v", result.Fragments)
	}
}

func TestSearchEmbedFailure(t *testing.T) {
	client := &stubSearchClient{}
	retriever := NewRetriever(client, &stubEmbedder{err: errors.New("api down")}, &Config{DefaultTopK: 5})

	if _, err := retriever.Search(context.Background(), &RetrieveRequest{Query: "hello"}); err == nil {
		t.Fatal("expected embed failure to propagate")
	}
	if client.knnCalls != 0 {
		t.Error("knn must not run when embedding fails")
	}
}

func TestRetrieveFlattensResult(t *testing.T) {
	client := &stubSearchClient{
		result: &RetrieveResult{Fragments: []ResultFragment{
			{FragmentID: "frag-1", KBID: "kb-1", Score: 0.8},
			{FragmentID: "frag-2", KBID: "kb-1", Score: 0.6},
		}},
	}
	retriever := NewRetriever(client, &stubEmbedder{}, &Config{DefaultTopK: 5})

	fragments, err := retriever.Retrieve(context.Background(), "hello", "tenant-1", []string{"kb-1"}, 2)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(fragments))
	}
	if client.lastReq.TenantID != "tenant-1" || client.lastReq.TopK != 2 {
		t.Errorf("request scope not forwarded: %+v", client.lastReq)
	}
}
