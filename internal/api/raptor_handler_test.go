package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"treeweave/internal/domain/rag"
)

// stubKBStore 所有知识库均存在的空实现
type stubKBStore struct{}

func (s *stubKBStore) CreateKB(_ context.Context, _ *rag.KnowledgeBase) error { return nil }
func (s *stubKBStore) GetKB(_ context.Context, tenantID, id string) (*rag.KnowledgeBase, error) {
	return &rag.KnowledgeBase{ID: id, TenantID: tenantID, Name: "kb"}, nil
}
func (s *stubKBStore) ListKBs(_ context.Context, _ string) ([]rag.KnowledgeBase, error) {
	return nil, nil
}
func (s *stubKBStore) DeleteKB(_ context.Context, _, _ string) error               { return nil }
func (s *stubKBStore) SaveDocument(_ context.Context, _ *rag.Document) error       { return nil }
func (s *stubKBStore) GetDocument(_ context.Context, _, _ string) (*rag.Document, error) {
	return nil, rag.ErrDocumentNotFound
}
func (s *stubKBStore) ListDocuments(_ context.Context, _, _ string) ([]rag.Document, error) {
	return nil, nil
}
func (s *stubKBStore) DeleteDocument(_ context.Context, _, _ string) error { return nil }

func TestBuildReadsChunkedBody(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.JWTSecret = "test-secret"
	tenants := &stubTenantStore{known: map[string]bool{"tenant-1": true}}
	handler := NewServer(cfg, tenants, &stubKBStore{}, nil, nil, nil, nil).Handler()

	token := signToken(t, "test-secret", jwt.MapClaims{
		"tenant_id": "tenant-1",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	// 包一层裸 Reader，httptest 不会设置 ContentLength（即 chunked 语义）
	body := struct{ io.Reader }{strings.NewReader("{not json")}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kbs/kb-1/raptor/build", body)
	req.Header.Set("Authorization", "Bearer "+token)
	if req.ContentLength != -1 {
		t.Fatalf("test setup: expected ContentLength -1, got %d", req.ContentLength)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	// ContentLength 为 -1 时 body 同样必须被读取和校验
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed chunked body, got %d (body: %s)", rr.Code, rr.Body.String())
	}
}
