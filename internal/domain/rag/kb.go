package rag

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKBNotFound 知识库不存在
	ErrKBNotFound = errors.New("knowledge base not found")
	// ErrDocumentNotFound 文档不存在
	ErrDocumentNotFound = errors.New("document not found")
	// ErrTenantNotFound 租户不存在
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrKBNameTaken 同租户下知识库重名
	ErrKBNameTaken = errors.New("knowledge base name already taken")
)

// KnowledgeBase 知识库
type KnowledgeBase struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Document 已入库文档
type Document struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	KBID          string    `json:"kb_id"`
	Title         string    `json:"title"`
	Source        string    `json:"source,omitempty"`
	FragmentCount int       `json:"fragment_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// KBStore 知识库与文档持久化接口
type KBStore interface {
	CreateKB(ctx context.Context, kb *KnowledgeBase) error
	GetKB(ctx context.Context, tenantID, id string) (*KnowledgeBase, error)
	ListKBs(ctx context.Context, tenantID string) ([]KnowledgeBase, error)
	// DeleteKB 删除知识库及其文档、碎片（级联）
	DeleteKB(ctx context.Context, tenantID, id string) error

	SaveDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, tenantID, id string) (*Document, error)
	ListDocuments(ctx context.Context, tenantID, kbID string) ([]Document, error)
	DeleteDocument(ctx context.Context, tenantID, id string) error
}

// TenantStore 租户校验接口（鉴权中间件使用）
type TenantStore interface {
	TenantExists(ctx context.Context, tenantID string) (bool, error)
}
