package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	domainrag "treeweave/internal/domain/rag"
	applog "treeweave/internal/platform/log"
)

// Repository PostgreSQL 存储，承载租户、知识库、文档与碎片
type Repository struct {
	db *sql.DB
}

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// DB 返回底层连接（树存储共用）
func (r *Repository) DB() *sql.DB {
	return r.db
}

// EnsureTables 确保业务表存在
func (r *Repository) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tenants (
		id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		code       VARCHAR(64) NOT NULL UNIQUE,
		name       VARCHAR(255) NOT NULL,
		status     VARCHAR(32) NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS knowledge_bases (
		id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id   UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name        VARCHAR(255) NOT NULL,
		description TEXT DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_kbs_tenant ON knowledge_bases(tenant_id);

	CREATE TABLE IF NOT EXISTS documents (
		id             VARCHAR(64) PRIMARY KEY,
		tenant_id      UUID NOT NULL,
		kb_id          UUID NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
		title          VARCHAR(512) DEFAULT '',
		source         VARCHAR(512) DEFAULT '',
		fragment_count INT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_documents_scope ON documents(tenant_id, kb_id);

	CREATE TABLE IF NOT EXISTS fragments (
		id         VARCHAR(128) PRIMARY KEY,
		doc_id     VARCHAR(64) NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		tenant_id  UUID NOT NULL,
		kb_id      UUID NOT NULL,
		seq        INT NOT NULL DEFAULT 0,
		title      VARCHAR(512) DEFAULT '',
		text       TEXT NOT NULL,
		source     VARCHAR(512) DEFAULT '',
		metadata   JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_scope ON fragments(tenant_id, kb_id);
	CREATE INDEX IF NOT EXISTS idx_fragments_doc ON fragments(doc_id);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// ── 租户 ─────────────────────────────────────────────────────

// TenantExists 校验租户是否存在且处于 active 状态
func (r *Repository) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1 AND status = 'active')`,
		tenantID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check tenant: %w", err)
	}
	return exists, nil
}

// EnsureTenant 注册租户（幂等，开发环境引导用）
func (r *Repository) EnsureTenant(ctx context.Context, code, name string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO tenants(code, name) VALUES ($1, $2)
		 ON CONFLICT (code) DO UPDATE SET updated_at = NOW()
		 RETURNING id`,
		code, name,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ensure tenant: %w", err)
	}
	return id, nil
}

// ── 知识库 ────────────────────────────────────────────────────

// CreateKB 创建知识库
func (r *Repository) CreateKB(ctx context.Context, kb *domainrag.KnowledgeBase) error {
	now := time.Now()
	kb.CreatedAt = now
	kb.UpdatedAt = now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO knowledge_bases(tenant_id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		kb.TenantID, kb.Name, kb.Description, kb.CreatedAt, kb.UpdatedAt,
	).Scan(&kb.ID)
	if err != nil {
		if IsUniqueViolation(err) {
			return domainrag.ErrKBNameTaken
		}
		return fmt.Errorf("create kb: %w", err)
	}
	return nil
}

// GetKB 查询知识库
func (r *Repository) GetKB(ctx context.Context, tenantID, id string) (*domainrag.KnowledgeBase, error) {
	var kb domainrag.KnowledgeBase
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, description, created_at, updated_at
		 FROM knowledge_bases WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&kb.ID, &kb.TenantID, &kb.Name, &kb.Description, &kb.CreatedAt, &kb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainrag.ErrKBNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kb: %w", err)
	}
	return &kb, nil
}

// ListKBs 列出租户的知识库
func (r *Repository) ListKBs(ctx context.Context, tenantID string) ([]domainrag.KnowledgeBase, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, description, created_at, updated_at
		 FROM knowledge_bases WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list kbs: %w", err)
	}
	defer rows.Close()

	var kbs []domainrag.KnowledgeBase
	for rows.Next() {
		var kb domainrag.KnowledgeBase
		if err := rows.Scan(&kb.ID, &kb.TenantID, &kb.Name, &kb.Description, &kb.CreatedAt, &kb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan kb: %w", err)
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// DeleteKB 删除知识库，文档与碎片级联删除
func (r *Repository) DeleteKB(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM knowledge_bases WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("delete kb: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domainrag.ErrKBNotFound
	}
	applog.Info("[Storage] Knowledge base deleted", "kb_id", id, "tenant_id", tenantID)
	return nil
}

// ── 文档 ─────────────────────────────────────────────────────

// SaveDocument 保存文档记录
func (r *Repository) SaveDocument(ctx context.Context, doc *domainrag.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents(id, tenant_id, kb_id, title, source, fragment_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			source = EXCLUDED.source,
			fragment_count = EXCLUDED.fragment_count`,
		doc.ID, doc.TenantID, doc.KBID, doc.Title, doc.Source, doc.FragmentCount, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// GetDocument 查询文档
func (r *Repository) GetDocument(ctx context.Context, tenantID, id string) (*domainrag.Document, error) {
	var doc domainrag.Document
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, kb_id, title, source, fragment_count, created_at
		 FROM documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&doc.ID, &doc.TenantID, &doc.KBID, &doc.Title, &doc.Source, &doc.FragmentCount, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainrag.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// ListDocuments 列出知识库的文档
func (r *Repository) ListDocuments(ctx context.Context, tenantID, kbID string) ([]domainrag.Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_id, kb_id, title, source, fragment_count, created_at
		 FROM documents WHERE tenant_id = $1 AND kb_id = $2 ORDER BY created_at DESC`,
		tenantID, kbID,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []domainrag.Document
	for rows.Next() {
		var doc domainrag.Document
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.KBID, &doc.Title, &doc.Source, &doc.FragmentCount, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument 删除文档记录，碎片级联删除
func (r *Repository) DeleteDocument(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domainrag.ErrDocumentNotFound
	}
	return nil
}

// ── 碎片 ─────────────────────────────────────────────────────

// SaveFragments 批量保存碎片（单事务）
func (r *Repository) SaveFragments(ctx context.Context, fragments []domainrag.Fragment) error {
	if len(fragments) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fragments(id, doc_id, tenant_id, kb_id, seq, title, text, source, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			title = EXCLUDED.title,
			metadata = EXCLUDED.metadata`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range fragments {
		meta, err := marshalMetadata(f.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			f.ID, f.DocID, f.TenantID, f.KBID, f.Seq, f.Title, f.Text, f.Source, meta, f.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert fragment %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fragments: %w", err)
	}
	applog.Info("[Storage] Fragments saved", "count", len(fragments))
	return nil
}

// ListFragments 列出 (tenant, kb) 的全部碎片，按文档与序号排序
func (r *Repository) ListFragments(ctx context.Context, tenantID, kbID string) ([]domainrag.Fragment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, doc_id, tenant_id, kb_id, seq, title, text, source, metadata, created_at
		 FROM fragments WHERE tenant_id = $1 AND kb_id = $2
		 ORDER BY doc_id, seq`,
		tenantID, kbID,
	)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()
	return scanFragments(rows)
}

// GetFragments 按 id 批量查询碎片
func (r *Repository) GetFragments(ctx context.Context, tenantID string, ids []string) ([]domainrag.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, doc_id, tenant_id, kb_id, seq, title, text, source, metadata, created_at
		 FROM fragments WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("get fragments: %w", err)
	}
	defer rows.Close()
	return scanFragments(rows)
}

// DeleteFragmentsByDoc 删除文档的全部碎片，返回删除数
func (r *Repository) DeleteFragmentsByDoc(ctx context.Context, tenantID, docID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM fragments WHERE tenant_id = $1 AND doc_id = $2`,
		tenantID, docID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete fragments: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// CountFragments 统计 (tenant, kb) 的碎片数
func (r *Repository) CountFragments(ctx context.Context, tenantID, kbID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fragments WHERE tenant_id = $1 AND kb_id = $2`,
		tenantID, kbID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count fragments: %w", err)
	}
	return count, nil
}

// ── 辅助函数 ─────────────────────────────────────────────────

func scanFragments(rows *sql.Rows) ([]domainrag.Fragment, error) {
	var fragments []domainrag.Fragment
	for rows.Next() {
		var f domainrag.Fragment
		var meta sql.NullString
		if err := rows.Scan(&f.ID, &f.DocID, &f.TenantID, &f.KBID, &f.Seq, &f.Title, &f.Text, &f.Source, &meta, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &f.Metadata); err != nil {
				applog.Warn("[Storage] Failed to parse fragment metadata", "fragment_id", f.ID, "error", err)
			}
		}
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}

func marshalMetadata(meta map[string]string) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// IsUniqueViolation 判断是否为唯一约束冲突
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}
