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

	"treeweave/internal/domain/raptor"
	applog "treeweave/internal/platform/log"
)

// TreeStore raptor 树节点的 PostgreSQL 存储
type TreeStore struct {
	db *sql.DB
}

// NewTreeStore 创建树节点存储
func NewTreeStore(db *sql.DB) *TreeStore {
	return &TreeStore{db: db}
}

// EnsureTable 确保 raptor_nodes 表存在
func (s *TreeStore) EnsureTable(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS raptor_nodes (
		id                 VARCHAR(64) PRIMARY KEY,
		tenant_id          UUID NOT NULL,
		kb_id              UUID NOT NULL,
		level              INT NOT NULL DEFAULT 0,
		text               TEXT NOT NULL DEFAULT '',
		source_fragment_id VARCHAR(128) DEFAULT '',
		parent_id          VARCHAR(64) DEFAULT '',
		children_ids       JSONB NOT NULL DEFAULT '[]',
		vector_ref         VARCHAR(64) DEFAULT '',
		indexing_status    VARCHAR(32) NOT NULL DEFAULT 'pending',
		indexing_error     TEXT DEFAULT '',
		retry_count        INT NOT NULL DEFAULT 0,
		metadata           JSONB,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_raptor_nodes_scope ON raptor_nodes(tenant_id, kb_id);
	CREATE INDEX IF NOT EXISTS idx_raptor_nodes_kb_level ON raptor_nodes(kb_id, level);
	CREATE INDEX IF NOT EXISTS idx_raptor_nodes_parent ON raptor_nodes(parent_id);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

const nodeColumns = `id, tenant_id, kb_id, level, text, source_fragment_id, parent_id,
	children_ids, vector_ref, indexing_status, indexing_error, retry_count, metadata,
	created_at, updated_at`

// GetNode 查询单节点
func (s *TreeStore) GetNode(ctx context.Context, tenantID, kbID, id string) (*raptor.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM raptor_nodes
		 WHERE tenant_id = $1 AND kb_id = $2 AND id = $3`,
		tenantID, kbID, id,
	)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, raptor.ErrNodeNotFound
	}
	return node, err
}

// ListNodes 按过滤条件列出节点
func (s *TreeStore) ListNodes(ctx context.Context, tenantID, kbID string, filter raptor.NodeFilter) ([]*raptor.Node, error) {
	conds := []string{"tenant_id = $1", "kb_id = $2"}
	args := []interface{}{tenantID, kbID}

	if filter.Level != nil {
		args = append(args, *filter.Level)
		conds = append(conds, fmt.Sprintf("level = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("indexing_status = $%d", len(args)))
	}
	if len(filter.ParentIDs) > 0 {
		args = append(args, pq.Array(filter.ParentIDs))
		conds = append(conds, fmt.Sprintf("parent_id = ANY($%d)", len(args)))
	}
	if len(filter.IDs) > 0 {
		args = append(args, pq.Array(filter.IDs))
		conds = append(conds, fmt.Sprintf("id = ANY($%d)", len(args)))
	}

	query := `SELECT ` + nodeColumns + ` FROM raptor_nodes WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY level, created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*raptor.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// CountByLevel 各层节点计数
func (s *TreeStore) CountByLevel(ctx context.Context, tenantID, kbID string) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, COUNT(*) FROM raptor_nodes
		 WHERE tenant_id = $1 AND kb_id = $2 GROUP BY level`,
		tenantID, kbID,
	)
	if err != nil {
		return nil, fmt.Errorf("count by level: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var level, count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("scan level count: %w", err)
		}
		counts[level] = count
	}
	return counts, rows.Err()
}

// UpsertNode 写入单节点
func (s *TreeStore) UpsertNode(ctx context.Context, node *raptor.Node) error {
	return s.UpsertNodes(ctx, []*raptor.Node{node})
}

// UpsertNodes 批量写入节点（单事务）
func (s *TreeStore) UpsertNodes(ctx context.Context, nodes []*raptor.Node) error {
	if len(nodes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raptor_nodes(`+nodeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			parent_id = EXCLUDED.parent_id,
			children_ids = EXCLUDED.children_ids,
			vector_ref = EXCLUDED.vector_ref,
			indexing_status = EXCLUDED.indexing_status,
			indexing_error = EXCLUDED.indexing_error,
			retry_count = EXCLUDED.retry_count,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		children, err := json.Marshal(childrenOrEmpty(n.ChildrenIDs))
		if err != nil {
			return fmt.Errorf("marshal children_ids: %w", err)
		}
		meta, err := marshalMetadata(n.Metadata)
		if err != nil {
			return err
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now()
		}
		if n.UpdatedAt.IsZero() {
			n.UpdatedAt = n.CreatedAt
		}

		if _, err := stmt.ExecContext(ctx,
			n.ID, n.TenantID, n.KBID, n.Level, n.Text, n.SourceFragmentID, n.ParentID,
			string(children), n.VectorRef, string(n.IndexingStatus), n.IndexingError,
			n.RetryCount, meta, n.CreatedAt, n.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert node %s: %w", n.ID, err)
		}
	}

	return tx.Commit()
}

// UpdateNodeStatus 原子更新节点状态；置为 failed 时递增 retry_count
func (s *TreeStore) UpdateNodeStatus(ctx context.Context, tenantID, id string, status raptor.NodeStatus, indexingError string) error {
	retryDelta := 0
	if status == raptor.NodeStatusFailed {
		retryDelta = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE raptor_nodes SET
			indexing_status = $1,
			indexing_error = $2,
			retry_count = retry_count + $3,
			updated_at = NOW()
		 WHERE tenant_id = $4 AND id = $5`,
		string(status), indexingError, retryDelta, tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("update node status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return raptor.ErrNodeNotFound
	}
	return nil
}

// DeleteAll 删除 (tenant, kb) 的全部节点，返回删除数。
// 单事务执行，提交后对并发读全量可见。
func (s *TreeStore) DeleteAll(ctx context.Context, tenantID, kbID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM raptor_nodes WHERE tenant_id = $1 AND kb_id = $2`,
		tenantID, kbID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete nodes: %w", err)
	}
	affected, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}

	applog.Info("[Storage] Raptor nodes deleted", "tenant_id", tenantID, "kb_id", kbID, "count", affected)
	return int(affected), nil
}

// AggregateStatus 聚合 (tenant, kb) 的索引状态
func (s *TreeStore) AggregateStatus(ctx context.Context, tenantID, kbID string) (raptor.IndexStatus, error) {
	var total, indexing, failed, indexed int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE indexing_status = 'indexing'),
			COUNT(*) FILTER (WHERE indexing_status = 'failed'),
			COUNT(*) FILTER (WHERE indexing_status = 'indexed')
		 FROM raptor_nodes WHERE tenant_id = $1 AND kb_id = $2`,
		tenantID, kbID,
	).Scan(&total, &indexing, &failed, &indexed)
	if err != nil {
		return "", fmt.Errorf("aggregate status: %w", err)
	}

	switch {
	case total == 0:
		return raptor.IndexStatusNone, nil
	case indexing > 0:
		return raptor.IndexStatusBuilding, nil
	case failed > 0:
		return raptor.IndexStatusError, nil
	case indexed == total:
		return raptor.IndexStatusIndexed, nil
	default:
		return raptor.IndexStatusPartial, nil
	}
}

// LastBuildTime 最近一次构建时间（节点最大 created_at）
func (s *TreeStore) LastBuildTime(ctx context.Context, tenantID, kbID string) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM raptor_nodes WHERE tenant_id = $1 AND kb_id = $2`,
		tenantID, kbID,
	).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("last build time: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// ── 辅助函数 ─────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*raptor.Node, error) {
	var n raptor.Node
	var children string
	var meta sql.NullString
	var status string

	err := row.Scan(
		&n.ID, &n.TenantID, &n.KBID, &n.Level, &n.Text, &n.SourceFragmentID, &n.ParentID,
		&children, &n.VectorRef, &status, &n.IndexingError, &n.RetryCount, &meta,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.IndexingStatus = raptor.NodeStatus(status)
	if children != "" && children != "[]" {
		if err := json.Unmarshal([]byte(children), &n.ChildrenIDs); err != nil {
			return nil, fmt.Errorf("parse children_ids of %s: %w", n.ID, err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &n.Metadata); err != nil {
			applog.Warn("[Storage] Failed to parse node metadata", "node_id", n.ID, "error", err)
		}
	}
	return &n, nil
}

func childrenOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
