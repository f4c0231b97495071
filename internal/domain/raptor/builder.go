package raptor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"treeweave/internal/domain/rag"
	applog "treeweave/internal/platform/log"
)

const defaultEmbedBatchSize = 32

// Builder 索引构建器：负责逐层建树与状态机管理
type Builder struct {
	store      TreeStore
	vectors    VectorIndex
	embedder   rag.Embedder
	fragments  FragmentSupplier
	summarizer Summarizer
	lock       BuildLock
	tasks      *TaskManager

	defaults       BuildConfig
	embedBatchSize int
}

// NewBuilder 创建索引构建器
func NewBuilder(store TreeStore, vectors VectorIndex, embedder rag.Embedder, fragments FragmentSupplier, summarizer Summarizer, lock BuildLock) *Builder {
	return &Builder{
		store:          store,
		vectors:        vectors,
		embedder:       embedder,
		fragments:      fragments,
		summarizer:     summarizer,
		lock:           lock,
		tasks:          NewTaskManager(),
		embedBatchSize: defaultEmbedBatchSize,
	}
}

// Tasks 返回任务管理器
func (b *Builder) Tasks() *TaskManager {
	return b.tasks
}

// SetDefaults 设置构建请求省略字段时使用的默认参数（运维侧配置）
func (b *Builder) SetDefaults(cfg BuildConfig) {
	b.defaults = cfg
}

// ── 构建触发 ─────────────────────────────────────────────────

// normalizeConfig 校验并填充构建配置：请求省略的字段先取运维
// 默认值，再取内置默认值
func (b *Builder) normalizeConfig(cfg *BuildConfig) error {
	if cfg.MaxLayers == 0 {
		cfg.MaxLayers = b.defaults.MaxLayers
	}
	if cfg.MaxLayers == 0 {
		cfg.MaxLayers = 3
	}
	if cfg.MaxLayers < 1 || cfg.MaxLayers > 5 {
		return fmt.Errorf("%w: max_layers must be in [1, 5], got %d", ErrInvalidBuildConfig, cfg.MaxLayers)
	}
	if cfg.MinClusterSize == 0 {
		cfg.MinClusterSize = b.defaults.MinClusterSize
	}
	if cfg.MinClusterSize == 0 {
		cfg.MinClusterSize = 3
	}
	if cfg.MinClusterSize < 2 {
		return fmt.Errorf("%w: min_cluster_size must be >= 2, got %d", ErrInvalidBuildConfig, cfg.MinClusterSize)
	}
	if cfg.ClusterMethod == "" {
		cfg.ClusterMethod = b.defaults.ClusterMethod
	}
	if cfg.ClusterMethod == "" {
		cfg.ClusterMethod = "similarity"
	}
	return nil
}

// TriggerBuild 触发后台构建。调用方立即得到结果，从不阻塞在构建上。
// 同一 (tenant, kb) 的构建互斥通过原子锁保证，先占锁再检查存在性。
func (b *Builder) TriggerBuild(ctx context.Context, tenantID, kbID string, cfg BuildConfig) (*BuildResult, error) {
	if err := b.normalizeConfig(&cfg); err != nil {
		return nil, err
	}
	clusterer, err := GetClusterer(cfg.ClusterMethod)
	if err != nil {
		return nil, err
	}

	// 原子占锁，关闭 check-then-act 竞态
	acquired, err := b.lock.Acquire(ctx, tenantID, kbID)
	if err != nil {
		return nil, fmt.Errorf("acquire build lock: %w", err)
	}
	if !acquired {
		return nil, ErrBuildInProgress
	}

	release := func() {
		if err := b.lock.Release(context.Background(), tenantID, kbID); err != nil {
			applog.Warn("[Raptor/Builder] Failed to release build lock", "kb_id", kbID, "error", err)
		}
	}

	counts, err := b.store.CountByLevel(ctx, tenantID, kbID)
	if err != nil {
		release()
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	total := 0
	for _, c := range counts {
		total += c
	}

	if total > 0 && !cfg.ForceRebuild {
		release()
		return &BuildResult{
			Status:  BuildStatusAlreadyExists,
			Message: fmt.Sprintf("index already exists with %d nodes", total),
		}, nil
	}

	fragments, err := b.fragments.ListFragments(ctx, tenantID, kbID)
	if err != nil {
		release()
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	if len(fragments) == 0 {
		release()
		return nil, ErrNoFragments
	}

	taskID, buildCtx := b.tasks.Start(tenantID, kbID)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				applog.Error("[Raptor/Builder] Build panicked", "kb_id", kbID, "panic", r)
			}
			b.tasks.Finish(taskID)
			release()
		}()
		b.runBuild(buildCtx, tenantID, kbID, cfg, clusterer, fragments, total > 0)
	}()

	return &BuildResult{
		Status:  BuildStatusStarted,
		Message: fmt.Sprintf("build started over %d fragments", len(fragments)),
		TaskID:  taskID,
	}, nil
}

// ── 后台构建流程 ──────────────────────────────────────────────

// runBuild 逐层构建。每个 level 边界检查取消信号；单节点失败
// 只标记该节点，不中断兄弟节点。
func (b *Builder) runBuild(ctx context.Context, tenantID, kbID string, cfg BuildConfig, clusterer Clusterer, fragments []rag.Fragment, rebuild bool) {
	start := time.Now()

	// 强制重建：删除事务完全提交后才开始插入，
	// 并发读永远不会看到半删半建的树
	if rebuild {
		deleted, err := b.store.DeleteAll(ctx, tenantID, kbID)
		if err != nil {
			applog.Error("[Raptor/Builder] Force rebuild delete failed", "kb_id", kbID, "error", err)
			return
		}
		if err := b.vectors.DeleteKBVectors(ctx, tenantID, kbID); err != nil {
			applog.Warn("[Raptor/Builder] Failed to delete old vectors", "kb_id", kbID, "error", err)
		}
		applog.Info("[Raptor/Builder] Force rebuild: old index deleted", "kb_id", kbID, "deleted_nodes", deleted)
	}

	levelNodes, err := b.buildLeaves(ctx, tenantID, kbID, fragments)
	if err != nil {
		applog.Error("[Raptor/Builder] Leaf creation failed", "kb_id", kbID, "error", err)
		return
	}

	for level := 1; level < cfg.MaxLayers; level++ {
		// 取消信号在层边界生效
		if ctx.Err() != nil {
			applog.Warn("[Raptor/Builder] Build cancelled at level boundary", "kb_id", kbID, "level", level)
			return
		}

		if len(levelNodes) < cfg.MinClusterSize || len(levelNodes) == 1 {
			break
		}

		next, err := b.buildLevel(ctx, tenantID, kbID, level, levelNodes, cfg, clusterer)
		if err != nil {
			applog.Error("[Raptor/Builder] Level build failed", "kb_id", kbID, "level", level, "error", err)
			return
		}
		if len(next) == 0 {
			break
		}
		levelNodes = next

		// 收敛到单根即停止
		if len(levelNodes) == 1 {
			break
		}
	}

	status, err := b.store.AggregateStatus(ctx, tenantID, kbID)
	if err != nil {
		status = IndexStatusPartial
	}
	applog.Info("[Raptor/Builder] Build finished",
		"tenant_id", tenantID,
		"kb_id", kbID,
		"status", status,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

// buildLeaves 为每个碎片创建一个 level 0 节点并嵌入向量索引
func (b *Builder) buildLeaves(ctx context.Context, tenantID, kbID string, fragments []rag.Fragment) ([]*Node, error) {
	now := time.Now()
	nodes := make([]*Node, 0, len(fragments))
	for _, f := range fragments {
		meta := map[string]string{"doc_id": f.DocID}
		if f.Source != "" {
			meta["source"] = f.Source
		}
		nodes = append(nodes, &Node{
			ID:               uuid.New().String(),
			TenantID:         tenantID,
			KBID:             kbID,
			Level:            0,
			Text:             f.Text,
			SourceFragmentID: f.ID,
			IndexingStatus:   NodeStatusPending,
			Metadata:         meta,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	if err := b.store.UpsertNodes(ctx, nodes); err != nil {
		return nil, fmt.Errorf("upsert leaf nodes: %w", err)
	}

	indexed := b.embedAndIndex(ctx, nodes)
	applog.Info("[Raptor/Builder] Leaves created",
		"kb_id", kbID, "total", len(nodes), "indexed", len(indexed))
	return indexed, nil
}

// buildLevel 对上一层节点聚类并逐簇摘要，生成一层新节点
func (b *Builder) buildLevel(ctx context.Context, tenantID, kbID string, level int, prev []*Node, cfg BuildConfig, clusterer Clusterer) ([]*Node, error) {
	// 批量取回上一层向量，缺失向量的节点不参与聚类
	refs := make([]string, 0, len(prev))
	for _, n := range prev {
		if n.VectorRef != "" {
			refs = append(refs, n.VectorRef)
		}
	}
	fetched, err := b.vectors.FetchVectors(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("fetch level vectors: %w", err)
	}

	var members []*Node
	var memberVectors [][]float32
	for _, n := range prev {
		if v, ok := fetched[n.VectorRef]; ok {
			members = append(members, n)
			memberVectors = append(memberVectors, v)
		}
	}
	if len(members) < cfg.MinClusterSize {
		return nil, nil
	}

	clusters, err := clusterer.Cluster(memberVectors, cfg.MinClusterSize)
	if err != nil {
		return nil, fmt.Errorf("cluster level %d: %w", level, err)
	}
	// 上一层未再收敛，停止
	if len(clusters) >= len(members) {
		return nil, nil
	}

	now := time.Now()
	newNodes := make([]*Node, 0, len(clusters))
	for ci, cluster := range clusters {
		childIDs := make([]string, 0, len(cluster))
		texts := make([]string, 0, len(cluster))
		for _, idx := range cluster {
			childIDs = append(childIDs, members[idx].ID)
			texts = append(texts, members[idx].Text)
		}
		sort.Strings(childIDs)

		node := &Node{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			KBID:           kbID,
			Level:          level,
			ChildrenIDs:    childIDs,
			IndexingStatus: NodeStatusPending,
			Metadata: map[string]string{
				"cluster_id":     fmt.Sprintf("%d", ci),
				"cluster_size":   fmt.Sprintf("%d", len(cluster)),
				"cluster_method": cfg.ClusterMethod,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}

		// 单簇摘要失败只标记该节点，兄弟簇继续
		summary, err := b.summarizer.Summarize(ctx, texts)
		if err != nil {
			node.IndexingStatus = NodeStatusFailed
			node.IndexingError = err.Error()
			node.RetryCount = 1
			applog.Warn("[Raptor/Builder] Cluster summarization failed",
				"kb_id", kbID, "level", level, "cluster", ci, "error", err)
		} else {
			node.Text = summary
		}
		newNodes = append(newNodes, node)
	}

	if err := b.store.UpsertNodes(ctx, newNodes); err != nil {
		return nil, fmt.Errorf("upsert level %d nodes: %w", level, err)
	}

	// 回填子节点的 parent_id
	for _, n := range newNodes {
		childSet := make(map[string]bool, len(n.ChildrenIDs))
		for _, id := range n.ChildrenIDs {
			childSet[id] = true
		}
		for _, child := range members {
			if childSet[child.ID] {
				child.ParentID = n.ID
				child.UpdatedAt = time.Now()
			}
		}
	}
	if err := b.store.UpsertNodes(ctx, members); err != nil {
		return nil, fmt.Errorf("update parent ids: %w", err)
	}

	var pending []*Node
	for _, n := range newNodes {
		if n.IndexingStatus == NodeStatusPending {
			pending = append(pending, n)
		}
	}
	indexed := b.embedAndIndex(ctx, pending)

	applog.Info("[Raptor/Builder] Level built",
		"kb_id", kbID, "level", level,
		"clusters", len(clusters), "indexed", len(indexed))
	return indexed, nil
}

// embedAndIndex 分批嵌入节点文本并写入向量索引，返回成功 indexed 的节点。
// 失败只影响所在批次的节点，记录错误并递增 retry_count。
func (b *Builder) embedAndIndex(ctx context.Context, nodes []*Node) []*Node {
	var indexed []*Node

	for i := 0; i < len(nodes); i += b.embedBatchSize {
		end := i + b.embedBatchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[i:end]

		for _, n := range batch {
			n.IndexingStatus = NodeStatusIndexing
		}
		if err := b.store.UpsertNodes(ctx, batch); err != nil {
			applog.Warn("[Raptor/Builder] Failed to mark batch indexing", "error", err)
		}

		texts := make([]string, len(batch))
		for j, n := range batch {
			texts[j] = n.Text
		}

		vectors, err := b.embedder.Embed(ctx, texts)
		if err != nil {
			b.markBatchFailed(ctx, batch, fmt.Sprintf("embedding failed: %v", err))
			continue
		}

		for _, n := range batch {
			n.VectorRef = n.ID
		}
		if err := b.vectors.UpsertNodeVectors(ctx, batch, vectors); err != nil {
			b.markBatchFailed(ctx, batch, fmt.Sprintf("vector upsert failed: %v", err))
			continue
		}

		now := time.Now()
		for _, n := range batch {
			n.IndexingStatus = NodeStatusIndexed
			n.IndexingError = ""
			n.UpdatedAt = now
		}
		if err := b.store.UpsertNodes(ctx, batch); err != nil {
			// 向量已写入，不能让节点卡死在 indexing：逐节点补写状态，
			// 补写也失败的节点标记 failed，等待重建
			applog.Warn("[Raptor/Builder] Failed to mark batch indexed, retrying per node", "error", err)
			for _, n := range batch {
				if uerr := b.store.UpdateNodeStatus(ctx, n.TenantID, n.ID, NodeStatusIndexed, ""); uerr != nil {
					n.IndexingStatus = NodeStatusFailed
					if ferr := b.store.UpdateNodeStatus(ctx, n.TenantID, n.ID, NodeStatusFailed,
						fmt.Sprintf("mark indexed failed: %v", uerr)); ferr != nil {
						applog.Warn("[Raptor/Builder] Failed to record node failure", "node_id", n.ID, "error", ferr)
					}
					continue
				}
				indexed = append(indexed, n)
			}
			continue
		}
		indexed = append(indexed, batch...)
	}

	return indexed
}

// markBatchFailed 将一批节点标记为 failed
func (b *Builder) markBatchFailed(ctx context.Context, batch []*Node, msg string) {
	for _, n := range batch {
		n.IndexingStatus = NodeStatusFailed
		n.VectorRef = ""
		if err := b.store.UpdateNodeStatus(ctx, n.TenantID, n.ID, NodeStatusFailed, msg); err != nil {
			applog.Warn("[Raptor/Builder] Failed to record node failure", "node_id", n.ID, "error", err)
		}
	}
}

// ── 状态查询与删除 ────────────────────────────────────────────

// Status 返回 (tenant, kb) 的索引状态概览
func (b *Builder) Status(ctx context.Context, tenantID, kbID string) (*IndexStatusInfo, error) {
	counts, err := b.store.CountByLevel(ctx, tenantID, kbID)
	if err != nil {
		return nil, fmt.Errorf("count by level: %w", err)
	}

	info := &IndexStatusInfo{
		HasIndex:       len(counts) > 0,
		IndexingStatus: IndexStatusNone,
	}
	if len(counts) == 0 {
		return info, nil
	}

	levels := make([]int, 0, len(counts))
	for level := range counts {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	for _, level := range levels {
		c := counts[level]
		info.TotalNodes += c
		if level == 0 {
			info.LeafNodes = c
		} else {
			info.SummaryNodes += c
		}
		if level > info.MaxLevel {
			info.MaxLevel = level
		}
		info.NodesByLevel = append(info.NodesByLevel, LevelCount{Level: level, Count: c})
	}

	status, err := b.store.AggregateStatus(ctx, tenantID, kbID)
	if err != nil {
		return nil, fmt.Errorf("aggregate status: %w", err)
	}
	info.IndexingStatus = status

	lastBuild, err := b.store.LastBuildTime(ctx, tenantID, kbID)
	if err == nil {
		info.LastBuildTime = lastBuild
	}

	return info, nil
}

// Delete 删除 (tenant, kb) 的整个索引树，包括向量。
// 进行中的构建会收到取消信号（在下一个层边界生效）。
func (b *Builder) Delete(ctx context.Context, tenantID, kbID string) (int, error) {
	if b.tasks.CancelScope(tenantID, kbID) {
		applog.Info("[Raptor/Builder] In-flight build cancelled by delete", "kb_id", kbID)
	}

	deleted, err := b.store.DeleteAll(ctx, tenantID, kbID)
	if err != nil {
		return 0, fmt.Errorf("delete nodes: %w", err)
	}
	if err := b.vectors.DeleteKBVectors(ctx, tenantID, kbID); err != nil {
		applog.Warn("[Raptor/Builder] Failed to delete node vectors", "kb_id", kbID, "error", err)
	}

	applog.Info("[Raptor/Builder] Index deleted", "tenant_id", tenantID, "kb_id", kbID, "deleted_nodes", deleted)
	return deleted, nil
}
