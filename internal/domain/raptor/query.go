package raptor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"treeweave/internal/domain/rag"
	applog "treeweave/internal/platform/log"
)

// neutralSimilarity 向量取回失败时使用的中性相似度
const neutralSimilarity = 0.5

// minCandidateWidth 每层候选集的最小宽度
const minCandidateWidth = 10

// scoredNode 带相似度分数的节点
type scoredNode struct {
	node  *Node
	score float64
}

// QueryRequest 树检索请求
type QueryRequest struct {
	Query    string        `json:"query"`
	TopK     int           `json:"top_k"`
	KBIDs    []string      `json:"kb_ids"`
	Mode     RetrievalMode `json:"mode"`
	TenantID string        `json:"-"`
}

// QueryResult 树检索结果
type QueryResult struct {
	Fragments []RetrievedFragment `json:"fragments"`
	Mode      RetrievalMode       `json:"mode"`
	ElapsedMs int64               `json:"elapsed_ms"`
}

// QueryEngine 树检索引擎：collapsed 平铺检索与 tree_traversal 逐层收窄检索
type QueryEngine struct {
	store    TreeStore
	vectors  VectorIndex
	embedder rag.Embedder
	base     BaseRetriever
	resolver *LeafResolver
}

// NewQueryEngine 创建检索引擎
func NewQueryEngine(store TreeStore, vectors VectorIndex, embedder rag.Embedder, base BaseRetriever) *QueryEngine {
	return &QueryEngine{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		base:     base,
		resolver: NewLeafResolver(store),
	}
}

// Retrieve 执行树检索
func (e *QueryEngine) Retrieve(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	start := time.Now()

	if req.TopK <= 0 {
		req.TopK = 5
	}
	if req.Mode == "" {
		req.Mode = ModeCollapsed
	}

	applog.Info("[Raptor] Retrieve",
		"query", req.Query,
		"mode", req.Mode,
		"top_k", req.TopK,
		"tenant_id", req.TenantID,
		"kb_ids", req.KBIDs,
	)

	var fragments []RetrievedFragment
	var err error

	switch req.Mode {
	case ModeCollapsed:
		fragments, err = e.retrieveCollapsed(ctx, req)
	case ModeTreeTraversal:
		fragments, err = e.retrieveTreeTraversal(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRetrievalMode, req.Mode)
	}
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Fragments: fragments,
		Mode:      req.Mode,
		ElapsedMs: time.Since(start).Milliseconds(),
	}, nil
}

// ── Collapsed 模式 ───────────────────────────────────────────

// retrieveCollapsed 平铺检索：直接走基础检索器，命中结果与叶子
// 节点交叉比对以附加层级信息；无树的 kb 打上 fallback 标记
func (e *QueryEngine) retrieveCollapsed(ctx context.Context, req *QueryRequest) ([]RetrievedFragment, error) {
	base, err := e.base.Retrieve(ctx, req.Query, req.TenantID, req.KBIDs, req.TopK)
	if err != nil {
		return nil, fmt.Errorf("base retrieve: %w", err)
	}

	// 每个 kb 建立 fragment_id → 叶子节点映射
	leafByFragment := make(map[string]*Node)
	kbHasTree := make(map[string]bool)
	levelZero := 0
	for _, kbID := range req.KBIDs {
		leaves, err := e.store.ListNodes(ctx, req.TenantID, kbID, NodeFilter{Level: &levelZero})
		if err != nil {
			applog.Warn("[Raptor] Failed to load leaf nodes for annotation", "kb_id", kbID, "error", err)
			continue
		}
		kbHasTree[kbID] = len(leaves) > 0
		for _, n := range leaves {
			if n.SourceFragmentID != "" {
				leafByFragment[n.SourceFragmentID] = n
			}
		}
	}

	results := make([]RetrievedFragment, 0, len(base))
	for _, f := range base {
		r := RetrievedFragment{
			FragmentID:     f.FragmentID,
			Text:           f.Text,
			Score:          f.Score,
			Metadata:       f.Metadata,
			KBID:           f.KBID,
			DocID:          f.DocID,
			Source:         "raptor",
			RaptorMode:     ModeCollapsed,
			RaptorFallback: !kbHasTree[f.KBID],
		}
		if node, ok := leafByFragment[f.FragmentID]; ok {
			r.RaptorLevel = node.Level
			r.RaptorNodeID = node.ID
		}
		results = append(results, r)
	}
	return results, nil
}

// ── Tree Traversal 模式 ──────────────────────────────────────

// retrieveTreeTraversal 自顶向下逐层收窄。树不足两层、或摘要层
// 没有任何 indexed 节点的 kb 回退为 collapsed 并打上 fallback 标记。
func (e *QueryEngine) retrieveTreeTraversal(ctx context.Context, req *QueryRequest) ([]RetrievedFragment, error) {
	// 区分可遍历与需回退的 kb。可遍历的判定基于可用节点：
	// 摘要层存在但全部 failed 的树对遍历不可用
	type topLayer struct {
		level int
		nodes []*Node
	}
	var traversable, shallow []string
	tops := make(map[string]topLayer)
	for _, kbID := range req.KBIDs {
		counts, err := e.store.CountByLevel(ctx, req.TenantID, kbID)
		if err != nil {
			return nil, fmt.Errorf("count by level: %w", err)
		}
		maxLevel := 0
		for level := range counts {
			if level > maxLevel {
				maxLevel = level
			}
		}
		nodes, level, err := e.usableTopLevel(ctx, req.TenantID, kbID, maxLevel)
		if err != nil {
			return nil, fmt.Errorf("find usable top level: %w", err)
		}
		if len(nodes) == 0 {
			shallow = append(shallow, kbID)
			continue
		}
		traversable = append(traversable, kbID)
		tops[kbID] = topLayer{level: level, nodes: nodes}
	}

	var results []RetrievedFragment

	// 过浅的 kb 走回退路径
	if len(shallow) > 0 {
		applog.Info("[Raptor] Tree too shallow, falling back to collapsed", "kb_ids", shallow)
		fallbackReq := &QueryRequest{
			Query:    req.Query,
			TopK:     req.TopK,
			KBIDs:    shallow,
			TenantID: req.TenantID,
		}
		fallback, err := e.retrieveCollapsed(ctx, fallbackReq)
		if err != nil {
			return nil, err
		}
		for i := range fallback {
			fallback[i].RaptorMode = ModeTreeTraversal
			fallback[i].RaptorFallback = true
		}
		results = append(results, fallback...)
	}

	if len(traversable) > 0 {
		vectors, err := e.embedder.Embed(ctx, []string{req.Query})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		queryVector := vectors[0]

		for _, kbID := range traversable {
			top := tops[kbID]
			kbResults, err := e.traverseKB(ctx, req.TenantID, kbID, queryVector, top.nodes, top.level, req.TopK)
			if err != nil {
				return nil, fmt.Errorf("traverse kb %s: %w", kbID, err)
			}
			results = append(results, kbResults...)
		}
	}

	sortFragments(results)
	if len(results) > req.TopK {
		results = results[:req.TopK]
	}
	return results, nil
}

// usableTopLevel 自顶向下找到第一个含 indexed 节点的摘要层并返回
// 该层节点。返回空切片表示没有可用的摘要层。
func (e *QueryEngine) usableTopLevel(ctx context.Context, tenantID, kbID string, maxLevel int) ([]*Node, int, error) {
	for level := maxLevel; level >= 1; level-- {
		nodes, err := e.store.ListNodes(ctx, tenantID, kbID, NodeFilter{
			Level:  &level,
			Status: NodeStatusIndexed,
		})
		if err != nil {
			return nil, 0, err
		}
		if len(nodes) > 0 {
			return nodes, level, nil
		}
	}
	return nil, 0, nil
}

// traverseKB 对单个 kb 执行自顶向下遍历，顶层节点由调用方给出
func (e *QueryEngine) traverseKB(ctx context.Context, tenantID, kbID string, queryVector []float32, top []*Node, topLevel, topK int) ([]RetrievedFragment, error) {
	width := 2 * topK
	if width < minCandidateWidth {
		width = minCandidateWidth
	}

	selected := e.scoreAndSelect(ctx, top, queryVector, width)

	// 逐层向下收窄候选集
	for level := topLevel - 1; level >= 0 && len(selected) > 0; level-- {
		parentIDs := make([]string, 0, len(selected))
		var childIDs []string
		for _, s := range selected {
			parentIDs = append(parentIDs, s.node.ID)
			childIDs = append(childIDs, s.node.ChildrenIDs...)
		}

		// 候选限定为已选节点的子节点：parent_id 指向已选集合，
		// 或（level 0 缺少父引用时）出现在已选节点的 children_ids 中
		byParent, err := e.store.ListNodes(ctx, tenantID, kbID, NodeFilter{
			Level:     &level,
			Status:    NodeStatusIndexed,
			ParentIDs: parentIDs,
		})
		if err != nil {
			return nil, err
		}

		next := make(map[string]*Node, len(byParent))
		for _, n := range byParent {
			next[n.ID] = n
		}
		if len(childIDs) > 0 {
			byID, err := e.store.ListNodes(ctx, tenantID, kbID, NodeFilter{
				Level:  &level,
				Status: NodeStatusIndexed,
				IDs:    childIDs,
			})
			if err != nil {
				return nil, err
			}
			for _, n := range byID {
				next[n.ID] = n
			}
		}

		if len(next) == 0 {
			// 没有子节点存活，保留上一层选集交给叶子解析器展开
			break
		}

		candidates := make([]*Node, 0, len(next))
		for _, n := range next {
			candidates = append(candidates, n)
		}
		selected = e.scoreAndSelect(ctx, candidates, queryVector, width)
	}

	return e.resolver.ExpandToFragments(ctx, selected, ModeTreeTraversal, topK)
}

// scoreAndSelect 对候选节点批量取向量、计算余弦相似度并保留前 width 个。
// 向量取回失败的节点使用中性相似度，不中断整体遍历。
func (e *QueryEngine) scoreAndSelect(ctx context.Context, candidates []*Node, queryVector []float32, width int) []scoredNode {
	if len(candidates) == 0 {
		return nil
	}

	refs := make([]string, 0, len(candidates))
	for _, n := range candidates {
		if n.VectorRef != "" {
			refs = append(refs, n.VectorRef)
		}
	}

	fetched, err := e.vectors.FetchVectors(ctx, refs)
	if err != nil {
		applog.Warn("[Raptor] Vector fetch failed, using neutral similarity", "count", len(refs), "error", err)
		fetched = nil
	}

	scored := make([]scoredNode, 0, len(candidates))
	for _, n := range candidates {
		score := neutralSimilarity
		if v, ok := fetched[n.VectorRef]; ok {
			score = cosineSimilarity(queryVector, v)
		}
		scored = append(scored, scoredNode{node: n, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].node.ID < scored[j].node.ID
	})

	if len(scored) > width {
		scored = scored[:width]
	}
	return scored
}

// sortFragments 按分数降序排序，同分按 fragment_id 保证确定性
func sortFragments(fragments []RetrievedFragment) {
	sort.SliceStable(fragments, func(i, j int) bool {
		if fragments[i].Score != fragments[j].Score {
			return fragments[i].Score > fragments[j].Score
		}
		return fragments[i].FragmentID < fragments[j].FragmentID
	})
}
