package raptor

import (
	"context"

	applog "treeweave/internal/platform/log"
)

// leafExpansionDecay 摘要节点展开为叶子时的分数衰减因子
const leafExpansionDecay = 0.9

// LeafResolver 将摘要节点展开为其 level 0 后代叶子
type LeafResolver struct {
	store TreeStore
}

// NewLeafResolver 创建叶子解析器
func NewLeafResolver(store TreeStore) *LeafResolver {
	return &LeafResolver{store: store}
}

// ResolveLeaves 迭代下钻 children_ids 收集 level 0 后代。
// 使用 visited 集合容忍环状或畸形图，永不无限递归。
func (r *LeafResolver) ResolveLeaves(ctx context.Context, node *Node) ([]*Node, error) {
	if node.IsLeaf() {
		return []*Node{node}, nil
	}

	var leaves []*Node
	visited := map[string]bool{node.ID: true}
	stack := append([]string(nil), node.ChildrenIDs...)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[id] {
			continue
		}
		visited[id] = true

		child, err := r.store.GetNode(ctx, node.TenantID, node.KBID, id)
		if err != nil {
			// 缺失的子节点跳过，不中断整体展开
			applog.Warn("[Raptor/Resolver] Child node missing", "node_id", id, "error", err)
			continue
		}

		if child.IsLeaf() {
			leaves = append(leaves, child)
			continue
		}
		stack = append(stack, child.ChildrenIDs...)
	}

	return leaves, nil
}

// ExpandToFragments 将一组命中节点转为检索结果：
// 叶子直接透传；摘要节点展开为叶子，分数乘以衰减因子，
// 按 fragment_id 去重（先出现者保留）。
func (r *LeafResolver) ExpandToFragments(ctx context.Context, matches []scoredNode, mode RetrievalMode, limit int) ([]RetrievedFragment, error) {
	seen := make(map[string]bool)
	var results []RetrievedFragment

	appendLeaf := func(leaf *Node, score float64, expandedFrom string) {
		if leaf.SourceFragmentID == "" || seen[leaf.SourceFragmentID] {
			return
		}
		seen[leaf.SourceFragmentID] = true
		results = append(results, RetrievedFragment{
			FragmentID:         leaf.SourceFragmentID,
			Text:               leaf.Text,
			Score:              score,
			Metadata:           leaf.Metadata,
			KBID:               leaf.KBID,
			DocID:              leaf.Metadata["doc_id"],
			Source:             "raptor",
			RaptorMode:         mode,
			RaptorLevel:        0,
			RaptorNodeID:       leaf.ID,
			RaptorExpandedFrom: expandedFrom,
		})
	}

	for _, m := range matches {
		if m.node.IsLeaf() {
			appendLeaf(m.node, m.score, "")
			continue
		}

		leaves, err := r.ResolveLeaves(ctx, m.node)
		if err != nil {
			return nil, err
		}
		for _, leaf := range leaves {
			appendLeaf(leaf, m.score*leafExpansionDecay, m.node.ID)
		}
	}

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
