package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"treeweave/internal/domain/raptor"
	applog "treeweave/internal/platform/log"
)

// nodeVectorDoc 树节点向量文档
type nodeVectorDoc struct {
	NodeID   string    `json:"node_id"`
	TenantID string    `json:"tenant_id"`
	KBID     string    `json:"kb_id"`
	Level    int       `json:"level"`
	Vector   []float32 `json:"vector"`
}

func (c *Client) ensureNodeIndex(ctx context.Context, dims int) error {
	exists, err := c.indexExists(ctx, c.nodeIndex)
	if err != nil {
		return fmt.Errorf("check node index existence: %w", err)
	}
	if exists {
		applog.Info("[Raptor] Node index already exists", "index", c.nodeIndex)
		return nil
	}

	settings := map[string]interface{}{
		"index.knn": true,
	}
	properties := map[string]interface{}{
		"node_id":   map[string]string{"type": "keyword"},
		"tenant_id": map[string]string{"type": "keyword"},
		"kb_id":     map[string]string{"type": "keyword"},
		"level":     map[string]string{"type": "integer"},
		"vector":    knnVectorMapping(dims),
	}
	return c.createIndex(ctx, c.nodeIndex, settings, properties)
}

// UpsertNodeVectors 批量写入树节点向量，_id 使用节点的 vector_ref
func (c *Client) UpsertNodeVectors(ctx context.Context, nodes []*raptor.Node, vectors [][]float32) error {
	if len(nodes) == 0 {
		return nil
	}
	if len(nodes) != len(vectors) {
		return fmt.Errorf("node/vector count mismatch: %d vs %d", len(nodes), len(vectors))
	}

	var buf bytes.Buffer
	for i, n := range nodes {
		action := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": c.nodeIndex,
				"_id":    n.VectorRef,
			},
		}
		actionLine, _ := json.Marshal(action)
		buf.Write(actionLine)
		buf.WriteByte('\n')

		docLine, _ := json.Marshal(nodeVectorDoc{
			NodeID:   n.ID,
			TenantID: n.TenantID,
			KBID:     n.KBID,
			Level:    n.Level,
			Vector:   vectors[i],
		})
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	if err := c.doBulk(ctx, &buf); err != nil {
		return fmt.Errorf("bulk upsert node vectors: %w", err)
	}

	applog.Debug("[Raptor] Node vectors upserted", "count", len(nodes))
	return nil
}

// FetchVectors 按 vector_ref 批量取回向量（_mget），缺失的 ref 不出现在结果中
func (c *Client) FetchVectors(ctx context.Context, refs []string) (map[string][]float32, error) {
	if len(refs) == 0 {
		return map[string][]float32{}, nil
	}

	reqBody := map[string]interface{}{
		"ids": refs,
	}
	body, _ := json.Marshal(reqBody)

	resp, err := c.doRequest(ctx, "POST", "/"+c.nodeIndex+"/_mget?_source=vector", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mget node vectors: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("mget failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var mgetResp struct {
		Docs []struct {
			ID     string `json:"_id"`
			Found  bool   `json:"found"`
			Source struct {
				Vector []float32 `json:"vector"`
			} `json:"_source"`
		} `json:"docs"`
	}
	if err := json.Unmarshal(respBody, &mgetResp); err != nil {
		return nil, fmt.Errorf("parse mget response: %w", err)
	}

	vectors := make(map[string][]float32, len(mgetResp.Docs))
	for _, doc := range mgetResp.Docs {
		if doc.Found && len(doc.Source.Vector) > 0 {
			vectors[doc.ID] = doc.Source.Vector
		}
	}
	return vectors, nil
}

// DeleteKBVectors 删除 (tenant, kb) 的全部节点向量
func (c *Client) DeleteKBVectors(ctx context.Context, tenantID, kbID string) error {
	return c.deleteByQuery(ctx, c.nodeIndex, []interface{}{
		map[string]interface{}{"term": map[string]string{"tenant_id": tenantID}},
		map[string]interface{}{"term": map[string]string{"kb_id": kbID}},
	})
}
