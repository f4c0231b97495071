package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domainrag "treeweave/internal/domain/rag"
	applog "treeweave/internal/platform/log"
)

// Client OpenSearch HTTP 客户端。
// 同时承载碎片索引（平铺 kNN 检索）与树节点向量索引。
type Client struct {
	baseURL       string
	username      string
	password      string
	httpClient    *http.Client
	fragmentIndex string
	nodeIndex     string
}

// NewClient 创建 OpenSearch 客户端
func NewClient(cfg *domainrag.Config) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // 开发环境
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.OpenSearchURL, "/"),
		username: cfg.OpenSearchUsername,
		password: cfg.OpenSearchPassword,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		fragmentIndex: cfg.FragmentIndexName(),
		nodeIndex:     cfg.IndexPrefix + "_node_index",
	}
}

// EnsureIndex 确保碎片索引与节点向量索引存在，如不存在则创建
func (c *Client) EnsureIndex(ctx context.Context, dims int) error {
	if err := c.ensureFragmentIndex(ctx, dims); err != nil {
		return err
	}
	return c.ensureNodeIndex(ctx, dims)
}

func (c *Client) ensureFragmentIndex(ctx context.Context, dims int) error {
	exists, err := c.indexExists(ctx, c.fragmentIndex)
	if err != nil {
		return fmt.Errorf("check index existence: %w", err)
	}
	if exists {
		applog.Info("[RAG] Index already exists", "index", c.fragmentIndex)
		return nil
	}

	settings := map[string]interface{}{
		"index.knn": true,
		"analysis": map[string]interface{}{
			"analyzer": map[string]interface{}{
				"ik_max": map[string]interface{}{
					"type":      "custom",
					"tokenizer": "ik_max_word",
				},
			},
		},
	}

	properties := map[string]interface{}{
		"id":          map[string]string{"type": "keyword"},
		"doc_id":      map[string]string{"type": "keyword"},
		"kb_id":       map[string]string{"type": "keyword"},
		"tenant_id":   map[string]string{"type": "keyword"},
		"seq":         map[string]string{"type": "integer"},
		"title": map[string]string{
			"type":     "text",
			"analyzer": "ik_max",
		},
		"text": map[string]string{
			"type":     "text",
			"analyzer": "ik_max",
		},
		"source":     map[string]string{"type": "keyword"},
		"created_at": map[string]string{"type": "date"},
		"vector":     knnVectorMapping(dims),
	}

	return c.createIndex(ctx, c.fragmentIndex, settings, properties)
}

func knnVectorMapping(dims int) map[string]interface{} {
	return map[string]interface{}{
		"type":      "knn_vector",
		"dimension": dims,
		"method": map[string]interface{}{
			"name":       "hnsw",
			"space_type": "cosinesimil",
			"engine":     "lucene",
		},
	}
}

func (c *Client) indexExists(ctx context.Context, index string) (bool, error) {
	resp, err := c.doRequest(ctx, "HEAD", "/"+index, nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == 200, nil
}

func (c *Client) createIndex(ctx context.Context, index string, settings, properties map[string]interface{}) error {
	mapping := map[string]interface{}{
		"settings": settings,
		"mappings": map[string]interface{}{
			"properties": properties,
		},
	}

	body, _ := json.Marshal(mapping)
	resp, err := c.doRequest(ctx, "PUT", "/"+index, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create index failed (%d): %s", resp.StatusCode, string(respBody))
	}

	applog.Info("[RAG] Index created", "index", index)
	return nil
}

// BulkIndexFragments 批量写入碎片文档
func (c *Client) BulkIndexFragments(ctx context.Context, fragments []domainrag.Fragment) error {
	if len(fragments) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, f := range fragments {
		action := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": c.fragmentIndex,
				"_id":    f.ID,
			},
		}
		actionLine, _ := json.Marshal(action)
		buf.Write(actionLine)
		buf.WriteByte('\n')

		docLine, _ := json.Marshal(f)
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	if err := c.doBulk(ctx, &buf); err != nil {
		return fmt.Errorf("bulk index fragments: %w", err)
	}

	applog.Info("[RAG] Fragments bulk indexed", "count", len(fragments))
	return nil
}

// SearchKNN kNN 向量检索碎片
func (c *Client) SearchKNN(ctx context.Context, vector []float32, req *domainrag.RetrieveRequest) (*domainrag.RetrieveResult, error) {
	start := time.Now()

	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}

	var filters []interface{}
	if req.TenantID != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]string{"tenant_id": req.TenantID},
		})
	}
	if len(req.KBIDs) > 0 {
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{"kb_id": req.KBIDs},
		})
	}

	knnQuery := map[string]interface{}{
		"vector": map[string]interface{}{
			"vector": vector,
			"k":      topK,
		},
	}
	if len(filters) > 0 {
		knnQuery["vector"].(map[string]interface{})["filter"] = map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": filters,
			},
		}
	}

	query := map[string]interface{}{
		"size": topK,
		"query": map[string]interface{}{
			"knn": knnQuery,
		},
	}

	body, _ := json.Marshal(query)
	resp, err := c.doRequest(ctx, "POST", "/"+c.fragmentIndex+"/_search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("search failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var osResp struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Score  float64         `json:"_score"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &osResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	var results []domainrag.ResultFragment
	for _, hit := range osResp.Hits.Hits {
		var src domainrag.Fragment
		if err := json.Unmarshal(hit.Source, &src); err != nil {
			applog.Warn("[RAG] Failed to parse hit source", "id", hit.ID, "error", err)
			continue
		}

		results = append(results, domainrag.ResultFragment{
			FragmentID: src.ID,
			KBID:       src.KBID,
			DocID:      src.DocID,
			Text:       src.Text,
			Score:      hit.Score,
			Title:      src.Title,
			Source:     src.Source,
			Metadata:   src.Metadata,
		})
	}

	return &domainrag.RetrieveResult{
		Fragments: results,
		ElapsedMs: time.Since(start).Milliseconds(),
	}, nil
}

// DeleteByDocID 按 doc_id 删除碎片文档
func (c *Client) DeleteByDocID(ctx context.Context, tenantID, docID string) error {
	return c.deleteByQuery(ctx, c.fragmentIndex, []interface{}{
		map[string]interface{}{"term": map[string]string{"tenant_id": tenantID}},
		map[string]interface{}{"term": map[string]string{"doc_id": docID}},
	})
}

// DeleteByKB 按 kb_id 删除碎片文档
func (c *Client) DeleteByKB(ctx context.Context, tenantID, kbID string) error {
	return c.deleteByQuery(ctx, c.fragmentIndex, []interface{}{
		map[string]interface{}{"term": map[string]string{"tenant_id": tenantID}},
		map[string]interface{}{"term": map[string]string{"kb_id": kbID}},
	})
}

// deleteByQuery 按条件删除（bool filter 组合）
func (c *Client) deleteByQuery(ctx context.Context, index string, filters []interface{}) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": filters,
			},
		},
	}
	body, _ := json.Marshal(query)

	resp, err := c.doRequest(ctx, "POST", "/"+index+"/_delete_by_query", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("delete by query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete failed (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// doBulk 执行 _bulk 请求
func (c *Client) doBulk(ctx context.Context, buf *bytes.Buffer) error {
	resp, err := c.doRequest(ctx, "POST", "/_bulk", buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bulk failed (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Ping 检查 OpenSearch 连通性
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "GET", "/", nil)
	if err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("opensearch returned status %d", resp.StatusCode)
	}
	return nil
}

// doRequest 执行 HTTP 请求
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	return c.httpClient.Do(req)
}
