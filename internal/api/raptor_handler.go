package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"treeweave/internal/domain/rag"
	"treeweave/internal/domain/raptor"
	applog "treeweave/internal/platform/log"
)

// RaptorHandler 树索引构建与检索 API
type RaptorHandler struct {
	store   rag.KBStore
	builder *raptor.Builder
	engine  *raptor.QueryEngine
}

// NewRaptorHandler 创建树索引处理器
func NewRaptorHandler(store rag.KBStore, builder *raptor.Builder, engine *raptor.QueryEngine) *RaptorHandler {
	return &RaptorHandler{
		store:   store,
		builder: builder,
		engine:  engine,
	}
}

// RegisterRoutes 注册树索引路由
func (h *RaptorHandler) RegisterRoutes(r chi.Router) {
	r.Route("/kbs/{kbID}/raptor", func(r chi.Router) {
		r.Post("/build", h.Build)
		r.Get("/status", h.Status)
		r.Delete("/", h.Delete)
	})

	// 树检索（collapsed / tree_traversal）
	r.Post("/retrieve", h.Retrieve)
}

// requireKB 校验知识库存在并返回 scope
func (h *RaptorHandler) requireKB(w http.ResponseWriter, r *http.Request) (*Scope, string, bool) {
	scope, ok := requireScope(w, r)
	if !ok {
		return nil, "", false
	}
	kbID := chi.URLParam(r, "kbID")

	if _, err := h.store.GetKB(r.Context(), scope.TenantID, kbID); err != nil {
		writeDomainError(w, err, "failed to get knowledge base")
		return nil, "", false
	}
	return scope, kbID, true
}

// Build 触发后台树构建
func (h *RaptorHandler) Build(w http.ResponseWriter, r *http.Request) {
	scope, kbID, ok := h.requireKB(w, r)
	if !ok {
		return
	}

	// chunked 请求的 ContentLength 为 -1，不能以此判断有没有 body；
	// 空 body 按默认配置处理
	var cfg raptor.BuildConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.builder.TriggerBuild(r.Context(), scope.TenantID, kbID, cfg)
	if err != nil {
		applog.Warn("[Raptor] Build trigger rejected", "kb_id", kbID, "error", err)
		writeDomainError(w, err, "failed to trigger build")
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// Status 查询索引状态
func (h *RaptorHandler) Status(w http.ResponseWriter, r *http.Request) {
	scope, kbID, ok := h.requireKB(w, r)
	if !ok {
		return
	}

	info, err := h.builder.Status(r.Context(), scope.TenantID, kbID)
	if err != nil {
		applog.Error("[Raptor] Status query failed", "kb_id", kbID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query index status")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Delete 删除整个树索引
func (h *RaptorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scope, kbID, ok := h.requireKB(w, r)
	if !ok {
		return
	}

	deleted, err := h.builder.Delete(r.Context(), scope.TenantID, kbID)
	if err != nil {
		applog.Error("[Raptor] Index deletion failed", "kb_id", kbID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete index")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted_nodes": deleted,
		"message":       "raptor index deleted",
	})
}

// Retrieve 树检索
func (h *RaptorHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req raptor.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(req.KBIDs) == 0 {
		writeError(w, http.StatusBadRequest, "kb_ids is required")
		return
	}
	req.TenantID = scope.TenantID

	result, err := h.engine.Retrieve(r.Context(), &req)
	if err != nil {
		applog.Error("[Raptor] Retrieve failed", "error", err)
		writeDomainError(w, err, "retrieve failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
