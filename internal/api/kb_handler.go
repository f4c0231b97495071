package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"treeweave/internal/domain/rag"
	"treeweave/internal/domain/raptor"
	applog "treeweave/internal/platform/log"
)

// KBHandler 知识库与文档管理 API
type KBHandler struct {
	store     rag.KBStore
	ingestor  *rag.Ingestor
	retriever *rag.Retriever
	builder   *raptor.Builder // 知识库删除时级联清理树
	maxFileMB int
}

// NewKBHandler 创建知识库处理器
func NewKBHandler(store rag.KBStore, ingestor *rag.Ingestor, retriever *rag.Retriever, builder *raptor.Builder, maxFileMB int) *KBHandler {
	if maxFileMB <= 0 {
		maxFileMB = 50
	}
	return &KBHandler{
		store:     store,
		ingestor:  ingestor,
		retriever: retriever,
		builder:   builder,
		maxFileMB: maxFileMB,
	}
}

// RegisterRoutes 注册知识库路由
func (h *KBHandler) RegisterRoutes(r chi.Router) {
	r.Route("/kbs", func(r chi.Router) {
		r.Post("/", h.CreateKB)
		r.Get("/", h.ListKBs)
		r.Get("/{kbID}", h.GetKB)
		r.Delete("/{kbID}", h.DeleteKB)

		// 文档管理
		r.Route("/{kbID}/documents", func(r chi.Router) {
			r.Post("/", h.IngestDocument)
			r.Post("/upload", h.UploadDocument)
			r.Get("/", h.ListDocuments)
			r.Delete("/{docID}", h.DeleteDocument)
		})
	})

	// 基础平铺检索
	r.Post("/search", h.Search)
}

func requireScope(w http.ResponseWriter, r *http.Request) (*Scope, bool) {
	scope, ok := ScopeFromContext(r.Context())
	if !ok || scope.TenantID == "" {
		writeError(w, http.StatusForbidden, "missing tenant scope")
		return nil, false
	}
	return scope, true
}

// ── 知识库 CRUD ──────────────────────────────────────────────

func (h *KBHandler) CreateKB(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var kb rag.KnowledgeBase
	if err := json.NewDecoder(r.Body).Decode(&kb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if kb.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	kb.TenantID = scope.TenantID

	if err := h.store.CreateKB(r.Context(), &kb); err != nil {
		applog.Error("[API] Failed to create kb", "error", err)
		writeDomainError(w, err, "failed to create knowledge base")
		return
	}
	writeJSON(w, http.StatusCreated, kb)
}

func (h *KBHandler) ListKBs(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	kbs, err := h.store.ListKBs(r.Context(), scope.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list knowledge bases")
		return
	}
	writeJSON(w, http.StatusOK, kbs)
}

func (h *KBHandler) GetKB(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	kb, err := h.store.GetKB(r.Context(), scope.TenantID, chi.URLParam(r, "kbID"))
	if err != nil {
		writeDomainError(w, err, "failed to get knowledge base")
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

// DeleteKB 删除知识库：树索引、向量、文档、碎片一并清理
func (h *KBHandler) DeleteKB(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	kbID := chi.URLParam(r, "kbID")

	if _, err := h.store.GetKB(r.Context(), scope.TenantID, kbID); err != nil {
		writeDomainError(w, err, "failed to get knowledge base")
		return
	}

	// 先清树，再清文档与碎片
	if h.builder != nil {
		if _, err := h.builder.Delete(r.Context(), scope.TenantID, kbID); err != nil {
			applog.Warn("[API] Failed to delete raptor index during kb deletion", "kb_id", kbID, "error", err)
		}
	}
	if err := h.store.DeleteKB(r.Context(), scope.TenantID, kbID); err != nil {
		writeDomainError(w, err, "failed to delete knowledge base")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "knowledge base deleted"})
}

// ── 文档管理 ─────────────────────────────────────────────────

func (h *KBHandler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	kbID := chi.URLParam(r, "kbID")

	var req rag.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	req.TenantID = scope.TenantID
	req.KBID = kbID

	h.doIngest(w, r, &req)
}

// UploadDocument 文件上传入库（multipart/form-data）
func (h *KBHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	kbID := chi.URLParam(r, "kbID")

	maxBytes := int64(h.maxFileMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file too large (max %dMB)", h.maxFileMB))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	parser, err := h.ingestor.Parsers().Get(header.Filename)
	if err != nil {
		writeDomainError(w, err, "failed to select parser")
		return
	}

	parsed, err := parser.Parse(file, header.Filename)
	if err != nil {
		applog.Error("[API] Failed to parse uploaded file", "filename", header.Filename, "error", err)
		writeError(w, http.StatusUnprocessableEntity, "failed to parse file")
		return
	}
	if parsed.Content == "" {
		writeError(w, http.StatusUnprocessableEntity, "no text content extracted from file")
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = parsed.Metadata["title"]
	}
	if title == "" {
		title = header.Filename
	}

	req := &rag.IngestRequest{
		TenantID: scope.TenantID,
		KBID:     kbID,
		Title:    title,
		Content:  parsed.Content,
		Source:   filepath.Base(header.Filename),
		Metadata: parsed.Metadata,
	}
	h.doIngest(w, r, req)
}

func (h *KBHandler) doIngest(w http.ResponseWriter, r *http.Request, req *rag.IngestRequest) {
	// 知识库必须存在
	if _, err := h.store.GetKB(r.Context(), req.TenantID, req.KBID); err != nil {
		writeDomainError(w, err, "failed to get knowledge base")
		return
	}

	result, err := h.ingestor.IngestDocument(r.Context(), req)
	if err != nil {
		applog.Error("[API] Document ingest failed", "kb_id", req.KBID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to ingest document")
		return
	}

	doc := &rag.Document{
		ID:            result.DocID,
		TenantID:      req.TenantID,
		KBID:          req.KBID,
		Title:         req.Title,
		Source:        req.Source,
		FragmentCount: result.FragmentCount,
	}
	if err := h.store.SaveDocument(r.Context(), doc); err != nil {
		applog.Warn("[API] Failed to save document record", "doc_id", result.DocID, "error", err)
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *KBHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	docs, err := h.store.ListDocuments(r.Context(), scope.TenantID, chi.URLParam(r, "kbID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *KBHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	kbID := chi.URLParam(r, "kbID")
	docID := chi.URLParam(r, "docID")

	deleted, err := h.ingestor.DeleteDocument(r.Context(), scope.TenantID, kbID, docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete document fragments")
		return
	}

	// 叶子所引用的碎片已删除，整棵树随之失效
	if h.builder != nil && deleted > 0 {
		if _, err := h.builder.Delete(r.Context(), scope.TenantID, kbID); err != nil {
			applog.Warn("[API] Failed to delete raptor index after document deletion", "kb_id", kbID, "error", err)
		}
	}
	if err := h.store.DeleteDocument(r.Context(), scope.TenantID, docID); err != nil {
		if errors.Is(err, rag.ErrDocumentNotFound) && deleted == 0 {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		applog.Warn("[API] Failed to delete document record", "doc_id", docID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted_fragments": deleted,
		"message":           "document deleted",
	})
}

// ── 基础检索 ─────────────────────────────────────────────────

func (h *KBHandler) Search(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req rag.RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	req.TenantID = scope.TenantID

	result, err := h.retriever.Search(r.Context(), &req)
	if err != nil {
		applog.Error("[RAG] Search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
