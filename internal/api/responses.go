package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"treeweave/internal/domain/rag"
	"treeweave/internal/domain/raptor"
)

// APIResponse 统一 JSON 响应
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: message,
	})
}

// writeDomainError 将领域错误映射为 HTTP 状态码；未识别的错误
// 统一按 500 处理，响应给出 fallback 文案而不泄露内部细节
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, rag.ErrKBNotFound),
		errors.Is(err, rag.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rag.ErrKBNameTaken),
		errors.Is(err, raptor.ErrBuildInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rag.ErrUnsupportedFileType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, raptor.ErrInvalidBuildConfig),
		errors.Is(err, raptor.ErrUnknownClusterMethod),
		errors.Is(err, raptor.ErrNoFragments),
		errors.Is(err, raptor.ErrUnknownRetrievalMode):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
