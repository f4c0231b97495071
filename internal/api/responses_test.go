package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"treeweave/internal/domain/rag"
	"treeweave/internal/domain/raptor"
)

func TestWriteDomainErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"kb not found", rag.ErrKBNotFound, http.StatusNotFound},
		{"document not found", rag.ErrDocumentNotFound, http.StatusNotFound},
		{"kb name taken", rag.ErrKBNameTaken, http.StatusConflict},
		{"build in progress", raptor.ErrBuildInProgress, http.StatusConflict},
		{"unsupported file type", rag.ErrUnsupportedFileType, http.StatusUnsupportedMediaType},
		{"invalid build config", fmt.Errorf("%w: max_layers", raptor.ErrInvalidBuildConfig), http.StatusBadRequest},
		{"unknown cluster method", raptor.ErrUnknownClusterMethod, http.StatusBadRequest},
		{"no fragments", raptor.ErrNoFragments, http.StatusBadRequest},
		{"unknown retrieval mode", raptor.ErrUnknownRetrievalMode, http.StatusBadRequest},
		{"unexpected error", errors.New("pq: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeDomainError(rr, tt.err, "something went wrong")

			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rr.Code)
			}

			var resp APIResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid response body: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("body code mismatch: %d", resp.Code)
			}
			// 未识别的错误不向客户端泄露内部细节
			if tt.wantCode == http.StatusInternalServerError && resp.Message != "something went wrong" {
				t.Errorf("internal error must use fallback message, got %q", resp.Message)
			}
		})
	}
}
