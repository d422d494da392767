// Package handler はHTTPハンドラを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"key-custody-service/internal/domain"
	"key-custody-service/internal/middleware"
	"key-custody-service/internal/usecase"
	"key-custody-service/pkg/httputil"
)

// 一覧取得のデフォルトのページング条件。
const (
	defaultPage     = 1
	defaultPageSize = 20
)

// KeyHandler はHTTPハンドラを提供する。
type KeyHandler struct {
	service *usecase.KeyService
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(service *usecase.KeyService) *KeyHandler {
	return &KeyHandler{service: service}
}

// KeyResponse は鍵メタデータのレスポンス形式。
type KeyResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Algorithm   string  `json:"algorithm"`
	PublicKey   string  `json:"publicKey"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
	DeletedAt   *string `json:"deletedAt,omitempty"`
	Certificate string  `json:"certificate,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
	Total    int64         `json:"total"`
	Data     []KeyResponse `json:"data"`
}

// CreateKeyRequest は鍵作成のリクエスト形式。
type CreateKeyRequest struct {
	Name      string `json:"name"`
	Algorithm string `json:"algorithm"`
}

// AssignCertificateRequest は証明書割り当てのリクエスト形式。
type AssignCertificateRequest struct {
	Certificate string `json:"certificate"`
}

// SignHashRequest はハッシュ署名のリクエスト形式。
type SignHashRequest struct {
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm,omitempty"`
}

// CertificateRequestResponse はCSR発行のレスポンス形式。
type CertificateRequestResponse struct {
	Request string `json:"request"`
}

// SignatureResponse はハッシュ署名のレスポンス形式。
type SignatureResponse struct {
	Signature string `json:"signature"`
}

func toKeyResponse(k *domain.Key) KeyResponse {
	resp := KeyResponse{
		ID:          k.ID,
		Name:        k.Name,
		Algorithm:   k.Algorithm,
		PublicKey:   k.PublicKey,
		CreatedAt:   k.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   k.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Certificate: k.Certificate,
	}
	if k.DeletedAt != nil {
		s := k.DeletedAt.UTC().Format(time.RFC3339Nano)
		resp.DeletedAt = &s
	}
	return resp
}

// ListKeys は鍵一覧を取得する。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", defaultPage)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_PAGINATION", "page must be an integer")
		return
	}
	pageSize, err := queryInt(r, "pageSize", defaultPageSize)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_PAGINATION", "pageSize must be an integer")
		return
	}

	result, err := h.service.ListKeys(r.Context(), page, pageSize)
	middleware.LogOperation(r.Context(), "list_keys", "", err)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := KeyListResponse{
		Page:     result.Page,
		PageSize: result.PageSize,
		Total:    result.Total,
		Data:     make([]KeyResponse, len(result.Data)),
	}
	for i, k := range result.Data {
		resp.Data[i] = toKeyResponse(k)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetKey は指定された鍵のメタデータを取得する。
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	key, err := h.service.GetKey(r.Context(), id)
	middleware.LogOperation(r.Context(), "get_key", id, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toKeyResponse(key))
}

// CreateKey は新しい署名鍵を生成する。
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	key, err := h.service.CreateKey(r.Context(), req.Name, req.Algorithm)
	if err != nil {
		middleware.LogOperation(r.Context(), "create_key", "", err)
		writeError(w, r, err)
		return
	}
	middleware.LogOperation(r.Context(), "create_key", key.ID, nil)
	w.Header().Set("Location", "/v1/keys/"+key.ID)
	httputil.JSON(w, http.StatusCreated, toKeyResponse(key))
}

// DeleteKey は鍵を秘密鍵ごと削除する。
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.service.DeleteKey(r.Context(), id)
	middleware.LogOperation(r.Context(), "delete_key", id, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateRequest は鍵のCSRを発行する。
func (h *KeyHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	csr, err := h.service.CreateRequest(r.Context(), id)
	middleware.LogOperation(r.Context(), "create_request", id, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, CertificateRequestResponse{Request: csr})
}

// AssignCertificate は鍵に証明書を割り当てる。
func (h *KeyHandler) AssignCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AssignCertificateRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	err := h.service.AssignCertificate(r.Context(), id, req.Certificate)
	middleware.LogOperation(r.Context(), "assign_certificate", id, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SignHash は鍵でダイジェストに署名する。
func (h *KeyHandler) SignHash(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SignHashRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	sig, err := h.service.SignHash(r.Context(), id, domain.SignHashParams{
		Hash:      req.Hash,
		Algorithm: req.Algorithm,
	})
	middleware.LogOperation(r.Context(), "sign_hash", id, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, SignatureResponse{Signature: sig})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// validationCodes は入力検証エラーとエラーコードの対応。
var validationCodes = []struct {
	err  error
	code string
}{
	{domain.ErrInvalidPagination, "INVALID_PAGINATION"},
	{domain.ErrUnsupportedAlgorithm, "UNSUPPORTED_ALGORITHM"},
	{domain.ErrInvalidEncoding, "INVALID_ENCODING"},
	{domain.ErrInvalidDigest, "INVALID_DIGEST"},
	{domain.ErrInvalidCertificate, "INVALID_CERTIFICATE"},
	{domain.ErrCertificateMismatch, "CERTIFICATE_MISMATCH"},
	{domain.ErrInvalidKeyName, "INVALID_KEY_NAME"},
}

// writeError はユースケースのエラーをHTTPステータスに変換する。
// 5xx の場合は内部のエラー内容を返さない。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		code := "VALIDATION_ERROR"
		for _, v := range validationCodes {
			if errors.Is(err, v.err) {
				code = v.code
				break
			}
		}
		httputil.Error(w, http.StatusBadRequest, code, err.Error())
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
	case errors.Is(err, domain.ErrInconsistentState):
		slog.ErrorContext(r.Context(), "key store and repository are inconsistent", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INCONSISTENT_STATE", "key store and repository are inconsistent")
	case errors.Is(err, domain.ErrProvider):
		slog.ErrorContext(r.Context(), "key store provider failed", "error", err)
		httputil.Error(w, http.StatusBadGateway, "PROVIDER_ERROR", "key store provider error")
	default:
		slog.ErrorContext(r.Context(), "request failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
