package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/kairo/internal/model"
)

// ErrorBody はエラーレスポンスのerror部分。
type ErrorBody struct {
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	Fields     []model.FieldError `json:"fields,omitempty"`
	RetryAfter int                `json:"retryAfter,omitempty"`
	Detail     string             `json:"detail,omitempty"`
}

// ErrorResponse はAPIエラーレスポンスの統一フォーマット。
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// StatusForKind はエラー分類に対応するHTTPステータスを返す。
func StatusForKind(kind model.Kind) int {
	switch kind {
	case model.KindUnauthenticated:
		return http.StatusUnauthorized
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindUpstream:
		return http.StatusServiceUnavailable
	case model.KindCredentialInvalid:
		return http.StatusBadGateway
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON はvをJSONで書き込む。
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response body", slog.String("error", err.Error()))
	}
}

// WriteError はerrを統一エラーフォーマットで書き込む。
// APIErrorを含まないエラーは内部エラーとして扱う。
// showDetailがtrueの場合のみ内部原因をdetailに含める。本番環境ではfalseにする。
func WriteError(w http.ResponseWriter, err error, showDetail bool) {
	apiErr := model.AsAPIError(err)
	status := StatusForKind(apiErr.Kind)

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			slog.String("code", apiErr.Code),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	body := ErrorBody{
		Code:       apiErr.Code,
		Message:    apiErr.Message,
		Fields:     apiErr.Fields,
		RetryAfter: apiErr.RetryAfter,
	}
	if showDetail && apiErr.Err != nil {
		body.Detail = apiErr.Err.Error()
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}

	WriteJSON(w, status, ErrorResponse{Success: false, Error: body})
}
