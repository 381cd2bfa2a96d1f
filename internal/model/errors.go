package model

import (
	"errors"
	"fmt"
)

// Kind はエラーの分類を表す。HTTPステータスへの対応付けに使用する。
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindValidation
	KindRateLimited
	KindUpstream
	KindCredentialInvalid
	KindNotFound
	KindConflict
	KindMethodNotAllowed
)

// String はKindの名前を返す。
func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstream:
		return "upstream_failure"
	case KindCredentialInvalid:
		return "credential_invalid"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	default:
		return "internal"
	}
}

// FieldError はフィールド単位の検証エラー。
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// APIError は統一エラーフォーマットを表す。
// Codeは機械可読な安定コード、Messageはユーザー向けのメッセージ。
// Errは内部原因で、本番環境のレスポンスには含めない。
type APIError struct {
	Kind       Kind
	Code       string
	Message    string
	Fields     []FieldError
	RetryAfter int // 秒。KindRateLimitedのみ
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は内部原因を返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeIPBlocked          = "IP_BLOCKED"
	ErrCodeUpstreamFailure    = "UPSTREAM_FAILURE"
	ErrCodeCredentialInvalid  = "CREDENTIAL_INVALID"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeUnknownProvider    = "UNKNOWN_PROVIDER"
	ErrCodeInvalidState       = "INVALID_STATE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// KindOf はerrのKindを返す。APIErrorを含まない場合はKindInternal。
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// AsAPIError はerrをAPIErrorに変換する。
// APIErrorを含まないエラーは内部エラーとして包む。
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternalError(err)
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Kind:    KindUnauthenticated,
		Code:    ErrCodeUnauthenticated,
		Message: "ログインが必要です。",
	}
}

// NewInvalidCredentialsError はサインイン失敗エラーを生成する。
// ユーザーが存在しない場合とパスワード不一致の場合を区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Kind:    KindUnauthenticated,
		Code:    ErrCodeInvalidCredentials,
		Message: "メールアドレスまたはパスワードが正しくありません。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(message string) *APIError {
	return &APIError{
		Kind:    KindForbidden,
		Code:    ErrCodeForbidden,
		Message: message,
	}
}

// NewIPBlockedError は一時的なIPブロックによる拒否エラーを生成する。
func NewIPBlockedError() *APIError {
	return &APIError{
		Kind:    KindForbidden,
		Code:    ErrCodeIPBlocked,
		Message: "アクセスが拒否されました。",
	}
}

// NewValidationError は入力検証エラーを生成する。
// fieldsには違反したすべてのフィールドを含める。
func NewValidationError(fields []FieldError) *APIError {
	return &APIError{
		Kind:    KindValidation,
		Code:    ErrCodeValidationFailed,
		Message: "入力内容に誤りがあります。",
		Fields:  fields,
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError(retryAfter int) *APIError {
	return &APIError{
		Kind:       KindRateLimited,
		Code:       ErrCodeRateLimited,
		Message:    "リクエストが多すぎます。しばらく待ってから再度お試しください。",
		RetryAfter: retryAfter,
	}
}

// NewUpstreamError はストアや外部プロバイダーの障害を表すエラーを生成する。
// 呼び出し元はリトライ可能。
func NewUpstreamError(op string, err error) *APIError {
	return &APIError{
		Kind:    KindUpstream,
		Code:    ErrCodeUpstreamFailure,
		Message: "一時的な障害が発生しました。しばらく待ってから再度お試しください。",
		Err:     fmt.Errorf("%s: %w", op, err),
	}
}

// NewCredentialInvalidError はプロバイダーが認証情報を拒否したことを表すエラーを生成する。
func NewCredentialInvalidError(provider string, err error) *APIError {
	return &APIError{
		Kind:    KindCredentialInvalid,
		Code:    ErrCodeCredentialInvalid,
		Message: fmt.Sprintf("%s との連携が無効になりました。再度連携してください。", provider),
		Err:     err,
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Kind:    KindConflict,
		Code:    ErrCodeEmailTaken,
		Message: "このメールアドレスは既に登録されています。",
	}
}

// NewUnknownProviderError は未設定のOAuthプロバイダーを指定した場合のエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Kind:    KindNotFound,
		Code:    ErrCodeUnknownProvider,
		Message: fmt.Sprintf("未対応の連携先です: %s", provider),
	}
}

// NewInvalidStateError はOAuthのstate検証に失敗した場合のエラーを生成する。
func NewInvalidStateError(err error) *APIError {
	return &APIError{
		Kind:    KindForbidden,
		Code:    ErrCodeInvalidState,
		Message: "連携リクエストが無効か期限切れです。もう一度やり直してください。",
		Err:     err,
	}
}

// NewNotFoundError はリソース未検出エラーを生成する。
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Kind:    KindNotFound,
		Code:    ErrCodeNotFound,
		Message: message,
	}
}

// NewMethodNotAllowedError は許可されていないHTTPメソッドのエラーを生成する。
func NewMethodNotAllowedError(method string) *APIError {
	return &APIError{
		Kind:    KindMethodNotAllowed,
		Code:    ErrCodeMethodNotAllowed,
		Message: fmt.Sprintf("メソッド %s は許可されていません。", method),
	}
}

// NewInternalError は内部エラーを生成する。詳細はErrにのみ保持する。
func NewInternalError(err error) *APIError {
	return &APIError{
		Kind:    KindInternal,
		Code:    ErrCodeInternal,
		Message: "内部エラーが発生しました。",
		Err:     err,
	}
}
