package util

import (
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"
)

// ErrorKind 错误类别，边界层据此映射 HTTP 状态码
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindMissing
	KindDuplicate
	KindForbidden
	KindBadRequest
	KindInvalidPayload
	KindMisconfiguredChallenge
	KindConflict
	KindLocked
)

var kindTitles = map[ErrorKind]string{
	KindInternal:               "Internal Error",
	KindMissing:                "Not Found",
	KindDuplicate:              "Duplicate",
	KindForbidden:              "Forbidden",
	KindBadRequest:             "Bad Request",
	KindInvalidPayload:         "Invalid Payload",
	KindMisconfiguredChallenge: "Misconfigured Challenge",
	KindConflict:               "Conflict",
	KindLocked:                 "Locked",
}

var kindStatus = map[ErrorKind]int{
	KindInternal:               http.StatusInternalServerError,
	KindMissing:                http.StatusNotFound,
	KindDuplicate:              http.StatusConflict,
	KindForbidden:              http.StatusForbidden,
	KindBadRequest:             http.StatusBadRequest,
	KindInvalidPayload:         http.StatusBadRequest,
	KindMisconfiguredChallenge: http.StatusInternalServerError,
	KindConflict:               http.StatusConflict,
	KindLocked:                 http.StatusLocked,
}

func (k ErrorKind) String() string {
	if t, ok := kindTitles[k]; ok {
		return t
	}
	return "Unknown"
}

// AppError 领域错误；Fields 仅在 InvalidPayload 时携带逐字段诊断
type AppError struct {
	Kind    ErrorKind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) Title() string {
	return e.Kind.String()
}

func NewError(kind ErrorKind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 返回 err 的类别；未分类错误和存储层错误按 gorm 语义归类
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return KindMissing
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return KindDuplicate
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(kind ErrorKind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

var (
	ErrSessionNotFound   = NewError(KindMissing, "session not found")
	ErrRoundNotFound     = NewError(KindMissing, "round not found")
	ErrChallengeNotFound = NewError(KindMissing, "challenge not found")
	ErrPermissionDenied  = NewError(KindForbidden, "permission denied")
	ErrSessionPaused     = NewError(KindLocked, "session is paused")
	ErrSessionFinished   = NewError(KindConflict, "session is already finished")
	ErrRoundNotAttempted = NewError(KindConflict, "Current round must be attempted before advancing")
	ErrPreviousUnready   = NewError(KindConflict, "previous round has not been prepared yet")
)
