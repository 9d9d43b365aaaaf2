package util

import (
	"errors"
	"listening_game_backend/pkg/logger"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse 失败响应：{error: <title>, message: <one-line>}
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// PageResponse 分页响应结构
type PageResponse struct {
	List  interface{} `json:"list"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    http.StatusCreated,
		Message: "created",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, title, message string) {
	c.JSON(code, ErrorResponse{
		Error:   title,
		Message: message,
	})
}

func Unauthorized(c *gin.Context) {
	Error(c, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token")
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, KindBadRequest.String(), message)
}

func InternalServerError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, KindInternal.String(), "Internal server error")
}

// RespondError 按错误类别写出响应；Internal 与 MisconfiguredChallenge 记录原因但不对外暴露
func RespondError(c *gin.Context, err error) {
	kind := KindOf(err)
	status := HTTPStatus(kind)

	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = &AppError{Kind: kind, Message: err.Error(), Err: err}
	}

	if status >= http.StatusInternalServerError {
		logger.Log.Error("Internal server error",
			zap.String("path", c.FullPath()),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
		Error(c, status, kind.String(), "Internal server error")
		return
	}

	c.JSON(status, ErrorResponse{
		Error:   kind.String(),
		Message: appErr.Message,
		Fields:  appErr.Fields,
	})
}
