package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"AutoTip/internal/agent"
	xerrors "AutoTip/internal/errors"
	"AutoTip/internal/event"
	"AutoTip/internal/execution"
	"AutoTip/pkg/logger"
)

// errorBody 是所有错误响应的结构。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求处理失败",
			slog.Any("error", err),
			slog.String("path", c.FullPath()),
			slog.String("method", c.Request.Method),
		)
		message = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: message}})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorBody{Code: string(xerrors.CodeInvalidArgument), Message: message}})
}

func classify(err error) (int, string) {
	if errors.Is(err, event.ErrUnknownShape) || errors.Is(err, event.ErrInvalidJSON) {
		return http.StatusBadRequest, "INVALID_EVENT"
	}
	code := xerrors.CodeOf(err)
	switch code {
	case agent.CodeAgentNotFound, agent.CodeRuleNotFound, execution.CodeExecutionNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound, string(code)
	case agent.CodeAgentValidation, execution.CodeExecutionValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest, string(code)
	case agent.CodeAgentConflict, agent.CodeAgentDeleted, execution.CodeExecutionConflict, xerrors.CodeConflict:
		return http.StatusConflict, string(code)
	case xerrors.CodeUnknown:
		return http.StatusInternalServerError, "INTERNAL"
	default:
		return http.StatusInternalServerError, string(code)
	}
}
