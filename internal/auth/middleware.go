package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	loggerpkg "AutoTip/pkg/logger"
)

// OwnerHeader 是 disabled 模式下标识调用者的请求头。
const OwnerHeader = "X-Owner-ID"

// Middleware 认证请求并把 Subject 写入请求上下文，失败时返回 401。
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := s.AuthenticateRequest(c.GetHeader("Authorization"), c.GetHeader(OwnerHeader))
		if err != nil {
			s.deny(c, http.StatusUnauthorized, "UNAUTHORIZED", err)
			return
		}
		c.Request = c.Request.WithContext(WithSubject(c.Request.Context(), subject))
		c.Next()
	}
}

// Require 要求调用者拥有全部给定权限，否则返回 403。
func (s *Service) Require(perms ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := SubjectFromContext(c.Request.Context())
		if err := subject.Authorize(perms...); err != nil {
			status := http.StatusForbidden
			code := "FORBIDDEN"
			if errors.Is(err, ErrInvalidToken) {
				status, code = http.StatusUnauthorized, "UNAUTHORIZED"
			}
			s.deny(c, status, code, err)
			return
		}
		c.Next()
	}
}

func (s *Service) deny(c *gin.Context, status int, code string, err error) {
	audit := loggerpkg.Audit()
	if s != nil && s.audit != nil {
		audit = s.audit
	}
	audit.Warn("access_denied",
		"path", c.Request.URL.Path,
		"method", c.Request.Method,
		"status", status,
		"error", err.Error(),
	)
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
}
