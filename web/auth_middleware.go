package web

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"optionsdesk/logger"
)

// tokenAuth 操作员令牌认证
// 令牌以 bcrypt 哈希保存在配置中，通过校验的令牌缓存在内存里，避免每次请求都做哈希比对
type tokenAuth struct {
	hash     []byte
	verified sync.Map // token -> struct{}
}

func newTokenAuth(hash string) *tokenAuth {
	return &tokenAuth{hash: []byte(strings.TrimSpace(hash))}
}

func (a *tokenAuth) enabled() bool {
	return len(a.hash) > 0
}

func (a *tokenAuth) check(token string) bool {
	if token == "" {
		return false
	}
	if _, ok := a.verified.Load(token); ok {
		return true
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return false
	}
	a.verified.Store(token, struct{}{})
	return true
}

// requestToken 从 Authorization: Bearer 或 X-API-Token 头取令牌
func requestToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Token"))
}

// authMiddleware 认证中间件，未配置令牌哈希时放行
func authMiddleware(auth *tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.enabled() {
			c.Next()
			return
		}
		if !auth.check(requestToken(c)) {
			logger.Warn("⚠️ 未授权的请求: %s %s (%s)", c.Request.Method, c.Request.URL.Path, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": T(c, "error.unauthorized"),
			})
			return
		}
		c.Next()
	}
}
