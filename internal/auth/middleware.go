package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"medconnect/internal/models"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// UserChecker 确认身份对应的用户存在，nil 表示不做确认。
type UserChecker interface {
	Exists(ctx context.Context, userID int64) (bool, error)
}

// BearerToken 从 Authorization 头或 token 查询参数中取出 token。
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}

func AuthMiddleware(v *Verifier, users UserChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": Reason(err)})
			return
		}
		if users != nil {
			ok, err := users.Exists(c.Request.Context(), id.UserID)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "user directory unavailable"})
				return
			}
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": Reason(ErrUnknownUser)})
				return
			}
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func GetIdentity(c *gin.Context) models.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok2 := v.(models.Identity); ok2 {
			return id
		}
	}
	return models.Identity{}
}

// Reason 返回对客户端可见的简短错误原因。
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "token_expired"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrTimeout):
		return "auth_timeout"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	default:
		return "malformed_token"
	}
}
