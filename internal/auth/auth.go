package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"medconnect/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// 凭证校验的错误分类，Gateway 根据类型映射到关闭码。
var (
	ErrMalformed    = errors.New("malformed token")
	ErrExpired      = errors.New("token expired")
	ErrBadSignature = errors.New("bad token signature")
	ErrTimeout      = errors.New("authentication timed out")
	ErrUnknownUser  = errors.New("unknown user")
)

// Claims 对应 token 中的 {user_id, role, iat, exp}。
type Claims struct {
	UserID int64       `json:"user_id"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier 校验 HS256 token 并取出身份，不产生副作用。
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// WithClock 替换校验时使用的时钟，主要供测试使用。
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	return &Verifier{secret: v.secret, now: now}
}

// Verify 先检查字段和过期时间，再检查签名，因此过期 token 无论签名是否正确都返回 ErrExpired。
func (v *Verifier) Verify(tokenStr string) (models.Identity, error) {
	if tokenStr == "" {
		return models.Identity{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}
	var unverified Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &unverified); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := requireFields(&unverified); err != nil {
		return models.Identity{}, err
	}
	now := v.now()
	if !now.Before(unverified.ExpiresAt.Time) {
		return models.Identity{}, ErrExpired
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var claims Claims
	token, err := parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	switch {
	case err == nil && token.Valid:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return models.Identity{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return models.Identity{}, ErrExpired
	case err != nil:
		return models.Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return models.Identity{}, ErrMalformed
	}
	return models.Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

func requireFields(c *Claims) error {
	switch {
	case c.UserID <= 0:
		return fmt.Errorf("%w: missing user_id", ErrMalformed)
	case !c.Role.Valid():
		return fmt.Errorf("%w: invalid role %q", ErrMalformed, c.Role)
	case c.IssuedAt == nil:
		return fmt.Errorf("%w: missing iat", ErrMalformed)
	case c.ExpiresAt == nil:
		return fmt.Errorf("%w: missing exp", ErrMalformed)
	}
	return nil
}

// GenerateAccessToken 为身份签发 token，供凭证签发方和开发命令行使用。
func GenerateAccessToken(id models.Identity, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	return SignToken(id, secret, now, now.Add(ttl))
}

// SignToken 使用显式的签发与过期时间签名。
func SignToken(id models.Identity, secret string, issuedAt, expiresAt time.Time) (string, error) {
	if id.UserID <= 0 || !id.Role.Valid() {
		return "", fmt.Errorf("%w: invalid identity", ErrMalformed)
	}
	claims := Claims{
		UserID: id.UserID,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
