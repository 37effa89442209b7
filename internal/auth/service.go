package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"AutoTip/pkg/logger"
)

// Claims 是访问令牌携带的声明，Subject 即 owner ID。
type Claims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Service 负责管理 API 的身份认证。
type Service struct {
	mode     Mode
	secret   []byte
	issuer   string
	audience []string
	ttl      time.Duration
	now      func() time.Time
	audit    *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		now:   time.Now,
		audit: logger.Audit(),
	}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		svc.secret = []byte(cfg.JWT.Secret)
		svc.issuer = cfg.JWT.Issuer
		svc.audience = cfg.JWT.Audience
		svc.ttl = cfg.JWT.AccessTTL
		if svc.ttl <= 0 {
			svc.ttl = time.Hour
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为 owner 签发 HS256 访问令牌。
func (s *Service) Issue(ownerID string, permissions ...string) (string, error) {
	if s == nil || s.mode != ModeJWT {
		return "", ErrDisabled
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", ErrMissingOwner
	}
	now := s.now()
	claims := Claims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    s.issuer,
			Audience:  s.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify 校验令牌签名、有效期、签发者与受众。
func (s *Service) Verify(token string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if len(s.audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.audience[0]))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}
	subject := &Subject{ID: claims.Subject, Permissions: claims.Permissions}
	subject.normalise()
	return subject, nil
}

// AuthenticateRequest 根据请求头识别调用者。
// jwt 模式解析 Authorization 中的 Bearer 令牌；disabled 模式信任 owner 请求头并放行所有权限。
func (s *Service) AuthenticateRequest(authorization, ownerHeader string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		owner := strings.TrimSpace(ownerHeader)
		if owner == "" {
			return nil, ErrMissingOwner
		}
		return &Subject{ID: owner, unrestricted: true}, nil
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	return s.Verify(token)
}
