package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrMissingOwner     = errors.New("missing owner identity")
	ErrPermissionDenied = errors.New("permission denied")
)

// 管理 API 使用的权限名。
const (
	PermissionAgentsRead     = "agents:read"
	PermissionAgentsWrite    = "agents:write"
	PermissionEventsDispatch = "events:dispatch"
)

// Subject 是通过认证的调用者。ID 即代理的 owner ID。
type Subject struct {
	ID          string
	Permissions []string

	permissionsSet map[string]struct{}
	unrestricted   bool
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	if s.unrestricted {
		return true
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Config configures the authentication service.
type Config struct {
	Mode Mode       `json:"mode" yaml:"mode"`
	JWT  JWTOptions `json:"jwt" yaml:"jwt"`
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	// ModeDisabled 信任 X-Owner-ID 请求头，仅用于开发或受信网络。
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions contains parameters for HS256 token verification and issuance.
type JWTOptions struct {
	Secret    string        `json:"secret" yaml:"secret"`
	Issuer    string        `json:"issuer" yaml:"issuer"`
	Audience  []string      `json:"audience" yaml:"audience"`
	AccessTTL time.Duration `json:"access_ttl" yaml:"access_ttl"`
}
