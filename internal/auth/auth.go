package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Subject 代表一个通过认证的调用方，随请求上下文传递给处理器。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

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
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
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

// TokenSeed 描述配置中声明的一个访问令牌。
type TokenSeed struct {
	Token       string   `json:"token"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// Config configures the authentication service.
type Config struct {
	Mode   Mode        `json:"mode"`
	Tokens []TokenSeed `json:"tokens"`
}

// Service 校验静态 Bearer 令牌。令牌只保存摘要，查表后再做常量时间比较。
type Service struct {
	mode    Mode
	entries map[string]tokenEntry
}

type tokenEntry struct {
	token   string
	subject *Subject
}

// NewService 根据配置构建认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	switch mode {
	case ModeDisabled:
		return &Service{mode: mode}, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
	if len(cfg.Tokens) == 0 {
		return nil, errors.New("token mode requires at least one token")
	}
	entries := make(map[string]tokenEntry, len(cfg.Tokens))
	for _, seed := range cfg.Tokens {
		token := strings.TrimSpace(seed.Token)
		if token == "" {
			return nil, fmt.Errorf("token for %q must not be empty", seed.Name)
		}
		entries[digest(token)] = tokenEntry{
			token: token,
			subject: &Subject{
				Name:        seed.Name,
				Permissions: append([]string(nil), seed.Permissions...),
				Disabled:    seed.Disabled,
			},
		}
	}
	return &Service{mode: mode, entries: entries}, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, nil
	}
	token := strings.TrimSpace(authorization)
	if token == "" {
		return nil, ErrMissingToken
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	entry, ok := s.entries[digest(token)]
	if !ok || subtle.ConstantTimeCompare([]byte(entry.token), []byte(token)) != 1 {
		return nil, ErrInvalidToken
	}
	if entry.subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return entry.subject, nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
