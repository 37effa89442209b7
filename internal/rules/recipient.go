package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"AutoTip/internal/agent"
	"AutoTip/internal/event"
	"AutoTip/internal/identity"
)

// ErrUnresolved 表示收款人无法解析且没有可用的 fallback。
var ErrUnresolved = errors.New("recipient could not be resolved")

var templatePattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Resolver 将收款人选择器解析为地址。
type Resolver struct {
	directory identity.Directory
	timeout   time.Duration
}

// NewResolver 创建解析器，timeout 限制单次目录查询耗时。
func NewResolver(directory identity.Directory, timeout time.Duration) *Resolver {
	return &Resolver{directory: directory, timeout: timeout}
}

// Resolve 解析收款地址。查询失败时使用 fallback，均不可用时返回 ErrUnresolved。
func (r *Resolver) Resolve(ctx context.Context, spec agent.RecipientSpec, ev *event.Event) (string, error) {
	addr, err := r.resolve(ctx, spec, ev)
	if err == nil && identity.IsAddress(addr) {
		return addr, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if fallback := strings.TrimSpace(spec.Fallback); identity.IsAddress(fallback) {
		return fallback, nil
	}
	if err == nil {
		err = fmt.Errorf("invalid address %q", addr)
	}
	return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
}

func (r *Resolver) resolve(ctx context.Context, spec agent.RecipientSpec, ev *event.Event) (string, error) {
	value := strings.TrimSpace(spec.Value)
	switch spec.Type {
	case agent.RecipientAddress:
		return value, nil
	case agent.RecipientGitHubUsername:
		return r.username(ctx, identity.PlatformGitHub, orHandle(value, ev, event.KindCodeHosting))
	case agent.RecipientTwitterUsername:
		return r.username(ctx, identity.PlatformTwitter, orHandle(value, ev, event.KindSocial))
	case agent.RecipientENS:
		return r.name(ctx, value)
	case agent.RecipientExpression:
		return r.expression(ctx, value, ev)
	default:
		return "", fmt.Errorf("unsupported recipient type %q", spec.Type)
	}
}

// expression 对事件求值，结果为地址时直接使用，否则按事件所在平台的用户名或名称查询。
func (r *Resolver) expression(ctx context.Context, expr string, ev *event.Event) (string, error) {
	value := strings.TrimSpace(EvaluateTemplate(expr, ev))
	if value == "" {
		return "", fmt.Errorf("expression %q is empty for event", expr)
	}
	if identity.IsAddress(value) {
		return value, nil
	}
	switch ev.Kind {
	case event.KindCodeHosting:
		return r.username(ctx, identity.PlatformGitHub, value)
	case event.KindSocial:
		return r.username(ctx, identity.PlatformTwitter, value)
	default:
		return r.name(ctx, value)
	}
}

func (r *Resolver) username(ctx context.Context, platform identity.Platform, handle string) (string, error) {
	if handle == "" {
		return "", errors.New("username is empty")
	}
	if r.directory == nil {
		return "", identity.ErrNotFound
	}
	lookupCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.directory.ResolveUsername(lookupCtx, platform, handle)
}

func (r *Resolver) name(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("name is empty")
	}
	if r.directory == nil {
		return "", identity.ErrNotFound
	}
	lookupCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.directory.ResolveName(lookupCtx, name)
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func orHandle(value string, ev *event.Event, kind event.Kind) string {
	if value != "" {
		return value
	}
	if ev != nil && ev.Kind == kind {
		return ev.Handle()
	}
	return ""
}

// EvaluateTemplate 求值 gjson 路径或 {{path}} 模板。
func EvaluateTemplate(expr string, ev *event.Event) string {
	expr = strings.TrimSpace(expr)
	if ev == nil || expr == "" {
		return ""
	}
	if !strings.Contains(expr, "{{") {
		return ev.Lookup(expr).String()
	}
	return templatePattern.ReplaceAllStringFunc(expr, func(m string) string {
		path := templatePattern.FindStringSubmatch(m)[1]
		return ev.Lookup(path).String()
	})
}
