// Package identity maps platform handles and human-readable names to payable
// addresses.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AutoTip/internal/errors"
)

// Platform 标识用户名所在的平台。
type Platform string

const (
	PlatformGitHub  Platform = "github"
	PlatformTwitter Platform = "twitter"
)

// CodeIdentityNotFound 表示目录中不存在该身份。
const CodeIdentityNotFound xerrors.Code = "IDENTITY_NOT_FOUND"

func init() {
	xerrors.Register(CodeIdentityNotFound, xerrors.Attributes{Message: "identity not found", Severity: xerrors.SeverityInfo})
}

// ErrNotFound 表示查找未命中，调用方据此决定是否使用 fallback。
var ErrNotFound = xerrors.New(CodeIdentityNotFound, "")

// Directory 解析用户名与名称到地址。
type Directory interface {
	ResolveUsername(ctx context.Context, platform Platform, handle string) (string, error)
	ResolveName(ctx context.Context, name string) (string, error)
}

// NameResolver 只解析名称，例如 ENS。
type NameResolver interface {
	ResolveName(ctx context.Context, name string) (string, error)
}

// IsAddress 校验 0x 前缀的 40 位十六进制地址。
func IsAddress(value string) bool {
	return strings.HasPrefix(value, "0x") && common.IsHexAddress(value)
}

// NormalizeHandle 去除空白与 @ 前缀并转为小写。
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// Chain 依次查询多个目录，返回第一个命中的结果。只有全部未命中时才返回 ErrNotFound。
func Chain(dirs ...Directory) Directory {
	return chain(dirs)
}

type chain []Directory

func (c chain) ResolveUsername(ctx context.Context, platform Platform, handle string) (string, error) {
	return c.first(func(d Directory) (string, error) { return d.ResolveUsername(ctx, platform, handle) })
}

func (c chain) ResolveName(ctx context.Context, name string) (string, error) {
	return c.first(func(d Directory) (string, error) { return d.ResolveName(ctx, name) })
}

func (c chain) first(fn func(Directory) (string, error)) (string, error) {
	for _, d := range c {
		if d == nil {
			continue
		}
		addr, err := fn(d)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrNotFound
}

// Names 将 NameResolver 适配为只支持名称解析的目录。
func Names(r NameResolver) Directory {
	return names{r}
}

type names struct{ NameResolver }

func (names) ResolveUsername(context.Context, Platform, string) (string, error) {
	return "", ErrNotFound
}
