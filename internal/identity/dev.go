package identity

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DevDirectory 由 keccak256 派生确定性地址，仅用于本地开发与演示，资金会发往无人持有私钥的地址。
type DevDirectory struct{}

// ResolveUsername 实现 Directory。
func (DevDirectory) ResolveUsername(ctx context.Context, platform Platform, handle string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle = NormalizeHandle(handle)
	if handle == "" {
		return "", ErrNotFound
	}
	return derive(string(platform) + ":" + handle), nil
}

// ResolveName 实现 Directory。
func (DevDirectory) ResolveName(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", ErrNotFound
	}
	return derive("name:" + name), nil
}

func derive(seed string) string {
	return common.BytesToAddress(crypto.Keccak256([]byte(seed))).Hex()
}
