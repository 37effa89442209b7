package web3

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/crypto"

	"AutoTip/pkg/logger"
)

// DryRun 不触链，只记录转账并返回确定性的伪交易哈希，用于本地开发。
type DryRun struct{}

// Submit 实现 Submitter 接口。
func (DryRun) Submit(ctx context.Context, t Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := t.Validate(); err != nil {
		return "", err
	}
	hash := crypto.Keccak256Hash([]byte(t.Network + ":" + t.Token + ":" + t.To + ":" + t.Amount.String())).Hex()
	logger.Named("web3").Warn("演练模式，未提交真实交易",
		slog.String("network", t.Network),
		slog.String("token", t.Token),
		slog.String("to", t.To),
		slog.String("amount", t.Amount.String()),
		slog.String("tx_hash", hash),
	)
	return hash, nil
}
