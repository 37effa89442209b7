package web3

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownNetwork 表示转账指定的网络未配置。
	ErrUnknownNetwork = errors.New("unknown network")
	// ErrUnknownToken 表示网络上没有该代币的定义。
	ErrUnknownToken = errors.New("unknown token")
	// ErrInvalidRecipient 表示收款地址格式不正确。
	ErrInvalidRecipient = errors.New("invalid recipient address")
	// ErrInvalidAmount 表示转账金额不是正整数。
	ErrInvalidAmount = errors.New("invalid transfer amount")
)

// Transfer 描述一次待提交的转账，Amount 以最小单位表示。
type Transfer struct {
	To      string          `json:"to"`
	Amount  decimal.Decimal `json:"amount"`
	Token   string          `json:"token"`
	Network string          `json:"network"`
}

// Validate 检查金额是否为正整数。地址格式由具体链实现校验。
func (t Transfer) Validate() error {
	if t.To == "" {
		return ErrInvalidRecipient
	}
	if !t.Amount.IsPositive() || !t.Amount.Equal(t.Amount.Truncate(0)) {
		return ErrInvalidAmount
	}
	return nil
}

// Submitter 提交转账并返回交易哈希，任何错误都视为提交失败。
type Submitter interface {
	Submit(ctx context.Context, transfer Transfer) (string, error)
}

// SubmitterFunc 允许使用普通函数实现 Submitter。
type SubmitterFunc func(ctx context.Context, transfer Transfer) (string, error)

// Submit 调用函数本身。
func (f SubmitterFunc) Submit(ctx context.Context, transfer Transfer) (string, error) {
	return f(ctx, transfer)
}
