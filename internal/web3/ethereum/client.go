package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"AutoTip/internal/web3"
)

const erc20ABI = `[{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

var erc20 = mustParseABI(erc20ABI)

// Backend mirrors the subset of RPC methods required to sign, send and
// confirm a transfer. Both *ethclient.Client and the simulated backend
// client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes how to construct an EVM submitter.
type Config struct {
	Name           string
	RPCURL         string
	ChainID        int64
	Chain          web3.ChainDefinition
	WaitReceipt    bool
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Client signs and submits native or ERC-20 transfers on one EVM chain.
type Client struct {
	name    string
	cfg     Config
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	closer  func()

	// 同一账户的 nonce 分配与广播必须串行。
	sendMu sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config, key *ecdsa.PrivateKey) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		rpcURL = strings.TrimSpace(cfg.Chain.RPCURL)
	}
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client, err := NewWithBackend(ctx, cfg, eth, key)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewWithBackend wraps an existing backend, such as the simulated chain used in tests.
func NewWithBackend(ctx context.Context, cfg Config, backend Backend, key *ecdsa.PrivateKey) (*Client, error) {
	if backend == nil {
		return nil, errors.New("缺少链访问后端")
	}
	if key == nil {
		return nil, errors.New("未提供交易签名私钥")
	}
	cfg.applyDefaults()

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID = big.NewInt(cfg.Chain.ChainID)
	}
	if chainID.Sign() == 0 {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		chainID = id
	}

	return &Client{
		name:    cfg.Name,
		cfg:     cfg,
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// From returns the signing account.
func (c *Client) From() common.Address { return c.from }

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// Submit implements web3.Submitter.
func (c *Client) Submit(ctx context.Context, t web3.Transfer) (string, error) {
	if c == nil || c.backend == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	if err := t.Validate(); err != nil {
		return "", err
	}
	if !common.IsHexAddress(t.To) {
		return "", fmt.Errorf("%w: %s", web3.ErrInvalidRecipient, t.To)
	}
	recipient := common.HexToAddress(t.To)
	amount := t.Amount.BigInt()

	to, value, data, err := c.callFor(t.Token, recipient, amount)
	if err != nil {
		return "", err
	}

	tx, err := c.send(ctx, to, value, data)
	if err != nil {
		return "", err
	}
	if !c.cfg.WaitReceipt {
		return tx.Hash().Hex(), nil
	}
	if err := c.waitReceipt(ctx, tx.Hash()); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// callFor 返回交易目标、转账金额与调用数据。
func (c *Client) callFor(token string, recipient common.Address, amount *big.Int) (common.Address, *big.Int, []byte, error) {
	if c.cfg.Chain.IsNative(token) {
		return recipient, amount, nil, nil
	}
	def, ok := c.cfg.Chain.Token(token)
	if !ok {
		return common.Address{}, nil, nil, fmt.Errorf("%w: %s on %s", web3.ErrUnknownToken, token, c.name)
	}
	data, err := transferCalldata(recipient, amount)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return common.HexToAddress(def.Address), new(big.Int), data, nil
}

func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*coretypes.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  c.from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("估算 Gas 失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return fmt.Errorf("交易 %s 执行失败", hash.Hex())
			}
			return nil
		case !errors.Is(err, gethcore.NotFound):
			return fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("等待交易 %s 回执超时: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func transferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("编码 ERC-20 转账失败: %w", err)
	}
	return data, nil
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

var _ web3.Submitter = (*Client)(nil)
