package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AutoTip/internal/identity"
)

// MainnetENSRegistry is the ENS registry address shared by mainnet and most testnets.
var MainnetENSRegistry = common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")

const ensABI = `[
{"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"resolver","outputs":[{"name":"","type":"address"}],"type":"function"},
{"constant":true,"inputs":[{"name":"node","type":"bytes32"}],"name":"addr","outputs":[{"name":"","type":"address"}],"type":"function"}
]`

var ensContract = mustParseABI(ensABI)

// Caller is the read-only contract call capability needed for ENS lookups.
type Caller interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ENS resolves human readable names through the ENS registry.
type ENS struct {
	caller   Caller
	registry common.Address
}

// NewENS creates a resolver. A zero registry falls back to MainnetENSRegistry.
func NewENS(caller Caller, registry common.Address) *ENS {
	if registry == (common.Address{}) {
		registry = MainnetENSRegistry
	}
	return &ENS{caller: caller, registry: registry}
}

// ResolveName implements identity.NameResolver.
func (e *ENS) ResolveName(ctx context.Context, name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || !strings.Contains(name, ".") {
		return "", identity.ErrNotFound
	}
	node := NameHash(name)

	resolver, err := e.callAddress(ctx, e.registry, "resolver", node)
	if err != nil {
		return "", err
	}
	if resolver == (common.Address{}) {
		return "", identity.ErrNotFound
	}
	addr, err := e.callAddress(ctx, resolver, "addr", node)
	if err != nil {
		return "", err
	}
	if addr == (common.Address{}) {
		return "", identity.ErrNotFound
	}
	return addr.Hex(), nil
}

func (e *ENS) callAddress(ctx context.Context, contract common.Address, method string, node common.Hash) (common.Address, error) {
	data, err := ensContract.Pack(method, [32]byte(node))
	if err != nil {
		return common.Address{}, fmt.Errorf("编码 ENS 调用失败: %w", err)
	}
	raw, err := e.caller.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("ENS %s 调用失败: %w", method, err)
	}
	if len(raw) == 0 {
		return common.Address{}, nil
	}
	out, err := ensContract.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return common.Address{}, fmt.Errorf("解析 ENS %s 返回值失败: %v", method, err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ENS %s 返回类型异常", method)
	}
	return addr, nil
}

// NameHash computes the EIP-137 namehash of an already normalized name.
func NameHash(name string) common.Hash {
	var node common.Hash
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := crypto.Keccak256([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), label)
	}
	return node
}

var _ identity.NameResolver = (*ENS)(nil)
