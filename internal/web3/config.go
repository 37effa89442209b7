package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// DefaultNativeDecimals 是原生代币的默认精度。
const DefaultNativeDecimals int32 = 18

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the tokens it can pay out.
type ChainDefinition struct {
	Type           string                     `yaml:"type"`
	RPCURL         string                     `yaml:"rpc_url"`
	ChainID        int64                      `yaml:"chain_id"`
	Description    string                     `yaml:"description"`
	NativeSymbol   string                     `yaml:"native_symbol"`
	NativeDecimals int32                      `yaml:"native_decimals"`
	ENS            bool                       `yaml:"ens"`
	Tokens         map[string]TokenDefinition `yaml:"tokens"`
}

// TokenDefinition describes an ERC-20 token deployed on a chain.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions 解析并规范化链配置。
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if err := defs.normalize(); err != nil {
		return ChainDefinitions{}, err
	}
	return defs, nil
}

func (d *ChainDefinitions) normalize() error {
	chains := make(map[string]ChainDefinition, len(d.Chains))
	for name, chain := range d.Chains {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return fmt.Errorf("链名称不能为空")
		}
		if chain.Type == "" {
			chain.Type = "evm"
		}
		if chain.NativeSymbol == "" {
			chain.NativeSymbol = "ETH"
		}
		chain.NativeSymbol = strings.ToUpper(chain.NativeSymbol)
		if chain.NativeDecimals <= 0 {
			chain.NativeDecimals = DefaultNativeDecimals
		}
		tokens := make(map[string]TokenDefinition, len(chain.Tokens))
		for symbol, token := range chain.Tokens {
			if !common.IsHexAddress(token.Address) {
				return fmt.Errorf("链 %s 的代币 %s 地址无效: %q", key, symbol, token.Address)
			}
			if token.Decimals < 0 {
				return fmt.Errorf("链 %s 的代币 %s 精度无效", key, symbol)
			}
			tokens[strings.ToUpper(strings.TrimSpace(symbol))] = token
		}
		chain.Tokens = tokens
		chains[key] = chain
	}
	d.Chains = chains
	return nil
}

// Chain 返回指定网络的定义，名称不区分大小写。
func (d ChainDefinitions) Chain(network string) (ChainDefinition, bool) {
	chain, ok := d.Chains[strings.ToLower(strings.TrimSpace(network))]
	return chain, ok
}

// Names 返回已配置的网络名称。
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decimals 返回代币精度，未配置的网络或代币返回 false。
func (d ChainDefinitions) Decimals(network, token string) (int32, bool) {
	chain, ok := d.Chain(network)
	if !ok {
		return 0, false
	}
	return chain.Decimals(token)
}

// IsNative 判断代币是否为链的原生代币，空符号视为原生代币。
func (c ChainDefinition) IsNative(token string) bool {
	token = strings.TrimSpace(token)
	return token == "" || strings.EqualFold(token, c.NativeSymbol)
}

// Decimals 返回链上代币的精度。
func (c ChainDefinition) Decimals(token string) (int32, bool) {
	if c.IsNative(token) {
		if c.NativeDecimals <= 0 {
			return DefaultNativeDecimals, true
		}
		return c.NativeDecimals, true
	}
	def, ok := c.Tokens[strings.ToUpper(strings.TrimSpace(token))]
	if !ok {
		return 0, false
	}
	return def.Decimals, true
}

// Token 返回 ERC-20 代币定义。
func (c ChainDefinition) Token(symbol string) (TokenDefinition, bool) {
	def, ok := c.Tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return def, ok
}
