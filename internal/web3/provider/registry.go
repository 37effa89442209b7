package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"AutoTip/internal/identity"
	"AutoTip/internal/web3"
	"AutoTip/internal/web3/ethereum"
)

// Config controls how the registry builds chain submitters.
type Config struct {
	DefaultNetwork string
	WaitReceipt    bool
	ReceiptTimeout time.Duration
}

// Registry routes transfers to the submitter registered for their network.
type Registry struct {
	mu             sync.RWMutex
	defaultNetwork string
	defs           web3.ChainDefinitions
	submitters     map[string]web3.Submitter
	resolvers      map[string]identity.NameResolver
	closers        []func()
}

// NewRegistry creates an empty registry over the given chain definitions.
func NewRegistry(defs web3.ChainDefinitions, defaultNetwork string) *Registry {
	return &Registry{
		defaultNetwork: strings.ToLower(strings.TrimSpace(defaultNetwork)),
		defs:           defs,
		submitters:     make(map[string]web3.Submitter),
		resolvers:      make(map[string]identity.NameResolver),
	}
}

// Dial instantiates an EVM submitter for every configured chain.
func Dial(ctx context.Context, defs web3.ChainDefinitions, key *ecdsa.PrivateKey, cfg Config) (*Registry, error) {
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	r := NewRegistry(defs, cfg.DefaultNetwork)
	for _, name := range defs.Names() {
		chain, _ := defs.Chain(name)
		if !strings.EqualFold(chain.Type, "evm") {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:           name,
			Chain:          chain,
			WaitReceipt:    cfg.WaitReceipt,
			ReceiptTimeout: cfg.ReceiptTimeout,
		}, key)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.Register(name, client)
		r.closers = append(r.closers, client.Close)

		if chain.ENS {
			eth, err := ethclient.DialContext(ctx, chain.RPCURL)
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("初始化链 %s 的 ENS 解析失败: %w", name, err)
			}
			r.RegisterResolver(name, ethereum.NewENS(eth, common.Address{}))
			r.closers = append(r.closers, eth.Close)
		}
	}
	if r.defaultNetwork == "" {
		r.defaultNetwork = defs.Names()[0]
	}
	if _, ok := r.lookup(r.defaultNetwork); !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.defaultNetwork)
	}
	return r, nil
}

// Register adds or replaces the submitter for a network.
func (r *Registry) Register(network string, submitter web3.Submitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitters[strings.ToLower(strings.TrimSpace(network))] = submitter
}

// RegisterResolver adds a name resolver for a network.
func (r *Registry) RegisterResolver(network string, resolver identity.NameResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[strings.ToLower(strings.TrimSpace(network))] = resolver
}

// Submit implements web3.Submitter by routing on Transfer.Network.
func (r *Registry) Submit(ctx context.Context, t web3.Transfer) (string, error) {
	if r == nil {
		return "", errors.New("未初始化的链客户端注册表")
	}
	network := strings.ToLower(strings.TrimSpace(t.Network))
	if network == "" {
		network = r.defaultNetwork
	}
	submitter, ok := r.lookup(network)
	if !ok {
		return "", fmt.Errorf("%w: %s", web3.ErrUnknownNetwork, network)
	}
	return submitter.Submit(ctx, t)
}

// Decimals delegates to the chain definitions.
func (r *Registry) Decimals(network, token string) (int32, bool) {
	if r == nil {
		return 0, false
	}
	if strings.TrimSpace(network) == "" {
		network = r.defaultNetwork
	}
	return r.defs.Decimals(network, token)
}

// NameResolver returns a resolver that tries every chain with ENS enabled,
// default network first.
func (r *Registry) NameResolver() identity.NameResolver {
	return resolverChain{r}
}

type resolverChain struct{ r *Registry }

func (c resolverChain) ResolveName(ctx context.Context, name string) (string, error) {
	c.r.mu.RLock()
	ordered := make([]identity.NameResolver, 0, len(c.r.resolvers))
	if def, ok := c.r.resolvers[c.r.defaultNetwork]; ok {
		ordered = append(ordered, def)
	}
	for _, network := range sortedKeys(c.r.resolvers) {
		if network != c.r.defaultNetwork {
			ordered = append(ordered, c.r.resolvers[network])
		}
	}
	c.r.mu.RUnlock()

	for _, resolver := range ordered {
		addr, err := resolver.ResolveName(ctx, name)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return "", err
		}
	}
	return "", identity.ErrNotFound
}

// Networks returns the list of registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.submitters)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, closeFn := range r.closers {
		closeFn()
	}
	r.closers = nil
	r.submitters = make(map[string]web3.Submitter)
	r.resolvers = make(map[string]identity.NameResolver)
}

func (r *Registry) lookup(network string) (web3.Submitter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.submitters[network]
	return s, ok
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ web3.Submitter = (*Registry)(nil)
