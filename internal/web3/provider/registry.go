package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"nookplot-core/internal/config"
	"nookplot-core/internal/web3"
	"nookplot-core/internal/web3/ethereum"
)

// Registry 按名字持有链客户端，供守卫与执行侧按需取用。
// 构造完成后只读。
type Registry struct {
	defaultChain string
	names        []string
	clients      map[string]web3.Client
}

// NewRegistry 根据配置装配链客户端。
// 优先使用 ChainConfig 指向的 YAML 定义；
// 没有任何定义时退化为 RPCURL 描述的单链。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	r := &Registry{clients: make(map[string]web3.Client)}
	for name, chain := range defs.Chains {
		client, err := buildClient(ctx, name, chain)
		if err != nil {
			r.closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
	}

	// 单链兜底：配置里只给了一个 RPC 端点。
	if len(r.clients) == 0 {
		rpcURL := strings.TrimSpace(cfg.RPCURL)
		if rpcURL == "" {
			return nil, errors.New("未配置任何链的 RPC 端点")
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			RPCURL:           rpcURL,
			IdentityRegistry: cfg.IdentityRegistry,
		})
		if err != nil {
			return nil, err
		}
		r.clients["default"] = client
	}

	for name := range r.clients {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)

	r.defaultChain = cfg.DefaultChain
	if r.defaultChain == "" {
		r.defaultChain = r.names[0]
	}
	if _, ok := r.clients[r.defaultChain]; !ok {
		r.closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中定义", r.defaultChain)
	}
	return r, nil
}

func buildClient(ctx context.Context, name string, chain web3.ChainDefinition) (web3.Client, error) {
	chainType := strings.ToLower(strings.TrimSpace(chain.Type))
	if chainType != "" && chainType != "evm" {
		return nil, fmt.Errorf("不支持的链类型 %s", chain.Type)
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:             name,
		RPCURL:           chain.RPCURL,
		IdentityRegistry: chain.IdentityRegistry,
		Notes:            chain.Description,
	})
}

// DefaultClient 返回默认链的客户端。
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil || len(r.clients) == 0 {
		return nil, errors.New("链客户端注册表为空")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client 按名字返回链客户端。
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Chains 返回已注册链名的有序列表。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// Close 释放全部链客户端。
func (r *Registry) Close() {
	if r != nil {
		r.closeAll()
	}
}

func (r *Registry) closeAll() {
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
