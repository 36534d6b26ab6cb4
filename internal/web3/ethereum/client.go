package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"nookplot-core/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name string
	// RPCURL is the JSON-RPC endpoint used for broadcasts and reads.
	RPCURL string
	// IdentityRegistry is the identity registry contract address.
	// When empty, RegistrationCompleted always reports false.
	IdentityRegistry string
	Notes            string
}

// registrationSelector is the 4-byte selector of isRegistered(address).
var registrationSelector = crypto.Keccak256([]byte("isRegistered(address)"))[:4]

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	registry    common.Address
	hasRegistry bool
	mu          sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}
	if registry := strings.TrimSpace(cfg.IdentityRegistry); registry != "" {
		if !common.IsHexAddress(registry) {
			rpcClient.Close()
			return nil, fmt.Errorf("身份注册表地址非法: %s", registry)
		}
		client.registry = common.HexToAddress(registry)
		client.hasRegistry = true
	}
	return client, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// SuggestGasPriceGwei returns the node's current gas price quote in gwei.
func (c *Client) SuggestGasPriceGwei(ctx context.Context) (int64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	priceWei, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	gwei := new(big.Int).Div(priceWei, big.NewInt(1_000_000_000))
	if !gwei.IsInt64() {
		return 0, fmt.Errorf("gas 价格超出可表示范围: %s", priceWei.String())
	}
	return gwei.Int64(), nil
}

// SubmitRawTransaction broadcasts RLP-encoded signed bytes and returns the
// transaction hash alongside the gas price quote at submission time.
func (c *Client) SubmitRawTransaction(ctx context.Context, rawTx []byte) (web3.SubmitResult, error) {
	if c == nil || c.rpcClient == nil {
		return web3.SubmitResult{}, errors.New("未初始化的以太坊客户端")
	}
	if len(rawTx) == 0 {
		return web3.SubmitResult{}, errors.New("交易字节不能为空")
	}

	gasPrice, err := c.SuggestGasPriceGwei(ctx)
	if err != nil {
		return web3.SubmitResult{}, err
	}

	var txHash common.Hash
	if err := c.rpcClient.CallContext(ctx, &txHash, "eth_sendRawTransaction", hexutil.Encode(rawTx)); err != nil {
		return web3.SubmitResult{}, fmt.Errorf("广播交易失败: %w", err)
	}
	return web3.SubmitResult{TxHash: txHash, GasPriceGwei: gasPrice}, nil
}

// RegistrationCompleted reads the identity registry contract.
// agentID 必须是该智能体的链上地址。
func (c *Client) RegistrationCompleted(ctx context.Context, agentID string) (bool, error) {
	if c == nil || c.eth == nil {
		return false, errors.New("未初始化的以太坊客户端")
	}
	if !c.hasRegistry {
		return false, nil
	}
	if !common.IsHexAddress(agentID) {
		return false, nil
	}

	data := make([]byte, 0, 36)
	data = append(data, registrationSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(agentID).Bytes(), 32)...)

	result, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &c.registry, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("查询身份注册表失败: %w", err)
	}
	for _, b := range result {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
