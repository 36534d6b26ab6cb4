package ethereum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeNode 是一个只认几个方法的 JSON-RPC 节点。
type fakeNode struct {
	t       *testing.T
	lastRaw string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		n.t.Errorf("decode rpc request: %v", err)
		return
	}
	var result string
	switch req.Method {
	case "eth_chainId":
		result = "0x539"
	case "eth_blockNumber":
		result = "0x10"
	case "eth_gasPrice":
		// 2 gwei
		result = "0x77359400"
	case "eth_sendRawTransaction":
		if len(req.Params) == 1 {
			_ = json.Unmarshal(req.Params[0], &n.lastRaw)
		}
		result = "0x" + strings.Repeat("ab", 32)
	case "eth_call":
		result = "0x" + strings.Repeat("00", 31) + "01"
	default:
		n.t.Errorf("unexpected rpc method %q", req.Method)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

func newTestClient(t *testing.T, registry string) (*Client, *fakeNode) {
	t.Helper()
	node := &fakeNode{t: t}
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)

	client, err := NewClient(context.Background(), Config{
		Name:             "testnet",
		RPCURL:           server.URL,
		IdentityRegistry: registry,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Close)
	return client, node
}

func TestFetchChainSnapshot(t *testing.T) {
	client, _ := newTestClient(t, "")
	snapshot, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("FetchChainSnapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" || snapshot.BlockNumber != "0x10" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestSubmitRawTransactionQuotesGasPrice(t *testing.T) {
	client, node := newTestClient(t, "")
	result, err := client.SubmitRawTransaction(context.Background(), []byte{0xf8, 0x6b})
	if err != nil {
		t.Fatalf("SubmitRawTransaction: %v", err)
	}
	if result.GasPriceGwei != 2 {
		t.Fatalf("gas price = %d gwei, want 2", result.GasPriceGwei)
	}
	if node.lastRaw != "0xf86b" {
		t.Fatalf("broadcast payload = %q", node.lastRaw)
	}
	if result.TxHash.Hex() != "0x"+strings.Repeat("ab", 32) {
		t.Fatalf("tx hash = %s", result.TxHash.Hex())
	}
}

func TestSubmitRawTransactionRejectsEmptyPayload(t *testing.T) {
	client, _ := newTestClient(t, "")
	if _, err := client.SubmitRawTransaction(context.Background(), nil); err == nil {
		t.Fatal("want error on empty payload")
	}
}

func TestRegistrationCompleted(t *testing.T) {
	registry := "0x00000000000000000000000000000000000000aa"
	client, _ := newTestClient(t, registry)

	registered, err := client.RegistrationCompleted(context.Background(), "0x00000000000000000000000000000000000000bb")
	if err != nil {
		t.Fatalf("RegistrationCompleted: %v", err)
	}
	if !registered {
		t.Fatal("want registered = true from non-zero call result")
	}
}

func TestRegistrationCompletedWithoutRegistry(t *testing.T) {
	client, _ := newTestClient(t, "")
	registered, err := client.RegistrationCompleted(context.Background(), "0x00000000000000000000000000000000000000bb")
	if err != nil || registered {
		t.Fatalf("registered = %v, err = %v, want false without registry", registered, err)
	}
}

func TestRegistrationCompletedNonAddressAgent(t *testing.T) {
	client, _ := newTestClient(t, "0x00000000000000000000000000000000000000aa")
	registered, err := client.RegistrationCompleted(context.Background(), "agent-1")
	if err != nil || registered {
		t.Fatalf("registered = %v, err = %v, want false for off-chain id", registered, err)
	}
}
