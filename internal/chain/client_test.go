package chain

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"MonadFlow/internal/errors"
	"MonadFlow/internal/network"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// newRPCServer 启动一个单请求的 JSON-RPC 假节点。
func newRPCServer(t *testing.T, handle func(method string, params []json.RawMessage) (any, *rpcError)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		result, rpcErr := handle(req.Method, req.Params)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func chainIDServer(t *testing.T, hexID string) string {
	return newRPCServer(t, func(method string, _ []json.RawMessage) (any, *rpcError) {
		if method == "eth_chainId" {
			return hexID, nil
		}
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	})
}

func TestDialVerifiesChainID(t *testing.T) {
	url := chainIDServer(t, "0x279f")

	conn, err := Dial(context.Background(), network.Config{Name: "testnet", ChainID: 10143, RPCURL: url})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if conn.ChainID().Uint64() != 10143 {
		t.Fatalf("unexpected chain id: %s", conn.ChainID())
	}
	if conn.Network().Name != "testnet" {
		t.Fatalf("unexpected network: %+v", conn.Network())
	}
}

func TestDialChainIDMismatchUsesNodeID(t *testing.T) {
	url := chainIDServer(t, "0x279f")

	// 配置与节点不一致时仅告警, 节点返回的链 ID 作为签名依据。
	conn, err := Dial(context.Background(), network.Config{Name: "testnet", ChainID: 999, RPCURL: url})
	if err != nil {
		t.Fatalf("mismatch should not fail dial: %v", err)
	}
	if conn.ChainID().Uint64() != 10143 {
		t.Fatalf("node chain id should win, got %s", conn.ChainID())
	}
	conn.Close()

	// 配置未指定链 ID 时不校验。
	conn, err = Dial(context.Background(), network.Config{Name: "testnet", RPCURL: url})
	if err != nil {
		t.Fatalf("dial without expected chain id: %v", err)
	}
	conn.Close()
}

func TestDialInvalidEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), network.Config{Name: "x"})
	if errors.CodeOf(err) != errors.CodeInvalidArgument {
		t.Fatalf("empty endpoint: got %v", err)
	}
	_, err = Dial(context.Background(), network.Config{Name: "x", RPCURL: "bogus://node"})
	if errors.CodeOf(err) != errors.CodeInitializationFailure {
		t.Fatalf("unknown scheme: got %v", err)
	}
}

func TestClientReads(t *testing.T) {
	url := newRPCServer(t, func(method string, _ []json.RawMessage) (any, *rpcError) {
		switch method {
		case "eth_chainId":
			return "0x279f", nil
		case "eth_blockNumber":
			return "0x10", nil
		case "eth_getBalance":
			return "0xde0b6b3a7640000", nil
		case "eth_gasPrice":
			return "0x3b9aca00", nil
		case "eth_getTransactionCount":
			return "0x5", nil
		}
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	})

	conn, err := Dial(context.Background(), network.Config{Name: "testnet", ChainID: 10143, RPCURL: url})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	addr := common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")

	number, err := conn.BlockNumber(ctx)
	if err != nil || number != 16 {
		t.Fatalf("block number: got %d err %v", number, err)
	}
	balance, err := conn.Balance(ctx, addr)
	if err != nil || balance.Cmp(big.NewInt(1_000_000_000_000_000_000)) != 0 {
		t.Fatalf("balance: got %s err %v", balance, err)
	}
	price, err := conn.GasPrice(ctx)
	if err != nil || price.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("gas price: got %s err %v", price, err)
	}
	nonce, err := conn.PendingNonce(ctx, addr)
	if err != nil || nonce != 5 {
		t.Fatalf("pending nonce: got %d err %v", nonce, err)
	}
}

func signedTestTx(t *testing.T, chainID *big.Int) (*coretypes.Transaction, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	to := common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")
	tx := coretypes.MustSignNewTx(key, coretypes.LatestSignerForChainID(chainID), &coretypes.LegacyTx{
		Nonce:    1,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
	})
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	return tx, raw
}

func TestSendRaw(t *testing.T) {
	chainID := big.NewInt(10143)
	tx, raw := signedTestTx(t, chainID)

	t.Run("broadcast ok", func(t *testing.T) {
		url := newRPCServer(t, func(method string, _ []json.RawMessage) (any, *rpcError) {
			switch method {
			case "eth_chainId":
				return "0x279f", nil
			case "eth_sendRawTransaction":
				return tx.Hash().Hex(), nil
			}
			return nil, &rpcError{Code: -32601, Message: "method not found"}
		})
		conn, err := Dial(context.Background(), network.Config{Name: "testnet", ChainID: 10143, RPCURL: url})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		hash, err := conn.SendRaw(context.Background(), raw)
		if err != nil {
			t.Fatalf("send raw: %v", err)
		}
		if hash != tx.Hash() {
			t.Fatalf("unexpected hash: got %s want %s", hash, tx.Hash())
		}
	})

	t.Run("already known counts as success", func(t *testing.T) {
		url := newRPCServer(t, func(method string, _ []json.RawMessage) (any, *rpcError) {
			switch method {
			case "eth_chainId":
				return "0x279f", nil
			case "eth_sendRawTransaction":
				return nil, &rpcError{Code: -32000, Message: "already known"}
			}
			return nil, &rpcError{Code: -32601, Message: "method not found"}
		})
		conn, err := Dial(context.Background(), network.Config{Name: "testnet", ChainID: 10143, RPCURL: url})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		hash, err := conn.SendRaw(context.Background(), raw)
		if err != nil {
			t.Fatalf("already known should not be an error: %v", err)
		}
		if hash != tx.Hash() {
			t.Fatalf("unexpected hash: got %s want %s", hash, tx.Hash())
		}
	})

	t.Run("node rejection is classified", func(t *testing.T) {
		url := newRPCServer(t, func(method string, _ []json.RawMessage) (any, *rpcError) {
			switch method {
			case "eth_chainId":
				return "0x279f", nil
			case "eth_sendRawTransaction":
				return nil, &rpcError{Code: -32000, Message: "nonce too low"}
			}
			return nil, &rpcError{Code: -32601, Message: "method not found"}
		})
		conn, err := Dial(context.Background(), network.Config{Name: "testnet", ChainID: 10143, RPCURL: url})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		if _, err := conn.SendRaw(context.Background(), raw); errors.CodeOf(err) != CodeNonceConflict {
			t.Fatalf("unexpected classification: %v", err)
		}
	})

	t.Run("garbage bytes", func(t *testing.T) {
		url := chainIDServer(t, "0x279f")
		conn, err := Dial(context.Background(), network.Config{Name: "testnet", ChainID: 10143, RPCURL: url})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		if _, err := conn.SendRaw(context.Background(), []byte{0x01, 0x02}); errors.CodeOf(err) != errors.CodeInvalidArgument {
			t.Fatalf("garbage should fail before broadcast, got %v", err)
		}
	})
}

func TestReceipt(t *testing.T) {
	chainID := big.NewInt(10143)
	tx, _ := signedTestTx(t, chainID)

	receiptJSON := map[string]any{
		"transactionHash":   tx.Hash().Hex(),
		"status":            "0x1",
		"cumulativeGasUsed": "0x5208",
		"gasUsed":           "0x5208",
		"logsBloom":         "0x" + strings.Repeat("0", 512),
		"logs":              []any{},
		"blockNumber":       "0x64",
		"blockHash":         common.HexToHash("0xbeef").Hex(),
		"transactionIndex":  "0x0",
	}

	url := newRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcError) {
		switch method {
		case "eth_chainId":
			return "0x279f", nil
		case "eth_getTransactionReceipt":
			var hash common.Hash
			if err := json.Unmarshal(params[0], &hash); err != nil {
				return nil, &rpcError{Code: -32602, Message: "bad hash"}
			}
			if hash == tx.Hash() {
				return receiptJSON, nil
			}
			return nil, nil
		}
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	})

	conn, err := Dial(context.Background(), network.Config{Name: "testnet", ChainID: 10143, RPCURL: url})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	receipt, err := conn.Receipt(ctx, tx.Hash())
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt == nil || receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if receipt.BlockNumber.Uint64() != 100 {
		t.Fatalf("unexpected block number: %s", receipt.BlockNumber)
	}

	// 未挖出的交易返回 nil 而不是错误。
	missing, err := conn.Receipt(ctx, common.HexToHash("0xdead"))
	if err != nil {
		t.Fatalf("missing receipt: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil receipt, got %+v", missing)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errors.Code
	}{
		{"deadline", context.DeadlineExceeded, CodeRPCTimeout},
		{"timeout text", stderrors.New("request timeout exceeded"), CodeRPCTimeout},
		{"nonce low", stderrors.New("nonce too low"), CodeNonceConflict},
		{"nonce high", stderrors.New("nonce too high"), CodeNonceConflict},
		{"underpriced", stderrors.New("replacement transaction underpriced"), CodeUnderpriced},
		{"funds", stderrors.New("insufficient funds for gas * price + value"), CodeInsufficientFunds},
		{"reverted", stderrors.New("execution reverted: ERC20: transfer amount exceeds balance"), CodeExecutionReverted},
		{"other", stderrors.New("connection refused"), CodeRPCError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err, "test call")
			if errors.CodeOf(got) != tc.want {
				t.Fatalf("classify(%v): got %s want %s", tc.err, errors.CodeOf(got), tc.want)
			}
		})
	}

	if !errors.RetryableError(classify(context.DeadlineExceeded, "call")) {
		t.Fatalf("timeouts should be retryable")
	}
	if errors.RetryableError(classify(stderrors.New("nonce too low"), "call")) {
		t.Fatalf("nonce conflicts should not be retryable")
	}
	if classify(nil, "call") != nil {
		t.Fatalf("nil error should stay nil")
	}
}
