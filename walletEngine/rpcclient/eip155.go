package rpcclient

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EIP155Client is a typed view of the transport for eip155 chains.
type EIP155Client struct {
	t        *Transport
	chainRef string
}

// EIP155 returns a typed client bound to chainRef.
func (t *Transport) EIP155(chainRef string) *EIP155Client {
	return &EIP155Client{t: t, chainRef: chainRef}
}

func (c *EIP155Client) ChainRef() string { return c.chainRef }

func (c *EIP155Client) ChainID(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := c.t.Call(ctx, c.chainRef, &out, "eth_chainId"); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

func (c *EIP155Client) BlockNumber(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	err := c.t.Call(ctx, c.chainRef, &out, "eth_blockNumber")
	return uint64(out), err
}

// PendingNonceAt returns the next nonce for account including pool transactions.
func (c *EIP155Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out hexutil.Uint64
	err := c.t.Call(ctx, c.chainRef, &out, "eth_getTransactionCount", account, "pending")
	return uint64(out), err
}

// NonceAt returns the nonce of account at the latest block.
func (c *EIP155Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out hexutil.Uint64
	err := c.t.Call(ctx, c.chainRef, &out, "eth_getTransactionCount", account, "latest")
	return uint64(out), err
}

func (c *EIP155Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := c.t.Call(ctx, c.chainRef, &out, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

func (c *EIP155Client) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := c.t.Call(ctx, c.chainRef, &out, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

// LatestBaseFee returns the base fee of the latest block, or nil before London.
func (c *EIP155Client) LatestBaseFee(ctx context.Context) (*big.Int, error) {
	var head struct {
		BaseFee *hexutil.Big `json:"baseFeePerGas"`
	}
	if err := c.t.Call(ctx, c.chainRef, &head, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, err
	}
	if head.BaseFee == nil {
		return nil, nil
	}
	return head.BaseFee.ToInt(), nil
}

// CallArgs mirrors the eth_call / eth_estimateGas argument object.
type CallArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

func (c *EIP155Client) EstimateGas(ctx context.Context, args CallArgs) (uint64, error) {
	var out hexutil.Uint64
	err := c.t.Call(ctx, c.chainRef, &out, "eth_estimateGas", args)
	return uint64(out), err
}

// SendRawTransaction broadcasts signed bytes and returns the node's hash.
func (c *EIP155Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var out common.Hash
	err := c.t.Call(ctx, c.chainRef, &out, "eth_sendRawTransaction", hexutil.Bytes(raw))
	return out, err
}

// Receipt holds the receipt fields the engine inspects.
type Receipt struct {
	TransactionHash   common.Hash    `json:"transactionHash"`
	BlockHash         common.Hash    `json:"blockHash"`
	BlockNumber       *hexutil.Big   `json:"blockNumber"`
	Status            hexutil.Uint64 `json:"status"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice,omitempty"`
}

// Succeeded reports whether the receipt status is 0x1.
func (r *Receipt) Succeeded() bool { return r.Status == 1 }

// TransactionReceipt returns the raw receipt, or nil when not yet mined.
func (c *EIP155Client) TransactionReceipt(ctx context.Context, hash common.Hash) (json.RawMessage, *Receipt, error) {
	raw, err := c.t.Request(ctx, c.chainRef, Request{Method: "eth_getTransactionReceipt", Params: []interface{}{hash}})
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil, nil
	}
	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, nil, err
	}
	return raw, &receipt, nil
}

// TransactionByHash reports whether the node still knows hash.
func (c *EIP155Client) TransactionByHash(ctx context.Context, hash common.Hash) (bool, error) {
	raw, err := c.t.Request(ctx, c.chainRef, Request{Method: "eth_getTransactionByHash", Params: []interface{}{hash}})
	if err != nil {
		return false, err
	}
	return len(raw) > 0 && string(raw) != "null", nil
}
