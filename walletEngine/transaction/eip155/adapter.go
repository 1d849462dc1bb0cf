// Package eip155 implements the transaction adapter for EVM chains.
package eip155

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/keyring"
	"github.com/iosh/arx-sub004/walletEngine/rpcclient"
	"github.com/iosh/arx-sub004/walletEngine/transaction"
)

const Namespace = "eip155"

// defaultTip is used when the node cannot suggest a priority fee.
var defaultTip = big.NewInt(1_500_000_000)

// Client is the chain access the adapter needs.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error)
	LatestBaseFee(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, args rpcclient.CallArgs) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (json.RawMessage, *rpcclient.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (bool, error)
}

// Signer lends account secrets for signing.
type Signer interface {
	WithAccountSecret(namespace, address string, fn func(kr keyring.NamespaceKeyring, secret []byte) error) error
}

// Adapter prepares, signs and broadcasts eip155 transactions.
type Adapter struct {
	clients func(chainRef string) Client
	signer  Signer
	logger  zerolog.Logger
}

var _ transaction.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter. clients returns the RPC client bound to a
// chain reference.
func NewAdapter(clients func(chainRef string) Client, signer Signer, logger zerolog.Logger) *Adapter {
	return &Adapter{
		clients: clients,
		signer:  signer,
		logger:  logger.With().Str("component", "eip155_adapter").Logger(),
	}
}

// FromTransport binds clients to the shared RPC transport.
func FromTransport(t *rpcclient.Transport) func(chainRef string) Client {
	return func(chainRef string) Client { return t.EIP155(chainRef) }
}

func (a *Adapter) Namespace() string { return Namespace }

// TxRequest is the dapp supplied eth_sendTransaction object.
type TxRequest struct {
	From                 *common.Address `json:"from,omitempty"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Data                 *hexutil.Bytes  `json:"data,omitempty"`
	Input                *hexutil.Bytes  `json:"input,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
}

func (r TxRequest) payload() []byte {
	switch {
	case r.Input != nil:
		return *r.Input
	case r.Data != nil:
		return *r.Data
	default:
		return nil
	}
}

// Params is the fully specified transaction produced by Prepare. GasPrice is
// set for legacy transactions, the two fee caps for dynamic fee ones.
type Params struct {
	ChainID              *hexutil.Big    `json:"chainId"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

func (p Params) tx() *types.Transaction {
	value := new(big.Int)
	if p.Value != nil {
		value = p.Value.ToInt()
	}
	if p.GasPrice != nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    uint64(p.Nonce),
			GasPrice: p.GasPrice.ToInt(),
			Gas:      uint64(p.Gas),
			To:       p.To,
			Value:    value,
			Data:     p.Data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.ChainID.ToInt(),
		Nonce:     uint64(p.Nonce),
		GasTipCap: p.MaxPriorityFeePerGas.ToInt(),
		GasFeeCap: p.MaxFeePerGas.ToInt(),
		Gas:       uint64(p.Gas),
		To:        p.To,
		Value:     value,
		Data:      p.Data,
	})
}

// SignedTx is the stored signed payload.
type SignedTx struct {
	Raw  hexutil.Bytes `json:"raw"`
	Hash common.Hash   `json:"hash"`
}

// Prepare fills nonce, gas and fees that the request leaves open.
// Mismatched sender or chain id become issues so the user sees them.
func (a *Adapter) Prepare(ctx context.Context, r transaction.Record) (transaction.Prepared, error) {
	var req TxRequest
	if err := json.Unmarshal(r.Request, &req); err != nil {
		return transaction.Prepared{}, apperrors.NewInvalidParams("invalid transaction request: " + err.Error())
	}
	chainID, err := ChainIDFromRef(r.ChainRef)
	if err != nil {
		return transaction.Prepared{}, err
	}
	from, err := senderOf(r)
	if err != nil {
		return transaction.Prepared{}, err
	}

	var out transaction.Prepared
	if req.From != nil && *req.From != from {
		out.Issues = append(out.Issues, transaction.Issue{
			Code:    "fromMismatch",
			Message: "request sender does not match the selected account",
			Data:    map[string]any{"from": req.From.Hex(), "account": from.Hex()},
		})
	}
	if req.ChainID != nil && req.ChainID.ToInt().Cmp(chainID) != 0 {
		out.Issues = append(out.Issues, transaction.Issue{
			Code:    "chainIdMismatch",
			Message: "request chain id does not match the active chain",
			Data:    map[string]any{"chainId": req.ChainID.String(), "expected": hexutil.EncodeBig(chainID)},
		})
	}
	if req.To == nil {
		if len(req.payload()) == 0 {
			out.Issues = append(out.Issues, transaction.Issue{Code: "emptyDeployment", Message: "contract creation without code"})
		} else {
			out.Warnings = append(out.Warnings, transaction.Issue{Code: "contractCreation", Message: "transaction deploys a contract"})
		}
	}

	client := a.clients(r.ChainRef)
	p := Params{
		ChainID: (*hexutil.Big)(chainID),
		From:    from,
		To:      req.To,
		Value:   req.Value,
		Data:    req.payload(),
	}
	if p.Value == nil {
		p.Value = (*hexutil.Big)(new(big.Int))
	}

	if req.Nonce != nil {
		p.Nonce = *req.Nonce
	} else {
		nonce, err := client.PendingNonceAt(ctx, from)
		if err != nil {
			return transaction.Prepared{}, err
		}
		p.Nonce = hexutil.Uint64(nonce)
	}

	if err := a.fillFees(ctx, client, req, &p); err != nil {
		return transaction.Prepared{}, err
	}

	if req.Gas != nil {
		p.Gas = *req.Gas
	} else {
		gas, err := client.EstimateGas(ctx, rpcclient.CallArgs{From: from, To: req.To, Value: p.Value, Data: p.Data})
		if err != nil {
			return transaction.Prepared{}, err
		}
		p.Gas = hexutil.Uint64(gas)
	}

	params, err := json.Marshal(p)
	if err != nil {
		return transaction.Prepared{}, apperrors.NewInternal("failed to encode transaction params", err)
	}
	out.Params = params
	return out, nil
}

func (a *Adapter) fillFees(ctx context.Context, client Client, req TxRequest, p *Params) error {
	if req.GasPrice != nil {
		p.GasPrice = req.GasPrice
		return nil
	}
	if req.MaxFeePerGas != nil && req.MaxPriorityFeePerGas != nil {
		p.MaxFeePerGas, p.MaxPriorityFeePerGas = req.MaxFeePerGas, req.MaxPriorityFeePerGas
		return nil
	}

	baseFee, err := client.LatestBaseFee(ctx)
	if err != nil {
		return err
	}
	if baseFee == nil {
		price, err := client.GasPrice(ctx)
		if err != nil {
			return err
		}
		p.GasPrice = (*hexutil.Big)(price)
		return nil
	}

	tip := defaultTip
	if req.MaxPriorityFeePerGas != nil {
		tip = req.MaxPriorityFeePerGas.ToInt()
	} else if suggested, err := client.MaxPriorityFeePerGas(ctx); err == nil {
		tip = suggested
	} else if apperrors.IsEndpointFailure(err) {
		return err
	} else {
		a.logger.Debug().Err(err).Msg("priority fee unavailable, using default")
	}

	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	if req.MaxFeePerGas != nil {
		maxFee = req.MaxFeePerGas.ToInt()
	}
	p.MaxFeePerGas = (*hexutil.Big)(maxFee)
	p.MaxPriorityFeePerGas = (*hexutil.Big)(new(big.Int).Set(tip))
	return nil
}

// Sign signs the prepared params with the sender's key.
func (a *Adapter) Sign(ctx context.Context, r transaction.Record) (json.RawMessage, error) {
	p, err := decodeParams(r.Prepared)
	if err != nil {
		return nil, err
	}
	tx := p.tx()
	signer := types.LatestSignerForChainID(p.ChainID.ToInt())

	var signed *types.Transaction
	err = a.signer.WithAccountSecret(Namespace, p.From.Hex(), func(_ keyring.NamespaceKeyring, secret []byte) error {
		key, err := crypto.ToECDSA(secret)
		if err != nil {
			return apperrors.Wrap(apperrors.ReasonInvalidPrivateKey, err, "invalid private key")
		}
		defer key.D.SetInt64(0)
		signed, err = types.SignTx(tx, signer, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, apperrors.NewInternal("failed to encode signed transaction", err)
	}
	a.logger.Debug().Str("tx_id", r.ID).Str("hash", signed.Hash().Hex()).Msg("transaction signed")
	return json.Marshal(SignedTx{Raw: raw, Hash: signed.Hash()})
}

// Broadcast sends the signed bytes. A node that already has the
// transaction counts as a successful broadcast.
func (a *Adapter) Broadcast(ctx context.Context, r transaction.Record) (string, error) {
	var s SignedTx
	if err := json.Unmarshal(r.Signed, &s); err != nil || len(s.Raw) == 0 {
		return "", apperrors.NewInternal("signed payload is missing or malformed", err)
	}
	hash, err := a.clients(r.ChainRef).SendRawTransaction(ctx, s.Raw)
	if err != nil {
		if isAlreadyKnown(err) {
			return s.Hash.Hex(), nil
		}
		return "", err
	}
	if hash == (common.Hash{}) {
		hash = s.Hash
	}
	return hash.Hex(), nil
}

func (a *Adapter) FetchReceipt(ctx context.Context, chainRef, hash string) (transaction.ReceiptResult, error) {
	raw, receipt, err := a.clients(chainRef).TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		return transaction.ReceiptResult{}, err
	}
	if receipt == nil {
		return transaction.ReceiptResult{}, nil
	}
	return transaction.ReceiptResult{Found: true, Success: receipt.Succeeded(), Receipt: raw}, nil
}

// DetectReplacement reports a replacement when the sender's mined nonce has
// passed ours and the node no longer knows our hash. The replacing hash is
// not discoverable over plain JSON-RPC, so it is left empty.
func (a *Adapter) DetectReplacement(ctx context.Context, r transaction.Record) (transaction.Replacement, error) {
	p, err := decodeParams(r.Prepared)
	if err != nil {
		return transaction.Replacement{}, err
	}
	client := a.clients(r.ChainRef)
	mined, err := client.NonceAt(ctx, p.From)
	if err != nil {
		return transaction.Replacement{}, err
	}
	if mined <= uint64(p.Nonce) {
		return transaction.Replacement{}, nil
	}
	known, err := client.TransactionByHash(ctx, common.HexToHash(r.Hash))
	if err != nil {
		return transaction.Replacement{}, err
	}
	if known {
		return transaction.Replacement{}, nil
	}
	return transaction.Replacement{Replaced: true}, nil
}

// ChainIDFromRef parses the decimal reference of an eip155 chain reference.
func ChainIDFromRef(chainRef string) (*big.Int, error) {
	ns, ref, ok := strings.Cut(chainRef, ":")
	if !ok || ns != Namespace {
		return nil, apperrors.NewInvalidParams("not an eip155 chain reference: " + chainRef)
	}
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok || id.Sign() <= 0 {
		return nil, apperrors.NewInvalidParams("invalid eip155 chain id: " + ref)
	}
	return id, nil
}

func senderOf(r transaction.Record) (common.Address, error) {
	i := strings.LastIndex(r.FromAccountID, ":")
	addr := r.FromAccountID[i+1:]
	if !common.IsHexAddress(addr) {
		return common.Address{}, apperrors.NewInvalidParams("invalid sender account " + r.FromAccountID)
	}
	return common.HexToAddress(addr), nil
}

func decodeParams(raw json.RawMessage) (Params, error) {
	var p Params
	if len(raw) == 0 {
		return p, apperrors.NewInternal("transaction has not been prepared", nil)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, apperrors.NewInternal("malformed prepared params", err)
	}
	if p.ChainID == nil {
		return p, apperrors.NewInternal("prepared params lack a chain id", nil)
	}
	if p.GasPrice == nil && (p.MaxFeePerGas == nil || p.MaxPriorityFeePerGas == nil) {
		return p, apperrors.NewInternal("prepared params lack fees", nil)
	}
	return p, nil
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
