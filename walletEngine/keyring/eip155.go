package keyring

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
)

// EIP155BasePath is the BIP44 prefix for Ethereum accounts.
const EIP155BasePath = "m/44'/60'/0'/0"

// EIP155Keyring derives secp256k1 accounts along m/44'/60'/0'/0/i.
type EIP155Keyring struct {
	base accounts.DerivationPath
}

// NewEIP155Keyring returns the eip155 namespace keyring.
func NewEIP155Keyring() *EIP155Keyring {
	path, err := accounts.ParseDerivationPath(EIP155BasePath)
	if err != nil {
		panic(err)
	}
	return &EIP155Keyring{base: path}
}

func (k *EIP155Keyring) Namespace() string { return "eip155" }

func (k *EIP155Keyring) DerivePath(index uint32) string {
	path := append(append(accounts.DerivationPath{}, k.base...), index)
	return path.String()
}

func (k *EIP155Keyring) Derive(seed []byte, index uint32) (string, []byte, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return "", nil, apperrors.Newf(apperrors.ReasonIndexOutOfRange, "index %d is out of range", index)
	}
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to create master key")
	}
	defer func() { key.Zero() }()

	path := append(append(accounts.DerivationPath{}, k.base...), index)
	for _, component := range path {
		child, err := key.Derive(component)
		if err != nil {
			return "", nil, errors.Wrapf(err, "failed to derive component %d", component)
		}
		key.Zero()
		key = child
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to extract private key")
	}
	secret := priv.Serialize()
	priv.Zero()

	address, err := addressFromSecret(secret)
	if err != nil {
		Zero(secret)
		return "", nil, err
	}
	return address, secret, nil
}

func (k *EIP155Keyring) ParsePrivateKey(encoded string) (string, []byte, error) {
	encoded = strings.TrimPrefix(strings.TrimSpace(encoded), "0x")
	secret, err := hexutil.Decode("0x" + encoded)
	if err != nil || len(secret) != 32 {
		Zero(secret)
		return "", nil, apperrors.New(apperrors.ReasonInvalidPrivateKey, "private key must be 32 bytes of hex")
	}
	address, err := addressFromSecret(secret)
	if err != nil {
		Zero(secret)
		return "", nil, err
	}
	return address, secret, nil
}

func (k *EIP155Keyring) FormatPrivateKey(secret []byte) ([]byte, error) {
	if len(secret) != 32 {
		return nil, apperrors.New(apperrors.ReasonInvalidPrivateKey, "private key must be 32 bytes")
	}
	out := make([]byte, 2+hex.EncodedLen(len(secret)))
	copy(out, "0x")
	hex.Encode(out[2:], secret)
	return out, nil
}

// SignDigest signs a 32-byte digest and returns [R || S || V] with V in {27, 28}.
func (k *EIP155Keyring) SignDigest(secret, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, apperrors.Newf(apperrors.ReasonRpcInvalidParams, "digest must be 32 bytes, got %d", len(digest))
	}
	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ReasonInvalidPrivateKey, err, "invalid private key")
	}
	defer key.D.SetInt64(0)

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign digest")
	}
	sig[64] += 27
	return sig, nil
}

func (k *EIP155Keyring) NormalizeAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", apperrors.Newf(apperrors.ReasonRpcInvalidParams, "invalid address %q", address)
	}
	return common.HexToAddress(address).Hex(), nil
}

func addressFromSecret(secret []byte) (string, error) {
	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ReasonInvalidPrivateKey, err, "invalid private key")
	}
	defer key.D.SetInt64(0)
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
