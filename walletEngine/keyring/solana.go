package keyring

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
)

const (
	slip10Curve     = "ed25519 seed"
	hardenedOffset  = uint32(0x80000000)
	solanaCoinType  = 501
	solanaKeyLength = ed25519.PrivateKeySize
)

// SolanaKeyring derives ed25519 accounts along m/44'/501'/i'/0' (SLIP-10,
// hardened only).
type SolanaKeyring struct{}

// NewSolanaKeyring returns the solana namespace keyring.
func NewSolanaKeyring() *SolanaKeyring { return &SolanaKeyring{} }

func (k *SolanaKeyring) Namespace() string { return "solana" }

func (k *SolanaKeyring) DerivePath(index uint32) string {
	return fmt.Sprintf("m/44'/%d'/%d'/0'", solanaCoinType, index)
}

func (k *SolanaKeyring) Derive(seed []byte, index uint32) (string, []byte, error) {
	if index >= hardenedOffset {
		return "", nil, apperrors.Newf(apperrors.ReasonIndexOutOfRange, "index %d is out of range", index)
	}
	path := []uint32{44, solanaCoinType, index, 0}

	key, chainCode := slip10Master(seed)
	for _, component := range path {
		nextKey, nextChain := slip10Child(key, chainCode, component+hardenedOffset)
		Zero(key)
		Zero(chainCode)
		key, chainCode = nextKey, nextChain
	}
	defer Zero(chainCode)

	secret := []byte(ed25519.NewKeyFromSeed(key))
	Zero(key)
	return solana.PrivateKey(secret).PublicKey().String(), secret, nil
}

// ParsePrivateKey accepts the 64-byte base58 secret key format.
func (k *SolanaKeyring) ParsePrivateKey(encoded string) (string, []byte, error) {
	secret, err := base58.Decode(strings.TrimSpace(encoded))
	if err != nil || len(secret) != solanaKeyLength {
		Zero(secret)
		return "", nil, apperrors.New(apperrors.ReasonInvalidPrivateKey, "private key must be a 64-byte base58 secret key")
	}
	pub := ed25519.PrivateKey(secret).Public().(ed25519.PublicKey)
	// the trailing 32 bytes must be the public key of the leading seed
	if !ed25519.NewKeyFromSeed(secret[:32]).Public().(ed25519.PublicKey).Equal(pub) {
		Zero(secret)
		return "", nil, apperrors.New(apperrors.ReasonInvalidPrivateKey, "private key does not match its public key")
	}
	return solana.PublicKeyFromBytes(pub).String(), secret, nil
}

func (k *SolanaKeyring) FormatPrivateKey(secret []byte) ([]byte, error) {
	if len(secret) != solanaKeyLength {
		return nil, apperrors.New(apperrors.ReasonInvalidPrivateKey, "private key must be 64 bytes")
	}
	return []byte(base58.Encode(secret)), nil
}

// SignDigest signs the message bytes with ed25519.
func (k *SolanaKeyring) SignDigest(secret, payload []byte) ([]byte, error) {
	if len(secret) != solanaKeyLength {
		return nil, apperrors.New(apperrors.ReasonInvalidPrivateKey, "private key must be 64 bytes")
	}
	sig, err := solana.PrivateKey(secret).Sign(payload)
	if err != nil {
		return nil, err
	}
	return sig[:], nil
}

func (k *SolanaKeyring) NormalizeAddress(address string) (string, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return "", apperrors.Newf(apperrors.ReasonRpcInvalidParams, "invalid address %q", address)
	}
	return pub.String(), nil
}

func slip10Master(seed []byte) (key, chainCode []byte) {
	mac := hmac.New(sha512.New, []byte(slip10Curve))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

func slip10Child(key, chainCode []byte, index uint32) ([]byte, []byte) {
	data := make([]byte, 0, 37)
	data = append(data, 0x00)
	data = append(data, key...)
	data = binary.BigEndian.AppendUint32(data, index)
	defer Zero(data)

	mac := hmac.New(sha512.New, chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}
