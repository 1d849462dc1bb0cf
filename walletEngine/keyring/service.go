package keyring

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
	"github.com/tyler-smith/go-bip39"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

// Config holds configuration for the signing service.
type Config struct {
	Keyrings []NamespaceKeyring // defaults to eip155 and solana
	Accounts AccountStore
	Vault    VaultStore
	Bus      *eventbus.Bus
	Clock    clock.Clock
	Logger   zerolog.Logger
}

type entry struct {
	account Account
	secret  *Secret // nil while locked
}

// Service is the signing boundary. Account metadata is always available;
// secrets exist only between Unlock and Lock.
type Service struct {
	keyrings map[string]NamespaceKeyring
	accounts AccountStore
	vault    VaultStore
	bus      *eventbus.Bus
	clock    clock.Clock
	logger   zerolog.Logger

	mu       sync.RWMutex
	unlocked bool
	password *Secret
	mnemonic *Secret
	seed     *Secret
	entries  map[string]*entry
}

// NewService creates a locked signing service.
func NewService(cfg Config) *Service {
	if len(cfg.Keyrings) == 0 {
		cfg.Keyrings = []NamespaceKeyring{NewEIP155Keyring(), NewSolanaKeyring()}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	s := &Service{
		keyrings: make(map[string]NamespaceKeyring, len(cfg.Keyrings)),
		accounts: cfg.Accounts,
		vault:    cfg.Vault,
		bus:      cfg.Bus,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With().Str("component", "keyring").Logger(),
		entries:  make(map[string]*entry),
	}
	for _, kr := range cfg.Keyrings {
		s.keyrings[kr.Namespace()] = kr
	}
	return s
}

// Load reads account metadata from the store. It does not need the vault.
func (s *Service) Load(ctx context.Context) error {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return apperrors.NewInternal("failed to load accounts", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range accounts {
		if _, ok := s.keyrings[acc.Namespace]; !ok {
			s.logger.Warn().Str("namespace", acc.Namespace).Msg("skipping account for unknown namespace")
			continue
		}
		key := entryKey(acc.Namespace, acc.Address)
		if _, exists := s.entries[key]; !exists {
			s.entries[key] = &entry{account: acc.clone()}
		}
	}
	return nil
}

// IsInitialized reports whether a vault has been created.
func (s *Service) IsInitialized(ctx context.Context) (bool, error) {
	blob, err := s.vault.LoadVault(ctx)
	if err != nil {
		return false, apperrors.NewInternal("failed to load vault", err)
	}
	return blob != nil, nil
}

// IsUnlocked reports whether secrets are loaded.
func (s *Service) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unlocked
}

// Namespaces returns the supported account namespaces.
func (s *Service) Namespaces() []string {
	out := make([]string, 0, len(s.keyrings))
	for ns := range s.keyrings {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// CreateVault seals mnemonic under password and leaves the service
// unlocked. An empty mnemonic generates a fresh 12-word phrase. Existing
// account metadata from a previous vault is discarded.
func (s *Service) CreateVault(ctx context.Context, password, mnemonic string) (string, error) {
	if err := ValidatePasswordStrength(password); err != nil {
		return "", err
	}
	initialized, err := s.IsInitialized(ctx)
	if err != nil {
		return "", err
	}
	if initialized {
		return "", apperrors.New(apperrors.ReasonVaultExists, "vault already exists")
	}

	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return "", apperrors.NewInternal("failed to generate entropy", err)
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		Zero(entropy)
		if err != nil {
			return "", apperrors.NewInternal("failed to generate mnemonic", err)
		}
	} else if !bip39.IsMnemonicValid(mnemonic) {
		return "", apperrors.New(apperrors.ReasonInvalidMnemonic, "invalid mnemonic")
	}

	payload := &vaultPayload{Mnemonic: mnemonic}
	blob, err := sealPayload([]byte(password), payload)
	if err != nil {
		return "", apperrors.NewInternal("failed to seal vault", err)
	}

	stale, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return "", apperrors.NewInternal("failed to list accounts", err)
	}
	for _, acc := range stale {
		if err := s.accounts.RemoveAccount(ctx, acc.Namespace, acc.Address); err != nil {
			return "", apperrors.NewInternal("failed to clear stale accounts", err)
		}
	}
	if err := s.vault.SaveVault(ctx, blob); err != nil {
		return "", apperrors.NewInternal("failed to save vault", err)
	}

	s.mu.Lock()
	for key, e := range s.entries {
		if e.secret != nil {
			e.secret.Destroy()
		}
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if err := s.unlockWith(ctx, password, payload); err != nil {
		return "", err
	}
	s.logger.Info().Msg("vault created")
	return mnemonic, nil
}

// Unlock decrypts the vault and loads every account's secret.
func (s *Service) Unlock(ctx context.Context, password string) error {
	blob, err := s.vault.LoadVault(ctx)
	if err != nil {
		return apperrors.NewInternal("failed to load vault", err)
	}
	if blob == nil {
		return apperrors.New(apperrors.ReasonVaultNotInitialized, "vault has not been created")
	}
	payload, err := openPayload([]byte(password), blob)
	if err != nil {
		return err
	}
	return s.unlockWith(ctx, password, payload)
}

// VerifyPassword checks password against the vault without unlocking.
func (s *Service) VerifyPassword(ctx context.Context, password string) error {
	blob, err := s.vault.LoadVault(ctx)
	if err != nil {
		return apperrors.NewInternal("failed to load vault", err)
	}
	if blob == nil {
		return apperrors.New(apperrors.ReasonVaultNotInitialized, "vault has not been created")
	}
	plaintext, err := openVault([]byte(password), blob)
	Zero(plaintext)
	return err
}

func (s *Service) unlockWith(ctx context.Context, password string, payload *vaultPayload) error {
	seed, err := bip39.NewSeedWithErrorChecking(payload.Mnemonic, "")
	if err != nil {
		return apperrors.Wrap(apperrors.ReasonInvalidMnemonic, err, "vault mnemonic is invalid")
	}
	if err := s.Load(ctx); err != nil {
		Zero(seed)
		return err
	}

	imported := map[string]string{}
	for ns, list := range payload.Imported {
		for _, item := range list {
			imported[entryKey(ns, item.Address)] = item.PrivateKey
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearSecretsLocked()

	for key, e := range s.entries {
		kr := s.keyrings[e.account.Namespace]
		var (
			address string
			secret  []byte
			err     error
		)
		switch {
		case e.account.Source == SourceDerived && e.account.Index != nil:
			address, secret, err = kr.Derive(seed, *e.account.Index)
		case e.account.Source == SourceImported:
			encoded, ok := imported[key]
			if !ok {
				s.logger.Warn().Str("namespace", e.account.Namespace).Str("address", e.account.Address).
					Msg("imported account has no secret in vault")
				continue
			}
			address, secret, err = kr.ParsePrivateKey(encoded)
		default:
			continue
		}
		if err != nil || address != e.account.Address {
			Zero(secret)
			s.logger.Warn().Str("namespace", e.account.Namespace).Str("address", e.account.Address).
				Msg("account secret could not be restored")
			continue
		}
		e.secret = NewSecret(secret)
	}

	s.password = NewSecret([]byte(password))
	s.mnemonic = NewSecret([]byte(payload.Mnemonic))
	s.seed = NewSecret(seed)
	s.unlocked = true
	s.logger.Info().Int("accounts", len(s.entries)).Msg("keyring unlocked")
	return nil
}

// Lock destroys every in-memory secret. Account metadata is kept.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return
	}
	s.clearSecretsLocked()
	s.unlocked = false
	s.logger.Info().Msg("keyring locked")
}

func (s *Service) clearSecretsLocked() {
	for _, e := range s.entries {
		if e.secret != nil {
			e.secret.Destroy()
			e.secret = nil
		}
	}
	for _, sec := range []*Secret{s.password, s.mnemonic, s.seed} {
		if sec != nil {
			sec.Destroy()
		}
	}
	s.password, s.mnemonic, s.seed = nil, nil, nil
}

// DeriveNextAccount derives the lowest index above every derived account.
func (s *Service) DeriveNextAccount(ctx context.Context, namespace string) (Account, error) {
	s.mu.Lock()
	next := uint32(0)
	for _, e := range s.entries {
		if e.account.Namespace == namespace && e.account.Index != nil && *e.account.Index >= next {
			next = *e.account.Index + 1
		}
	}
	acc, err := s.deriveLocked(ctx, namespace, next)
	s.mu.Unlock()
	if err != nil {
		return Account{}, err
	}
	s.publishAccounts(namespace)
	return acc, nil
}

// DeriveAccount derives the HD account at index. Deriving an index that is
// already present fails with DuplicateAccount.
func (s *Service) DeriveAccount(ctx context.Context, namespace string, index uint32) (Account, error) {
	s.mu.Lock()
	acc, err := s.deriveLocked(ctx, namespace, index)
	s.mu.Unlock()
	if err != nil {
		return Account{}, err
	}
	s.publishAccounts(namespace)
	return acc, nil
}

func (s *Service) deriveLocked(ctx context.Context, namespace string, index uint32) (Account, error) {
	kr, err := s.keyringLocked(namespace)
	if err != nil {
		return Account{}, err
	}
	if !s.unlocked {
		return Account{}, apperrors.New(apperrors.ReasonVaultLocked, "vault is locked")
	}
	for _, e := range s.entries {
		if e.account.Namespace == namespace && e.account.Index != nil && *e.account.Index == index {
			return Account{}, apperrors.Newf(apperrors.ReasonDuplicateAccount, "account at index %d already exists", index).
				WithData("index", index)
		}
	}

	var (
		address string
		secret  []byte
	)
	err = s.seed.WithSecret(func(seed []byte) error {
		var derr error
		address, secret, derr = kr.Derive(seed, index)
		return derr
	})
	if err != nil {
		return Account{}, err
	}
	if _, exists := s.entries[entryKey(namespace, address)]; exists {
		Zero(secret)
		return Account{}, apperrors.Newf(apperrors.ReasonDuplicateAccount, "account %s already exists", address)
	}

	idx := index
	acc := Account{
		Namespace: namespace,
		Address:   address,
		Index:     &idx,
		Path:      kr.DerivePath(index),
		Source:    SourceDerived,
		CreatedAt: s.clock.Now(),
	}
	if err := s.accounts.SaveAccount(ctx, acc); err != nil {
		Zero(secret)
		return Account{}, apperrors.NewInternal("failed to save account", err)
	}
	s.entries[entryKey(namespace, address)] = &entry{account: acc, secret: NewSecret(secret)}

	s.logger.Info().Str("namespace", namespace).Str("address", address).Uint32("index", index).Msg("account derived")
	return acc.clone(), nil
}

// ImportAccount adds a raw private key. A namespace holds at most one
// imported key: importing replaces any earlier imported account and its
// stored secret. Importing the key of a derived account fails with
// DuplicateAccount.
func (s *Service) ImportAccount(ctx context.Context, namespace, encoded string) (Account, error) {
	s.mu.Lock()
	acc, displaced, err := s.importLocked(ctx, namespace, encoded)
	s.mu.Unlock()
	if err != nil {
		return Account{}, err
	}
	s.publishAccounts(namespace, displaced...)
	return acc, nil
}

func (s *Service) importLocked(ctx context.Context, namespace, encoded string) (Account, []string, error) {
	kr, err := s.keyringLocked(namespace)
	if err != nil {
		return Account{}, nil, err
	}
	if !s.unlocked {
		return Account{}, nil, apperrors.New(apperrors.ReasonVaultLocked, "vault is locked")
	}
	address, secret, err := kr.ParsePrivateKey(encoded)
	if err != nil {
		return Account{}, nil, err
	}
	key := entryKey(namespace, address)
	prev, exists := s.entries[key]
	if exists && prev.account.Source == SourceDerived {
		Zero(secret)
		return Account{}, nil, apperrors.Newf(apperrors.ReasonDuplicateAccount, "account %s already exists", address)
	}

	acc := Account{
		Namespace: namespace,
		Address:   address,
		Source:    SourceImported,
		CreatedAt: s.clock.Now(),
	}
	if exists {
		acc.CreatedAt = prev.account.CreatedAt
	}
	next := &entry{account: acc, secret: NewSecret(secret)}

	changes := map[string]*entry{key: next}
	var displaced []string
	for k, e := range s.entries {
		if k != key && e.account.Namespace == namespace && e.account.Source == SourceImported {
			changes[k] = nil
			displaced = append(displaced, e.account.Address)
		}
	}
	sort.Strings(displaced)

	if err := s.resealLocked(ctx, changes); err != nil {
		next.secret.Destroy()
		return Account{}, nil, err
	}
	if err := s.accounts.SaveAccount(ctx, acc); err != nil {
		next.secret.Destroy()
		return Account{}, nil, apperrors.NewInternal("failed to save account", err)
	}
	for _, old := range displaced {
		if err := s.accounts.RemoveAccount(ctx, namespace, old); err != nil {
			s.logger.Error().Err(err).Str("namespace", namespace).Str("address", old).
				Msg("failed to remove replaced account")
		}
		oldKey := entryKey(namespace, old)
		if e := s.entries[oldKey]; e.secret != nil {
			e.secret.Destroy()
		}
		delete(s.entries, oldKey)
	}
	if exists && prev.secret != nil {
		prev.secret.Destroy()
	}
	s.entries[key] = next

	s.logger.Info().Str("namespace", namespace).Str("address", address).
		Bool("replaced", exists || len(displaced) > 0).Msg("account imported")
	return acc.clone(), displaced, nil
}

// RemoveAccount forgets an account and destroys its secret.
func (s *Service) RemoveAccount(ctx context.Context, namespace, address string) error {
	s.mu.Lock()
	removed, err := s.removeLocked(ctx, namespace, address)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publishAccounts(namespace, removed)
	return nil
}

func (s *Service) removeLocked(ctx context.Context, namespace, address string) (string, error) {
	kr, err := s.keyringLocked(namespace)
	if err != nil {
		return "", err
	}
	address, err = kr.NormalizeAddress(address)
	if err != nil {
		return "", err
	}
	key := entryKey(namespace, address)
	e, ok := s.entries[key]
	if !ok {
		return "", apperrors.NewAccountNotFound(namespace, address)
	}
	if e.account.Source == SourceImported {
		if !s.unlocked {
			return "", apperrors.New(apperrors.ReasonVaultLocked, "vault is locked")
		}
		if err := s.resealLocked(ctx, map[string]*entry{key: nil}); err != nil {
			return "", err
		}
	}
	if err := s.accounts.RemoveAccount(ctx, namespace, address); err != nil {
		return "", apperrors.NewInternal("failed to remove account", err)
	}
	if e.secret != nil {
		e.secret.Destroy()
	}
	delete(s.entries, key)
	return address, nil
}

// resealLocked rewrites the vault with the imported keys currently held,
// overlaid with changes (a nil entry removes that key).
func (s *Service) resealLocked(ctx context.Context, changes map[string]*entry) error {
	payload := &vaultPayload{Imported: map[string][]importedSecret{}}
	defer func() {
		payload.Mnemonic = ""
		payload.Imported = nil
	}()

	entries := make(map[string]*entry, len(s.entries)+1)
	for k, e := range s.entries {
		entries[k] = e
	}
	for k, e := range changes {
		if e == nil {
			delete(entries, k)
			continue
		}
		entries[k] = e
	}

	for _, e := range entries {
		if e.account.Source != SourceImported || e.secret == nil {
			continue
		}
		kr := s.keyrings[e.account.Namespace]
		err := e.secret.WithSecret(func(secret []byte) error {
			encoded, err := kr.FormatPrivateKey(secret)
			if err != nil {
				return err
			}
			defer Zero(encoded)
			payload.Imported[e.account.Namespace] = append(payload.Imported[e.account.Namespace],
				importedSecret{Address: e.account.Address, PrivateKey: string(encoded)})
			return nil
		})
		if err != nil {
			return err
		}
	}

	err := s.mnemonic.WithSecret(func(mnemonic []byte) error {
		payload.Mnemonic = string(mnemonic)
		return s.password.WithSecret(func(password []byte) error {
			blob, err := sealPayload(password, payload)
			if err != nil {
				return apperrors.NewInternal("failed to seal vault", err)
			}
			if err := s.vault.SaveVault(ctx, blob); err != nil {
				return apperrors.NewInternal("failed to save vault", err)
			}
			return nil
		})
	})
	return err
}

// HasAccount reports whether address is a known account in namespace.
func (s *Service) HasAccount(namespace, address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kr, ok := s.keyrings[namespace]
	if !ok {
		return false
	}
	address, err := kr.NormalizeAddress(address)
	if err != nil {
		return false
	}
	_, ok = s.entries[entryKey(namespace, address)]
	return ok
}

// ListAccounts returns namespace's accounts, derived ones by index first.
func (s *Service) ListAccounts(namespace string) []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Account
	for _, e := range s.entries {
		if e.account.Namespace == namespace {
			out = append(out, e.account.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Index == nil) != (b.Index == nil) {
			return a.Index != nil
		}
		if a.Index != nil {
			return *a.Index < *b.Index
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Address < b.Address
	})
	return out
}

// ExportPrivateKeyForSigning returns the encoded private key of an account
// in a buffer the caller owns and must Zero.
func (s *Service) ExportPrivateKeyForSigning(namespace, address string) ([]byte, error) {
	var out []byte
	err := s.WithExportedKey(namespace, address, func(encoded []byte) error {
		out = append([]byte(nil), encoded...)
		return nil
	})
	return out, err
}

// WithExportedKey lends fn the encoded private key of an account. The
// buffer is zeroed when fn returns.
func (s *Service) WithExportedKey(namespace, address string, fn func(encoded []byte) error) error {
	return s.WithAccountSecret(namespace, address, func(kr NamespaceKeyring, secret []byte) error {
		encoded, err := kr.FormatPrivateKey(secret)
		if err != nil {
			return err
		}
		defer Zero(encoded)
		return fn(encoded)
	})
}

// SignDigest signs payload with the account's key.
func (s *Service) SignDigest(namespace, address string, payload []byte) ([]byte, error) {
	var sig []byte
	err := s.WithAccountSecret(namespace, address, func(kr NamespaceKeyring, secret []byte) error {
		var serr error
		sig, serr = kr.SignDigest(secret, payload)
		return serr
	})
	return sig, err
}

// WithAccountSecret lends fn the account's secret. The buffer is zeroed when
// fn returns, on every path.
func (s *Service) WithAccountSecret(namespace, address string, fn func(kr NamespaceKeyring, secret []byte) error) error {
	s.mu.RLock()
	kr, err := s.keyringLocked(namespace)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	if !s.unlocked {
		s.mu.RUnlock()
		return apperrors.New(apperrors.ReasonVaultLocked, "vault is locked")
	}
	normalized, err := kr.NormalizeAddress(address)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	e, ok := s.entries[entryKey(namespace, normalized)]
	if !ok {
		s.mu.RUnlock()
		return apperrors.NewAccountNotFound(namespace, normalized)
	}
	secret := e.secret
	s.mu.RUnlock()

	if secret == nil {
		return apperrors.Newf(apperrors.ReasonSecretUnavailable, "secret for %s is unavailable", normalized)
	}
	return secret.WithSecret(func(b []byte) error { return fn(kr, b) })
}

func (s *Service) keyringLocked(namespace string) (NamespaceKeyring, error) {
	kr, ok := s.keyrings[namespace]
	if !ok {
		return nil, apperrors.Newf(apperrors.ReasonChainNotSupported, "namespace %s is not supported", namespace)
	}
	return kr, nil
}

func (s *Service) publishAccounts(namespace string, removed ...string) {
	if s.bus == nil {
		return
	}
	accounts := s.ListAccounts(namespace)
	addresses := make([]string, len(accounts))
	for i, a := range accounts {
		addresses[i] = a.Address
	}
	eventbus.Publish(s.bus, TopicAccountsChanged, AccountsChanged{Namespace: namespace, Addresses: addresses, Removed: removed})
}

func entryKey(namespace, address string) string {
	return namespace + "|" + address
}
