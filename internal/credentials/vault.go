package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"arbiter/internal/logging"
	"arbiter/internal/storage"
)

// RefPrefix marks an opaque credential reference. References are safe to
// embed in envelopes and logs; only the vault can resolve them.
const RefPrefix = "cred://"

// MissingError reports a credential an adapter needs but the vault lacks.
type MissingError struct {
	Name string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("credential missing: %s", e.Name)
}

// Vault stores sealed credentials and resolves opaque references.
type Vault struct {
	store      storage.CredentialStore
	passphrase []byte
	logger     logging.Logger
}

// NewVault validates the passphrase and wraps the credential store.
func NewVault(store storage.CredentialStore, passphrase string, logger logging.Logger) (*Vault, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrPassphraseTooShort
	}
	return &Vault{
		store:      store,
		passphrase: []byte(passphrase),
		logger:     logging.OrNop(logger),
	}, nil
}

// Store seals the plaintext and persists it, returning the opaque reference.
func (v *Vault) Store(ctx context.Context, name, plaintext string) (string, error) {
	blob, err := Seal(v.passphrase, []byte(plaintext))
	if err != nil {
		return "", err
	}
	row := storage.CredentialRow{Name: name, Ciphertext: blob, CreatedAt: time.Now()}
	if err := v.store.PutCredential(ctx, row); err != nil {
		return "", err
	}
	v.logger.Info("credentials: stored %s (%d sealed bytes)", name, len(blob))
	return RefPrefix + name, nil
}

// Resolve decrypts the credential behind a reference. A bare name is
// accepted too.
func (v *Vault) Resolve(ctx context.Context, ref string) (string, error) {
	name := strings.TrimPrefix(ref, RefPrefix)
	row, err := v.store.GetCredential(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return "", &MissingError{Name: name}
	}
	if err != nil {
		return "", err
	}
	plaintext, err := Open(v.passphrase, row.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes a credential.
func (v *Vault) Delete(ctx context.Context, ref string) error {
	name := strings.TrimPrefix(ref, RefPrefix)
	return v.store.DeleteCredential(ctx, name)
}

// IsRef reports whether a string is an opaque credential reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, RefPrefix)
}

// deniedLogHeaders are header names whose values must never be logged even
// after resolution.
var deniedLogHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"api-key":             true,
}

// LoggableHeader reports whether a header's value may appear in logs.
func LoggableHeader(name string) bool {
	return !deniedLogHeaders[strings.ToLower(name)]
}
