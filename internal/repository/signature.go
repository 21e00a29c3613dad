package repository

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// SignatureSuffix names the detached signature next to a metadata file.
const SignatureSuffix = ".sig"

var (
	// ErrSignatureMissing means a keyring is configured but the repository publishes no signature.
	ErrSignatureMissing = errors.New("metadata signature missing")
	// ErrSignatureInvalid means the signature does not verify against the keyring.
	ErrSignatureInvalid = errors.New("metadata signature invalid")
)

// LoadKeyring reads an armored or binary OpenPGP keyring.
func LoadKeyring(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}

	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("read keyring: %w", err)
		}
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring %s is empty", path)
	}
	return keyring, nil
}

// VerifySignature checks a detached armored or binary signature over data.
func VerifySignature(keyring openpgp.EntityList, data, signature []byte) error {
	_, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(signature), nil)
	if err != nil {
		_, err = openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(signature), nil)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}
