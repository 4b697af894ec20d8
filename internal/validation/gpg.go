// gpg.go signs and verifies detached OpenPGP signatures over raw snapshot bytes. Operators
// sign exported snapshots offline; the restore path verifies them against a configured
// ASCII-armored public key.
package validation

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

const (
	publicKeyBegin = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	publicKeyEnd   = "-----END PGP PUBLIC KEY BLOCK-----"
)

// ParseGPGPublicKey validates that the provided string is a valid GPG public key in ASCII-armored format
func ParseGPGPublicKey(keyArmored string) error {
	if keyArmored == "" {
		return fmt.Errorf("GPG public key cannot be empty")
	}
	if !IsValidGPGKeyFormat(keyArmored) {
		return fmt.Errorf("invalid GPG public key: missing or misordered armor markers")
	}
	if _, err := openpgp.ReadArmoredKeyRing(strings.NewReader(keyArmored)); err != nil {
		return fmt.Errorf("failed to parse GPG public key: %w", err)
	}
	return nil
}

// VerifySignature checks a detached signature (armored or binary) over data.
func VerifySignature(publicKeyArmored string, data []byte, signature []byte) error {
	if publicKeyArmored == "" {
		return fmt.Errorf("public key cannot be empty")
	}
	if len(data) == 0 {
		return fmt.Errorf("data to verify cannot be empty")
	}
	if len(signature) == 0 {
		return fmt.Errorf("signature cannot be empty")
	}

	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(publicKeyArmored))
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	sig := signature
	if block, err := armor.Decode(bytes.NewReader(signature)); err == nil {
		if sig, err = io.ReadAll(block.Body); err != nil {
			return fmt.Errorf("failed to read armored signature: %w", err)
		}
	}

	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(sig), nil); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// VerifyArmoredSignature verifies an ASCII-armored GPG signature against data
func VerifyArmoredSignature(publicKeyArmored string, data []byte, armoredSignature string) error {
	return VerifySignature(publicKeyArmored, data, []byte(armoredSignature))
}

// SignDetached produces an ASCII-armored detached signature over data with the first
// signing key in an armored private key ring. passphrase may be empty for unprotected keys.
func SignDetached(privateKeyArmored string, passphrase []byte, data []byte) (string, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(privateKeyArmored))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}
	if len(keyring) == 0 || keyring[0].PrivateKey == nil {
		return "", fmt.Errorf("key ring holds no private key")
	}
	signer := keyring[0]

	if signer.PrivateKey.Encrypted {
		if len(passphrase) == 0 {
			return "", fmt.Errorf("private key is passphrase protected")
		}
		if err := signer.DecryptPrivateKeys(passphrase); err != nil {
			return "", fmt.Errorf("failed to unlock private key: %w", err)
		}
	}

	var out bytes.Buffer
	w, err := armor.Encode(&out, openpgp.SignatureType, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start armor: %w", err)
	}
	if err := openpgp.DetachSign(w, signer, bytes.NewReader(data), nil); err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish armor: %w", err)
	}
	return out.String(), nil
}

// IsValidGPGKeyFormat performs basic validation on GPG key format
func IsValidGPGKeyFormat(key string) bool {
	beginIdx := strings.Index(key, publicKeyBegin)
	endIdx := strings.Index(key, publicKeyEnd)
	return beginIdx >= 0 && endIdx > beginIdx
}

// NormalizeGPGKey normalizes line endings and guarantees a trailing newline.
func NormalizeGPGKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\r\n", "\n"))
	return key + "\n"
}
