package identity

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/peerpress/peerpress/internal/xerrors"
)

// Sealed blob layout: salt(16) || nonce(12) || tag(16) || ciphertext.
// The GCM tag is stored before the ciphertext, so the seal output from
// cipher.AEAD (ciphertext || tag) is split and reassembled on both paths.
const (
	saltLen  = 16
	nonceLen = 12
	tagLen   = 16

	pbkdf2Iters = 100_000
	keyLen      = 32
)

// ErrUnsealFailed is returned for any unseal failure: wrong passphrase,
// truncated blob, or tampered ciphertext are indistinguishable to callers.
var ErrUnsealFailed = errors.New("identity: unseal failed")

// Seal encrypts plaintext (typically a raw Ed25519 private key) under a
// passphrase using PBKDF2-HMAC-SHA256 and AES-256-GCM. Each call draws a
// fresh salt and nonce, so sealing the same input twice yields different
// blobs that both unseal correctly.
func Seal(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, xerrors.Wrap(err, "identity: seal salt")
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, xerrors.Wrap(err, "identity: seal nonce")
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	blob := make([]byte, 0, saltLen+nonceLen+tagLen+len(ct))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Unseal reverses Seal. Every failure mode maps to ErrUnsealFailed.
func Unseal(blob, passphrase []byte) ([]byte, error) {
	if len(blob) < saltLen+nonceLen+tagLen {
		return nil, ErrUnsealFailed
	}
	salt := blob[:saltLen]
	nonce := blob[saltLen : saltLen+nonceLen]
	tag := blob[saltLen+nonceLen : saltLen+nonceLen+tagLen]
	ct := blob[saltLen+nonceLen+tagLen:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, ErrUnsealFailed
	}

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}

func newGCM(passphrase, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(passphrase, salt, pbkdf2Iters, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(err, "identity: aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(err, "identity: gcm")
	}
	return gcm, nil
}

// Sealer abstracts private key protection at rest so callers can swap the
// passphrase scheme for KMS envelope wrapping.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Unseal(ctx context.Context, blob []byte) ([]byte, error)
}

// PassphraseSealer adapts Seal/Unseal to the Sealer interface.
type PassphraseSealer struct {
	Passphrase []byte
}

func (p PassphraseSealer) Seal(_ context.Context, plaintext []byte) ([]byte, error) {
	return Seal(plaintext, p.Passphrase)
}

func (p PassphraseSealer) Unseal(_ context.Context, blob []byte) ([]byte, error) {
	return Unseal(blob, p.Passphrase)
}
