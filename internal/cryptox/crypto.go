// Package cryptox encrypts record payloads independently of their metadata.
//
// A payload on the wire is a JSON envelope
//
//	{"ciphertext": base64, "IV": base64, "hmac": hex}
//
// where ciphertext is AES-256-GCM over the cleartext JSON and hmac is
// HMAC-SHA256 of the base64 ciphertext under a separate key. The HMAC is
// verified before any decryption is attempted.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const keySize = 32

var (
	ErrHMACMismatch      = errors.New("record hmac mismatch")
	ErrMalformedEnvelope = errors.New("malformed encrypted payload")
	ErrDecrypt           = errors.New("record decryption failed")
	ErrInvalidKey        = errors.New("invalid key bundle")
)

// KDF names a passphrase derivation function.
type KDF string

const (
	KDFArgon2ID KDF = "argon2id"
	KDFPBKDF2   KDF = "pbkdf2"
)

// DefaultPBKDF2Iterations is used when DeriveKeyBundle is asked for PBKDF2.
const DefaultPBKDF2Iterations = 4096

var hkdfInfo = []byte("relaysync keybundle v1")

// KeyBundle holds the encryption and HMAC keys for one collection.
type KeyBundle struct {
	EncKey  []byte
	HMACKey []byte
}

// NewKeyBundle returns a bundle of fresh random keys.
func NewKeyBundle() (KeyBundle, error) {
	b := KeyBundle{EncKey: make([]byte, keySize), HMACKey: make([]byte, keySize)}
	if _, err := rand.Read(b.EncKey); err != nil {
		return KeyBundle{}, err
	}
	if _, err := rand.Read(b.HMACKey); err != nil {
		return KeyBundle{}, err
	}
	return b, nil
}

// DeriveMasterKey stretches passphrase with the chosen KDF.
func DeriveMasterKey(kdf KDF, passphrase, salt []byte) ([]byte, error) {
	switch kdf {
	case "", KDFArgon2ID:
		return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keySize), nil
	case KDFPBKDF2:
		return pbkdf2.Key(passphrase, salt, DefaultPBKDF2Iterations, keySize, sha256.New), nil
	default:
		return nil, fmt.Errorf("unknown kdf %q", kdf)
	}
}

// DeriveKeyBundle derives both keys from passphrase. The master key is
// expanded with HKDF-SHA256 so the two keys are independent.
func DeriveKeyBundle(kdf KDF, passphrase, salt []byte) (KeyBundle, error) {
	if len(passphrase) == 0 {
		return KeyBundle{}, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}
	master, err := DeriveMasterKey(kdf, passphrase, salt)
	if err != nil {
		return KeyBundle{}, err
	}
	r := hkdf.New(sha256.New, master, salt, hkdfInfo)
	b := KeyBundle{EncKey: make([]byte, keySize), HMACKey: make([]byte, keySize)}
	if _, err := io.ReadFull(r, b.EncKey); err != nil {
		return KeyBundle{}, err
	}
	if _, err := io.ReadFull(r, b.HMACKey); err != nil {
		return KeyBundle{}, err
	}
	return b, nil
}

func (b KeyBundle) validate() error {
	if len(b.EncKey) != keySize || len(b.HMACKey) != keySize {
		return ErrInvalidKey
	}
	return nil
}

type envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"IV"`
	HMAC       string `json:"hmac"`
}

// Wrapper encrypts and decrypts payloads with one key bundle.
type Wrapper struct {
	keys KeyBundle
}

func NewWrapper(keys KeyBundle) (*Wrapper, error) {
	if err := keys.validate(); err != nil {
		return nil, err
	}
	return &Wrapper{keys: keys}, nil
}

// Encrypt seals cleartext and returns the envelope JSON.
func (w *Wrapper) Encrypt(cleartext []byte) (string, error) {
	aead, err := newAEAD(w.keys.EncKey)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	ciphertext := base64.StdEncoding.EncodeToString(aead.Seal(nil, iv, cleartext, nil))
	env := envelope{
		Ciphertext: ciphertext,
		IV:         base64.StdEncoding.EncodeToString(iv),
		HMAC:       hex.EncodeToString(w.mac(ciphertext)),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decrypt verifies and opens an envelope produced by Encrypt.
func (w *Wrapper) Decrypt(payload string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Ciphertext == "" || env.IV == "" || env.HMAC == "" {
		return nil, ErrMalformedEnvelope
	}
	want, err := hex.DecodeString(env.HMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: hmac: %v", ErrMalformedEnvelope, err)
	}
	if !hmac.Equal(want, w.mac(env.Ciphertext)) {
		return nil, ErrHMACMismatch
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformedEnvelope, err)
	}
	aead, err := newAEAD(w.keys.EncKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv length %d", ErrMalformedEnvelope, len(iv))
	}
	cleartext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return cleartext, nil
}

func (w *Wrapper) mac(ciphertext string) []byte {
	h := hmac.New(sha256.New, w.keys.HMACKey)
	h.Write([]byte(ciphertext))
	return h.Sum(nil)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Plaintext passes payloads through unchanged. It serves unencrypted
// deployments and tests.
type Plaintext struct{}

func (Plaintext) Encrypt(cleartext []byte) (string, error) { return string(cleartext), nil }

func (Plaintext) Decrypt(payload string) ([]byte, error) {
	if !json.Valid([]byte(payload)) {
		return nil, ErrMalformedEnvelope
	}
	return []byte(payload), nil
}
