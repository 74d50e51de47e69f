// Package cryptox implements the chatrelay crypto engine: RSA keypair
// handling for the hybrid handshake, AES-CBC for message bodies, and the
// credential-verifier derivation used by the server's user store.
//
// All binary values that travel over the wire are base64-encoded strings.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/dmitrijs2005/chatrelay/internal/common"
)

const (
	// RSAKeyBits is the modulus size of the per-process keypair.
	RSAKeyBits = 2048
	// AESKeySize is the shared session key length (128-bit).
	AESKeySize = 16
	// IVSize is the CBC initialization vector length.
	IVSize = 16
	// SaltSize is the per-user credential salt length.
	SaltSize = 32
)

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("rand: %w", err)
	}
	return b, nil
}

// GenerateRSAKeyPair creates the 2048-bit keypair a client holds for the
// lifetime of its process. The private key never leaves the process.
func GenerateRSAKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa keypair: %w", err)
	}
	return key, nil
}

// GenerateAESKey returns a fresh random 128-bit session key.
func GenerateAESKey() ([]byte, error) {
	return randBytes(AESKeySize)
}

// RSAEncrypt wraps data (a session key, at most a few dozen bytes) with the
// peer's public key using PKCS#1 v1.5 padding and returns base64.
func RSAEncrypt(data []byte, pub *rsa.PublicKey) (string, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, data)
	if err != nil {
		return "", fmt.Errorf("rsa encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// RSADecrypt is the inverse of RSAEncrypt. Wrong key, corrupt input and
// padding mismatch all surface as common.ErrDecrypt.
func RSADecrypt(encoded string, priv *rsa.PrivateKey) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", common.ErrDecrypt)
	}
	data, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: rsa", common.ErrDecrypt)
	}
	return data, nil
}

// AESEncrypt encrypts plaintext with AES-CBC under key and returns
// base64(IV || ciphertext). A new random IV is generated on every call;
// two encryptions of the same input never produce the same output.
func AESEncrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv, err := randBytes(IVSize)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, IVSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[IVSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// AESDecrypt splits the leading 16 bytes as IV and decrypts the remainder.
// Any failure (bad base64, bad length, invalid padding) is reported as
// common.ErrDecrypt so callers can render an explicit "cannot decrypt"
// state; garbled plaintext is never returned as if valid.
func AESDecrypt(encoded string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", common.ErrDecrypt)
	}
	if len(raw) <= IVSize || (len(raw)-IVSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length %d", common.ErrDecrypt, len(raw))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aes cipher", common.ErrDecrypt)
	}

	iv, ct := raw[:IVSize], raw[IVSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	return pkcs7Unpad(plain, aes.BlockSize)
}

// DeriveKeyFromPassword derives the key protecting the local session-key
// vault: SHA-256 of the password truncated to the AES key length. It is a
// local convenience only and plays no part in transport security.
func DeriveKeyFromPassword(password string) []byte {
	h := sha256.Sum256([]byte(password))
	return h[:AESKeySize]
}

// EncodePublicKey renders an RSA public key as base64 PKIX for the wire.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey is the inverse of EncodePublicKey.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: not an RSA key")
	}
	return pub, nil
}

// GenerateSalt returns a random per-user salt for credential verifiers.
func GenerateSalt() ([]byte, error) {
	return randBytes(SaltSize)
}

// MakeVerifier derives the stored credential verifier with Argon2id.
// The server stores (salt, verifier) and compares verifiers on login;
// plaintext comparison is never used.
func MakeVerifier(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
}

// CheckVerifier compares a stored verifier with a candidate in constant time.
func CheckVerifier(verifier, candidate []byte) bool {
	return subtle.ConstantTimeCompare(verifier, candidate) == 1
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length", common.ErrDecrypt)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: bad padding", common.ErrDecrypt)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", common.ErrDecrypt)
		}
	}
	return data[:len(data)-n], nil
}

// WipeBytes zeroes b in place. Use it on password and key material that is
// no longer needed.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
