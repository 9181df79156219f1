// Package keys manages actor signing keys: RSA keypair generation, PEM
// codecs for storage and publication, and wrapping of private keys at
// rest under an instance-wide secret.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyBits         = 2048
	saltBytes       = 16
	pbkdf2Iter      = 100_000
	wrappedKeyBytes = 32
)

// Generate mints a fresh RSA signing keypair for a local actor and
// returns it along with the exportable public key PEM published in the
// actor's federation document.
func Generate() (*rsa.PrivateKey, string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, "", errors.Wrap(err, "generate keypair")
	}

	pubPem, err := PublicKeyToPem(&priv.PublicKey)
	if err != nil {
		return nil, "", err
	}
	return priv, pubPem, nil
}

// NewSalt returns a fresh per-actor salt for key wrapping.
func NewSalt() (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	return hex.EncodeToString(salt), nil
}

// Wrap encrypts a private key for storage: the instance secret and the
// actor's salt derive a symmetric key, which seals the PKCS#1 DER bytes.
func Wrap(priv *rsa.PrivateKey, secret, salt string) (string, error) {
	gcm, err := aead(secret, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}

	der := x509.MarshalPKCS1PrivateKey(priv)
	sealed := gcm.Seal(nonce, nonce, der, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unwrap decrypts a wrapped private key on demand for signing.
func Unwrap(wrapped, secret, salt string) (*rsa.PrivateKey, error) {
	sealed, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, errors.Wrap(err, "decode wrapped key")
	}

	gcm, err := aead(secret, salt)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("wrapped key too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	der, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unwrap private key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse unwrapped key")
	}
	return priv, nil
}

func aead(secret, salt string) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iter, wrappedKeyBytes, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, errors.Wrap(err, "derive wrapping key")
	}
	return cipher.NewGCM(block)
}

// PublicKeyToPem exports a public key in the PKIX PEM form published to
// other servers.
func PublicKeyToPem(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "marshal public key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey converts a published PEM string to an RSA public key.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Some servers publish PKCS#1 public keys.
		if rsaPub, err1 := x509.ParsePKCS1PublicKey(block.Bytes); err1 == nil {
			return rsaPub, nil
		}
		return nil, errors.Wrap(err, "parse public key")
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

// ParsePrivateKey converts a PKCS#1 PEM string to an RSA private key.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return priv, nil
}
