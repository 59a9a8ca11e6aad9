// Package keys generates and persists the RSA signing key pair of each
// local actor.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/url"

	"marginalia/pkg/store"

	"go.uber.org/zap"
)

const (
	keyBits   = 2048
	keyPrefix = "keys/"
)

var ErrKeyGeneration = errors.New("key generation failed")

// KeyPair is PEM-encoded key material: SPKI public key and PKCS#8 private
// key.
type KeyPair struct {
	PublicKeyPEM  string `json:"publicKey"`
	PrivateKeyPEM string `json:"privateKey"`
}

// Registry owns the keys/ key space.
type Registry struct {
	kv       store.KV
	logger   *zap.Logger
	bits     int
	generate func(bits int) (*KeyPair, error)
}

func NewRegistry(kv store.KV, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		kv:     kv,
		logger: logger,
		bits:   keyBits,
		generate: func(bits int) (*KeyPair, error) {
			return GenerateKeyPair(rand.Reader, bits)
		},
	}
}

// GetOrCreateKeyPair returns the stored pair for actorID, generating and
// persisting one on first use. Concurrent first calls converge on the
// single pair that won the create-if-absent write.
func (r *Registry) GetOrCreateKeyPair(ctx context.Context, actorID string) (*KeyPair, error) {
	kp, err := r.load(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if kp != nil {
		return kp, nil
	}

	r.logger.Info("Generating RSA key pair", zap.String("actor", actorID), zap.Int("bits", r.bits))
	kp, err = r.generate(r.bits)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(kp)
	if err != nil {
		return nil, fmt.Errorf("encoding key pair: %w", err)
	}
	created, err := r.kv.PutIfAbsent(ctx, keyPrefix+url.PathEscape(actorID), data)
	if err != nil {
		return nil, fmt.Errorf("persisting key pair for %s: %w", actorID, err)
	}
	if created {
		return kp, nil
	}

	// Another caller stored a pair first; theirs is authoritative.
	r.logger.Debug("Key pair created concurrently, using stored pair", zap.String("actor", actorID))
	kp, err = r.load(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if kp == nil {
		return nil, fmt.Errorf("key pair for %s vanished after concurrent create", actorID)
	}
	return kp, nil
}

// KeyPair returns the stored pair or nil when actorID has none.
func (r *Registry) KeyPair(ctx context.Context, actorID string) (*KeyPair, error) {
	return r.load(ctx, actorID)
}

// PrivateKey returns the parsed private key, creating the pair if needed.
func (r *Registry) PrivateKey(ctx context.Context, actorID string) (*rsa.PrivateKey, error) {
	kp, err := r.GetOrCreateKeyPair(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(kp.PrivateKeyPEM)
}

// PublicKey returns the parsed public key, creating the pair if needed.
func (r *Registry) PublicKey(ctx context.Context, actorID string) (*rsa.PublicKey, error) {
	kp, err := r.GetOrCreateKeyPair(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return ParsePublicKeyPEM(kp.PublicKeyPEM)
}

func (r *Registry) load(ctx context.Context, actorID string) (*KeyPair, error) {
	data, err := r.kv.Get(ctx, keyPrefix+url.PathEscape(actorID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading key pair for %s: %w", actorID, err)
	}
	var kp KeyPair
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, fmt.Errorf("decoding key pair for %s: %w", actorID, err)
	}
	return &kp, nil
}

// GenerateKeyPair creates a new RSA pair of the given size.
func GenerateKeyPair(random io.Reader, bits int) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(random, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding private key: %v", ErrKeyGeneration, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding public key: %v", ErrKeyGeneration, err)
	}

	return &KeyPair{
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
	}, nil
}

// ParsePrivateKeyPEM accepts PKCS#8 and PKCS#1 RSA private keys.
func ParsePrivateKeyPEM(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("failed to parse private key PEM")
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, not RSA", key)
		}
		return rsaKey, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected private key PEM type %q", block.Type)
	}
}

// ParsePublicKeyPEM accepts SPKI and PKCS#1 RSA public keys.
func ParsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("failed to parse public key PEM")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", key)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected public key PEM type %q", block.Type)
	}
}
