package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

// NodeID identifies an endpoint. It is the sha3-256 digest of the DER encoded public key
// of the endpoint's certificate, so it can be verified from the TLS handshake alone.
type NodeID [32]byte

// String returns the hex representation of the node id
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns the first 8 hex characters, useful for logs
func (n NodeID) Short() string {
	return n.String()[:8]
}

// IsZero reports whether n is the zero value
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// ParseNodeID parses the hex representation of a node id
func ParseNodeID(s string) (NodeID, error) {
	var n NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("ParseNodeID: invalid hex string '%s': %w", s, err)
	}
	if len(b) != len(n) {
		return n, fmt.Errorf("ParseNodeID: expected %d bytes but got %d", len(n), len(b))
	}
	copy(n[:], b)
	return n, nil
}

// NodeIDFromCertificate computes the node id of a DER encoded certificate
func NodeIDFromCertificate(der []byte) (NodeID, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return NodeID{}, fmt.Errorf("NodeIDFromCertificate: failed to parse certificate: %w", err)
	}
	return nodeIDFromPublicKey(cert.PublicKey)
}

func nodeIDFromPublicKey(pub any) (NodeID, error) {
	if _, ok := pub.(ed25519.PublicKey); !ok {
		return NodeID{}, ErrInvalidKey
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return NodeID{}, err
	}
	return sha3.Sum256(der), nil
}

// ErrInvalidKey is returned for keys that are not ed25519 keys
var ErrInvalidKey = errors.New("only ed25519 keys are supported")

// Identity is the key pair of an endpoint together with the self signed certificate
// presented in every TLS handshake.
type Identity struct {
	key  ed25519.PrivateKey
	cert tls.Certificate
	id   NodeID
}

// NodeID returns the node id belonging to this identity
func (i *Identity) NodeID() NodeID {
	return i.id
}

// Certificate returns the TLS certificate for this identity
func (i *Identity) Certificate() tls.Certificate {
	return i.cert
}

// GenerateIdentity creates a fresh identity with a random key
func GenerateIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("GenerateIdentity: failed to generate private key: %w", err)
	}
	return NewIdentity(priv)
}

// NewIdentity creates an identity for an existing private key
func NewIdentity(priv ed25519.PrivateKey) (*Identity, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("NewIdentity: failed to generate serial number: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("NewIdentity: failed to create certificate: %w", err)
	}
	id, err := nodeIDFromPublicKey(priv.Public())
	if err != nil {
		return nil, fmt.Errorf("NewIdentity: %w", err)
	}
	return &Identity{
		key: priv,
		cert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		},
		id: id,
	}, nil
}

const pemKeyType = "PRIVATE KEY"

// LoadOrCreateIdentity reads a PEM encoded PKCS8 ed25519 key from path. If the file does
// not exist a new key is generated and stored there, so the node id survives restarts.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.WithField("path", path).Info("no key found, generating a new one")
		return createIdentityFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("LoadOrCreateIdentity: failed to read key: %w", err)
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != pemKeyType {
		return nil, fmt.Errorf("LoadOrCreateIdentity: %s does not contain a PEM encoded private key", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("LoadOrCreateIdentity: failed to parse key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("LoadOrCreateIdentity: %w", ErrInvalidKey)
	}
	return NewIdentity(priv)
}

func createIdentityFile(path string) (*Identity, error) {
	identity, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(identity.key)
	if err != nil {
		return nil, fmt.Errorf("createIdentityFile: failed to encode key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("createIdentityFile: failed to create directory: %w", err)
	}
	b := pem.EncodeToMemory(&pem.Block{Type: pemKeyType, Bytes: der})
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, fmt.Errorf("createIdentityFile: failed to write key: %w", err)
	}
	return identity, nil
}
