// Package identity manages the device-long-term key pair, the stable
// device-id, and the self-signed certificate used to bootstrap the
// transport's raw-public-key TLS handshake.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	uuid "github.com/satori/go.uuid"
)

const identityFilename = "identity.bin"

// LocalIdentity is the device's long-term asymmetric identity: an
// ed25519 key pair, the fingerprint derived from it, and the metadata
// advertised during discovery and handshake.
type LocalIdentity struct {
	DeviceID    uuid.UUID
	Name        string
	DeviceType  string
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	Fingerprint string
}

type persistedIdentity struct {
	DeviceID   string `json:"device_id"`
	Name       string `json:"name"`
	DeviceType string `json:"device_type"`
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// Fingerprint returns the lowercased hex SHA-256 digest of the
// DER-encoded SubjectPublicKeyInfo for pub, the canonical key-bound
// identity used everywhere in this module instead of the device-id.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// Initialize loads the identity persisted under storagePath, or
// generates and persists a new one if absent. It is idempotent: calling
// it twice with the same storagePath returns the same identity. A
// corrupt identity file is reported as an error, never silently
// regenerated — the caller must explicitly Reset to recover.
func Initialize(storagePath, name, deviceType string) (*LocalIdentity, error) {
	path := filepath.Join(storagePath, identityFilename)
	id, err := load(path)
	switch {
	case err == nil:
		return id, nil
	case os.IsNotExist(err):
		return generateAndPersist(path, name, deviceType)
	default:
		return nil, fmt.Errorf("identity-corrupt: %w", err)
	}
}

// Reset discards any persisted identity and generates a new one. Use
// only on explicit host request — rotating the identity invalidates
// every peer's trust entry keyed by the old fingerprint.
func Reset(storagePath, name, deviceType string) (*LocalIdentity, error) {
	path := filepath.Join(storagePath, identityFilename)
	return generateAndPersist(path, name, deviceType)
}

func generateAndPersist(path, name, deviceType string) (*LocalIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("bind-failed: generate key: %w", err)
	}
	fp, err := Fingerprint(pub)
	if err != nil {
		return nil, err
	}
	id := &LocalIdentity{
		DeviceID:    uuid.NewV4(),
		Name:        name,
		DeviceType:  deviceType,
		PublicKey:   pub,
		PrivateKey:  priv,
		Fingerprint: fp,
	}
	if err := save(path, id); err != nil {
		return nil, fmt.Errorf("storage-unavailable: %w", err)
	}
	return id, nil
}

func load(path string) (*LocalIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pi persistedIdentity
	if err := json.Unmarshal(raw, &pi); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	deviceID, err := uuid.FromString(pi.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("bad device id: %w", err)
	}
	if len(pi.PublicKey) != ed25519.PublicKeySize || len(pi.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("malformed key material")
	}
	fp, err := Fingerprint(pi.PublicKey)
	if err != nil {
		return nil, err
	}
	return &LocalIdentity{
		DeviceID:    deviceID,
		Name:        pi.Name,
		DeviceType:  pi.DeviceType,
		PublicKey:   ed25519.PublicKey(pi.PublicKey),
		PrivateKey:  ed25519.PrivateKey(pi.PrivateKey),
		Fingerprint: fp,
	}, nil
}

// save persists the identity atomically: write to a temp file in the
// same directory, then rename over the target, so a crash mid-write
// never leaves a truncated identity.bin behind.
func save(path string, id *LocalIdentity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	pi := persistedIdentity{
		DeviceID:   id.DeviceID.String(),
		Name:       id.Name,
		DeviceType: id.DeviceType,
		PublicKey:  id.PublicKey,
		PrivateKey: id.PrivateKey,
	}
	raw, err := json.Marshal(pi)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// TLSCertificate builds a self-signed certificate binding the identity's
// public key to its device-id and name, for use as the transport's raw
// public-key-style TLS credential. The certificate is never meaningfully
// validated by peers beyond extracting its public key (see the transport
// package's acceptAnyCertificate) — the CommonName is informational only.
func (id *LocalIdentity) TLSCertificate() (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   id.DeviceID.String(),
			Organization: []string{"connected"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, id.PublicKey, id.PrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create self-signed certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  id.PrivateKey,
	}, nil
}
