package identity

import (
	"os"
	"testing"
)

func TestInitializeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	id1, err := Initialize(dir, "alice-laptop", "desktop")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := Initialize(dir, "alice-laptop", "desktop")
	if err != nil {
		t.Fatal(err)
	}
	if id1.Fingerprint != id2.Fingerprint {
		t.Fatal("expected stable fingerprint across re-initialize")
	}
	if id1.DeviceID != id2.DeviceID {
		t.Fatal("expected stable device id across re-initialize")
	}
}

func TestInitializeCorruptIsError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/identity.bin", []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Initialize(dir, "bob", "phone"); err == nil {
		t.Fatal("expected corrupt identity to be reported as an error")
	}
}

func TestResetRotatesFingerprint(t *testing.T) {
	dir := t.TempDir()
	id1, err := Initialize(dir, "alice-laptop", "desktop")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := Reset(dir, "alice-laptop", "desktop")
	if err != nil {
		t.Fatal(err)
	}
	if id1.Fingerprint == id2.Fingerprint {
		t.Fatal("expected Reset to rotate the fingerprint")
	}
}

func TestTLSCertificateBindsPublicKey(t *testing.T) {
	dir := t.TempDir()
	id, err := Initialize(dir, "alice-laptop", "desktop")
	if err != nil {
		t.Fatal(err)
	}
	cert, err := id.TLSCertificate()
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("expected at least one DER certificate")
	}
}
