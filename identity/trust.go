package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/op/go-logging"
)

const peersFilename = "peers.json"

// PeerStatus is the trust disposition of a known peer.
type PeerStatus string

const (
	StatusTrusted   PeerStatus = "trusted"
	StatusBlocked   PeerStatus = "blocked"
	StatusForgotten PeerStatus = "forgotten"
)

// Peer is an entry in the known-peers map: fingerprint -> {id, name, status}.
type Peer struct {
	Fingerprint string     `json:"fingerprint"`
	DeviceID    string     `json:"device_id"`
	Name        string     `json:"name"`
	Status      PeerStatus `json:"status"`
	LastIP      string     `json:"last_ip,omitempty"`
	LastPort    int        `json:"last_port,omitempty"`
	LastSeen    time.Time  `json:"last_seen,omitempty"`
}

// Store persists the local key pair's view of the world: who is
// trusted, who is blocked, last-known reachability. Mutation is
// serialized; reads run concurrently; every mutation is followed by an
// atomic persist (§5 Shared-resource policy).
type Store struct {
	mu          sync.RWMutex
	path        string
	log         *logging.Logger
	byFP        map[string]Peer
	fpByDevice  map[string]string
}

// NewStore loads peers.json under storagePath, or starts empty if it
// does not yet exist. A corrupt file is a hard error — the caller must
// not treat it as "no known peers".
func NewStore(storagePath string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.MustGetLogger("identity")
	}
	s := &Store{
		path:       filepath.Join(storagePath, peersFilename),
		log:        log,
		byFP:       map[string]Peer{},
		fpByDevice: map[string]string{},
	}
	raw, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var peers []Peer
		if jerr := json.Unmarshal(raw, &peers); jerr != nil {
			return nil, fmt.Errorf("identity-corrupt: peers.json: %w", jerr)
		}
		for _, p := range peers {
			s.byFP[p.Fingerprint] = p
			if p.DeviceID != "" {
				s.fpByDevice[p.DeviceID] = p.Fingerprint
			}
		}
		return s, nil
	case os.IsNotExist(err):
		return s, nil
	default:
		return nil, fmt.Errorf("storage-unavailable: %w", err)
	}
}

// Trust records fingerprint/deviceID/name as trusted. A peer entry is
// never written with a mismatched (fingerprint, device-id) pair: a
// fingerprint already bound to a different device-id is corrected in
// place only by an explicit Trust call naming the new pair, matching
// end-to-end scenario 3 (fingerprint rotation reuses the device-id, and
// only an explicit trust_device call updates the record).
func (s *Store) Trust(fingerprint, deviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.byFP[fingerprint]
	p.Fingerprint = fingerprint
	p.DeviceID = deviceID
	p.Name = name
	p.Status = StatusTrusted
	s.byFP[fingerprint] = p
	s.fpByDevice[deviceID] = fingerprint
	return s.saveLocked()
}

// Block marks fingerprint blocked, creating a minimal entry if the
// fingerprint was never seen before (pairing may be blocked pre-emptively,
// before a device-id is known). Blocks are keyed by fingerprint and
// survive Forget.
func (s *Store) Block(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.byFP[fingerprint]
	p.Fingerprint = fingerprint
	p.Status = StatusBlocked
	s.byFP[fingerprint] = p
	return s.saveLocked()
}

// Forget removes the trusted entry for deviceID. It is a no-op if that
// peer's fingerprint is currently blocked — a block persists forgetting
// by device-id, exactly as §4.1 specifies.
func (s *Store) Forget(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.fpByDevice[deviceID]
	if !ok {
		return nil
	}
	if p, ok := s.byFP[fp]; ok && p.Status == StatusBlocked {
		return nil
	}
	delete(s.byFP, fp)
	delete(s.fpByDevice, deviceID)
	return s.saveLocked()
}

// IsTrusted reports whether deviceID currently maps to a trusted
// fingerprint.
func (s *Store) IsTrusted(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.fpByDevice[deviceID]
	if !ok {
		return false
	}
	return s.byFP[fp].Status == StatusTrusted
}

// StatusByFingerprint looks up the trust status bound to a fingerprint,
// the authorization gate consulted on every handshake.
func (s *Store) StatusByFingerprint(fingerprint string) (PeerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byFP[fingerprint]
	if !ok {
		return "", false
	}
	return p.Status, true
}

// Peers returns a snapshot of all known peers.
func (s *Store) Peers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.byFP))
	for _, p := range s.byFP {
		out = append(out, p)
	}
	return out
}

// UpdateLastSeen records the most recent reachable address for a peer
// that already has an entry in the store, observed on every successful
// handshake. A fingerprint with no entry (such as a pending peer) is
// ignored.
func (s *Store) UpdateLastSeen(fingerprint, ip string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byFP[fingerprint]
	if !ok {
		return nil
	}
	p.LastIP = ip
	p.LastPort = port
	p.LastSeen = time.Now()
	s.byFP[fingerprint] = p
	return s.saveLocked()
}

// saveLocked writes the store atomically (temp file + rename), per the
// crash-safety invariant in §3. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	peers := make([]Peer, 0, len(s.byFP))
	for _, p := range s.byFP {
		peers = append(peers, p)
	}
	raw, err := json.Marshal(peers)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		s.log.Error("peers.json write failed:", err)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Error("peers.json rename failed:", err)
		return err
	}
	return nil
}
