package agent

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/goudaren0528/orderinfo-server/internal/protocol"
)

// encPrefix marks a state file encrypted at rest. The remainder is base64 of
// salt || nonce || AES-256-GCM sealed JSON, keyed by the machine identity.
const encPrefix = "ENC1:"

const (
	encSaltLen  = 16
	encNonceLen = 12
)

// scrypt cost parameters for the state-file key.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// State is the client's only source of truth across restarts. It is created
// on first activation and overwritten atomically on every state change.
type State struct {
	MachineID         string                       `json:"machine_id"`
	DevicePrivateKey  string                       `json:"device_private_key"`
	DevicePublicKey   string                       `json:"device_public_key"`
	ServerPublicKey   string                       `json:"server_public_key,omitempty"`
	License           *protocol.LicenseCertificate `json:"license,omitempty"`
	LicenseSignature  string                       `json:"license_signature,omitempty"`
	ConfigToken       string                       `json:"config_token,omitempty"`
	ConfigTokenExpire int64                        `json:"config_token_expire,omitempty"`
	LastOKTS          int64                        `json:"last_ok_ts,omitempty"`
}

// PrivateKey decodes the stored device private key.
func (st *State) PrivateKey() (ed25519.PrivateKey, error) {
	if st.DevicePrivateKey == "" {
		return nil, errors.New("no device key in state")
	}
	raw, err := base64.StdEncoding.DecodeString(st.DevicePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode device private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("device private key has %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// SetKeyPair stores a device keypair: private key as base64 raw bytes, public
// key as PEM.
func (st *State) SetKeyPair(priv ed25519.PrivateKey, pubPEM string) {
	st.DevicePrivateKey = base64.StdEncoding.EncodeToString(priv)
	st.DevicePublicKey = pubPEM
}

// StateStore persists State to a single file. Mutations are serialized by the
// store's lock and written atomically (temp file then rename) so a crash
// mid-write never leaves a corrupt file. When encryption is enabled the file
// is sealed with a key derived from the machine identity; if no usable
// identity exists the store falls back to plaintext and says so in the log.
type StateStore struct {
	path      string
	machineID string
	encrypt   bool
	log       *slog.Logger

	mu sync.Mutex
}

// NewStateStore builds a store over path, keyed by machineID when encryption
// is requested.
func NewStateStore(path, machineID string, encrypt bool, log *slog.Logger) *StateStore {
	if encrypt && machineID == FallbackMachineID {
		log.Warn("machine identity unavailable, state file will be stored as plaintext")
		encrypt = false
	}
	return &StateStore{path: path, machineID: machineID, encrypt: encrypt, log: log}
}

// Load reads the state file. A missing file yields a fresh empty State.
func (s *StateStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save writes st atomically, replacing the previous file.
func (s *StateStore) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(st)
}

// Update applies mutate to the current on-disk state as one transaction: the
// lock is held across load, mutate and save, so concurrent callers can each
// change their own fields without clobbering the other's. Callers must touch
// only the fields they own inside mutate.
func (s *StateStore) Update(mutate func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	mutate(st)
	return s.saveLocked(st)
}

func (s *StateStore) loadLocked() (*State, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{MachineID: s.machineID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, encPrefix) {
		plain, err := s.decrypt(strings.TrimPrefix(text, encPrefix))
		if err != nil {
			return nil, fmt.Errorf("decrypt state file: %w", err)
		}
		raw = plain
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &st, nil
}

func (s *StateStore) saveLocked(st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	out := raw
	if s.encrypt {
		sealed, err := s.seal(raw)
		if err != nil {
			s.log.Warn("state encryption failed, writing plaintext", slog.String("error", err.Error()))
		} else {
			out = []byte(encPrefix + sealed)
		}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (s *StateStore) seal(plaintext []byte) (string, error) {
	salt := make([]byte, encSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, encNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (s *StateStore) decrypt(encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(blob) < encSaltLen+encNonceLen {
		return nil, errors.New("truncated")
	}
	salt := blob[:encSaltLen]
	nonce := blob[encSaltLen : encSaltLen+encNonceLen]
	sealed := blob[encSaltLen+encNonceLen:]

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plain, nil
}

// aead derives the AES-256-GCM cipher from the machine identity and salt.
func (s *StateStore) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(s.machineID), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
