// Package secrets is the encrypted key store backing the anchorline signers.
//
// Secrets are sealed with AES-256-GCM under a master key derived from a
// configured master password via PBKDF2-SHA256. The master key lives in
// process memory only; no plaintext secret is ever persisted. Every read,
// write, rotation, and token issuance is written to the audit log.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // TURN REST credentials are HMAC-SHA1 by convention
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/Mindburn-Labs/anchorline/pkg/audit"
)

const (
	// KDFIterations is the PBKDF2 round count for master key derivation.
	KDFIterations = 100_000

	// DefaultRotationPeriod is how long a secret stays fresh.
	DefaultRotationPeriod = 90 * 24 * time.Hour

	// DefaultWarningThreshold is how close to expiry a secret starts
	// reporting as due for rotation.
	DefaultWarningThreshold = 7 * 24 * time.Hour

	// MaxTokenTTL caps short-lived TURN-style token lifetimes.
	MaxTokenTTL = 30 * time.Minute
)

// ErrNotFound is returned when a secret key is absent.
var ErrNotFound = errors.New("secrets: not found")

// Record is a sealed secret with its rotation bookkeeping. The GCM auth tag
// is kept separate from the ciphertext.
type Record struct {
	Ciphertext    []byte    `json:"ciphertext"`
	IV            []byte    `json:"iv"`
	AuthTag       []byte    `json:"authTag"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RotationCount int       `json:"rotationCount"`
	LastRotatedAt time.Time `json:"lastRotatedAt"`
}

// Manager holds sealed secrets in memory.
type Manager struct {
	mu               sync.RWMutex
	masterKey        []byte
	secrets          map[string]*Record
	auditLog         audit.Logger
	rotationPeriod   time.Duration
	warningThreshold time.Duration
	clock            func() time.Time
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithRotationPeriod overrides the 90-day default.
func WithRotationPeriod(d time.Duration) Option {
	return func(m *Manager) { m.rotationPeriod = d }
}

// WithWarningThreshold overrides the 7-day default.
func WithWarningThreshold(d time.Duration) Option {
	return func(m *Manager) { m.warningThreshold = d }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager derives the master key from the master password and salt.
func NewManager(masterPassword string, salt []byte, auditLog audit.Logger, opts ...Option) (*Manager, error) {
	if masterPassword == "" {
		return nil, errors.New("secrets: master password is required")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("secrets: salt must be at least 16 bytes, got %d", len(salt))
	}
	if auditLog == nil {
		auditLog = audit.NewLogger()
	}

	m := &Manager{
		masterKey:        pbkdf2.Key([]byte(masterPassword), salt, KDFIterations, 32, sha256.New),
		secrets:          make(map[string]*Record),
		auditLog:         auditLog,
		rotationPeriod:   DefaultRotationPeriod,
		warningThreshold: DefaultWarningThreshold,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Put seals and stores a secret under key, replacing any prior value.
func (m *Manager) Put(key, plaintext, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.seal([]byte(plaintext))
	if err != nil {
		return err
	}

	if prev, ok := m.secrets[key]; ok {
		rec.RotationCount = prev.RotationCount
		rec.CreatedAt = prev.CreatedAt
	}
	m.secrets[key] = rec

	return m.auditLog.Record(key, "write", actor, nil)
}

// Get opens and returns the secret stored under key.
func (m *Manager) Get(key, actor string) (string, error) {
	m.mu.RLock()
	rec, ok := m.secrets[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}

	plaintext, err := m.open(rec)
	if err != nil {
		return "", err
	}

	if err := m.auditLog.Record(key, "read", actor, nil); err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Rotate re-seals the secret with a fresh IV and extends its expiry.
func (m *Manager) Rotate(key, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.secrets[key]
	if !ok {
		return ErrNotFound
	}

	plaintext, err := m.open(rec)
	if err != nil {
		return err
	}

	fresh, err := m.seal(plaintext)
	if err != nil {
		return err
	}
	fresh.CreatedAt = rec.CreatedAt
	fresh.RotationCount = rec.RotationCount + 1
	fresh.LastRotatedAt = m.clock()
	m.secrets[key] = fresh

	return m.auditLog.Record(key, "rotate", actor, map[string]any{
		"rotationCount": fresh.RotationCount,
	})
}

// Delete removes a secret.
func (m *Manager) Delete(key, actor string) error {
	m.mu.Lock()
	_, ok := m.secrets[key]
	delete(m.secrets, key)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return m.auditLog.Record(key, "delete", actor, nil)
}

// Inspect returns rotation metadata for a secret without opening it.
func (m *Manager) Inspect(key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.secrets[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	// Metadata only; cipher material stays inside the manager.
	return Record{
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		RotationCount: rec.RotationCount,
		LastRotatedAt: rec.LastRotatedAt,
	}, nil
}

// RotationDue lists keys within the warning threshold of expiry (or past it).
func (m *Manager) RotationDue() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock()
	var due []string
	for key, rec := range m.secrets {
		if now.Add(m.warningThreshold).After(rec.ExpiresAt) {
			due = append(due, key)
		}
	}
	return due
}

// TurnCredentials is a short-lived TURN-style credential pair.
type TurnCredentials struct {
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IssueTurnCredentials derives time-limited credentials:
// username = <unixExpiry>:<baseUser>, credential = HMAC-SHA1(username,
// baseCredential), base64-encoded. TTL is clamped to MaxTokenTTL.
func (m *Manager) IssueTurnCredentials(baseUser, baseCredential string, ttl time.Duration, actor string) (TurnCredentials, error) {
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}

	expiry := m.clock().Add(ttl)
	username := fmt.Sprintf("%d:%s", expiry.Unix(), baseUser)

	mac := hmac.New(sha1.New, []byte(baseCredential))
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if err := m.auditLog.Record(baseUser, "issue_token", actor, map[string]any{
		"expiresAt": expiry.Unix(),
	}); err != nil {
		return TurnCredentials{}, err
	}

	return TurnCredentials{Username: username, Credential: credential, ExpiresAt: expiry}, nil
}

// --- AES-256-GCM sealing ---

func (m *Manager) seal(plaintext []byte) (*Record, error) {
	gcm, err := m.aead()
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagSize := gcm.Overhead()
	now := m.clock()

	return &Record{
		Ciphertext:    sealed[:len(sealed)-tagSize],
		IV:            iv,
		AuthTag:       sealed[len(sealed)-tagSize:],
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.rotationPeriod),
		LastRotatedAt: now,
	}, nil
}

func (m *Manager) open(rec *Record) ([]byte, error) {
	gcm, err := m.aead()
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, rec.Ciphertext...), rec.AuthTag...)
	plaintext, err := gcm.Open(nil, rec.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: open failed: %w", err)
	}
	return plaintext, nil
}

func (m *Manager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(m.masterKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}
	return gcm, nil
}
