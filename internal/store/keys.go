package store

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

type processedKeys struct {
	Keys map[string]int64 `json:"keys"` // key -> expiry (unix seconds)
}

// KeyStore remembers idempotency keys until their TTL passes. Persistence is
// explicit through Save so callers decide when to pay for a disk write.
type KeyStore struct {
	mu    sync.Mutex
	path  string
	state processedKeys
	now   func() time.Time
}

// NewKeyStore loads keys from path. An empty path keeps keys in memory only.
func NewKeyStore(path string) (*KeyStore, error) {
	s := &KeyStore{
		path:  path,
		state: processedKeys{Keys: make(map[string]int64)},
		now:   time.Now,
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, s.Save()
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.state); err != nil {
			return nil, err
		}
		if s.state.Keys == nil {
			s.state.Keys = make(map[string]int64)
		}
	}
	return s, nil
}

// CheckAndMark reports whether key was already seen and unexpired. An unseen
// or expired key is marked with a fresh ttl.
func (s *KeyStore) CheckAndMark(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	if expiry, ok := s.state.Keys[key]; ok && expiry > now {
		return true
	}
	s.state.Keys[key] = now + int64(ttl.Seconds())
	return false
}

// Forget drops a key so a failed append can be retried with it.
func (s *KeyStore) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Keys, key)
}

// Prune removes expired keys and returns how many were dropped.
func (s *KeyStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	count := 0
	for k, expiry := range s.state.Keys {
		if expiry <= now {
			delete(s.state.Keys, k)
			count++
		}
	}
	return count
}

func (s *KeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Keys)
}

func (s *KeyStore) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}
