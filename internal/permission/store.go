package permission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	heroErrors "github.com/th317erd/hero/internal/errors"

	"github.com/natefinch/atomic"
)

// RuleStore persists rules. Delete reports whether a row was removed so the
// engine can tell when another writer consumed a once rule first.
type RuleStore interface {
	Put(ctx context.Context, r Rule) error
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, q Query) ([]Rule, error)
	// DeleteSessionScoped removes the session and once scoped rules bound to
	// sessionID. Permanent rules survive.
	DeleteSessionScoped(ctx context.Context, sessionID string) (int, error)
}

type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]Rule)}
}

func (s *MemoryRuleStore) Put(_ context.Context, r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *MemoryRuleStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return false, nil
	}
	delete(s.rules, id)
	return true, nil
}

func (s *MemoryRuleStore) List(_ context.Context, q Query) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterRules(s.rules, q), nil
}

func (s *MemoryRuleStore) DeleteSessionScoped(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteSessionScoped(s.rules, sessionID), nil
}

// FileRuleStore keeps rules in a JSON file rewritten atomically on every change.
type FileRuleStore struct {
	mu    sync.RWMutex
	path  string
	rules map[string]Rule
}

func NewFileRuleStore(path string) (*FileRuleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create rules dir: %w", err)
	}

	s := &FileRuleStore{path: path, rules: make(map[string]Rule)}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, heroErrors.Storage("read rules", err)
	}
	if len(data) > 0 {
		var list []Rule
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, heroErrors.Storage("parse rules", err)
		}
		for _, r := range list {
			s.rules[r.ID] = r
		}
	}
	return s, nil
}

func (s *FileRuleStore) Put(_ context.Context, r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.rules[r.ID]
	s.rules[r.ID] = r
	if err := s.save(); err != nil {
		if existed {
			s.rules[r.ID] = prev
		} else {
			delete(s.rules, r.ID)
		}
		return err
	}
	return nil
}

func (s *FileRuleStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rules[id]
	if !ok {
		return false, nil
	}
	delete(s.rules, id)
	if err := s.save(); err != nil {
		s.rules[id] = prev
		return false, err
	}
	return true, nil
}

func (s *FileRuleStore) List(_ context.Context, q Query) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterRules(s.rules, q), nil
}

func (s *FileRuleStore) DeleteSessionScoped(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := deleteSessionScoped(s.rules, sessionID)
	if n == 0 {
		return 0, nil
	}
	return n, s.save()
}

func (s *FileRuleStore) save() error {
	list := filterRules(s.rules, Query{})
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return heroErrors.Storage("write rules", err)
	}
	return nil
}

func filterRules(rules map[string]Rule, q Query) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func deleteSessionScoped(rules map[string]Rule, sessionID string) int {
	n := 0
	for id, r := range rules {
		if r.SessionID == sessionID && r.Scope != ScopePermanent {
			delete(rules, id)
			n++
		}
	}
	return n
}
