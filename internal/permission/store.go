package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Persisted decision values.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Store persists per-capability-class decisions as a JSON object file.
// Absence of a class means undecided. Decisions never auto-expire.
type Store struct {
	mu        sync.Mutex
	path      string
	decisions map[string]string
}

// NewStore loads the decision map from path, starting empty when the file
// does not exist yet.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:      path,
		decisions: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read permission store: %w", err)
	}
	if err := json.Unmarshal(data, &s.decisions); err != nil {
		return nil, fmt.Errorf("failed to parse permission store: %w", err)
	}
	return s, nil
}

// Get returns the persisted decision for a capability class, if any.
func (s *Store) Get(class string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[class]
	return d, ok
}

// Set persists a decision for a capability class, overwriting any previous
// decision for the same class.
func (s *Store) Set(class, decision string) error {
	if decision != DecisionAllow && decision != DecisionDeny {
		return fmt.Errorf("invalid decision %q for class %q", decision, class)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[class] = decision
	return s.persist()
}

// Remove deletes the persisted decision for a class, returning it to the
// undecided state.
func (s *Store) Remove(class string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.decisions, class)
	return s.persist()
}

// All returns a copy of the decision map.
func (s *Store) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.decisions))
	for k, v := range s.decisions {
		out[k] = v
	}
	return out
}

// Classes returns the decided capability classes in sorted order.
func (s *Store) Classes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	classes := make([]string, 0, len(s.decisions))
	for c := range s.decisions {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

// persist writes the map atomically via temp file + rename. Caller holds mu.
func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create permission directory: %w", err)
	}

	data, err := json.MarshalIndent(s.decisions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal permission store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write permission store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace permission store: %w", err)
	}
	return nil
}
