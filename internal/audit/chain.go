// Package audit implements the tamper-evident audit chain every privileged
// component writes to. Records are hash-linked: each embeds the previous
// record's digest, so retroactive edits are computationally evident.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/wardenhq/warden/internal/logging"
)

// Record is one append-only audit entry. Immutable once written.
type Record struct {
	Timestamp string         `json:"timestamp"` // RFC3339Nano, UTC
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// AppendResult reports the outcome of a best-effort append. Record is always
// populated; Persisted is false when the durable write failed, with Reason
// explaining the degradation.
type AppendResult struct {
	Record    *Record
	Persisted bool
	Reason    string
}

// Chain appends hash-linked records to a durable NDJSON log. The last hash is
// cached in a separate pointer file for O(1) continuation after restart.
// Persistence failures never propagate to callers: privileged actions must
// complete even when auditing is degraded.
type Chain struct {
	mu          sync.Mutex
	logPath     string
	pointerPath string
	lastHash    string
	degraded    bool
	degradedWhy string
	log         *slog.Logger
}

// pointerFile is the persisted shape of the chain pointer.
type pointerFile struct {
	LastHash string `json:"last_hash"`
}

// NewChain opens (or starts) the chain backed by the given log and pointer
// paths. A missing or corrupt pointer is treated as a fresh chain, not an
// error.
func NewChain(logPath, pointerPath string) (*Chain, error) {
	for _, p := range []string{logPath, pointerPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	c := &Chain{
		logPath:     logPath,
		pointerPath: pointerPath,
		log:         logging.WithComponent("audit"),
	}
	c.lastHash = c.loadPointer()
	return c, nil
}

// loadPointer reads the cached last hash. Absent or unparsable pointer data
// yields the genesis prev_hash (empty string).
func (c *Chain) loadPointer() string {
	data, err := os.ReadFile(c.pointerPath)
	if err != nil {
		return ""
	}
	var p pointerFile
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn("audit pointer corrupt, starting fresh chain", slog.Any("error", err))
		return ""
	}
	return p.LastHash
}

// Append creates, links and persists a new record. The read-pointer / compute /
// append / update-pointer sequence is one atomic unit under the chain mutex; a
// lost update here would silently fork the chain.
func (c *Chain) Append(recordType string, data map[string]any) AppendResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data == nil {
		data = map[string]any{}
	}

	rec := &Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      recordType,
		Data:      data,
		PrevHash:  c.lastHash,
	}

	hash, err := ComputeHash(rec)
	if err != nil {
		c.markDegraded(fmt.Sprintf("hash computation failed: %v", err))
		return AppendResult{Record: rec, Persisted: false, Reason: c.degradedWhy}
	}
	rec.Hash = hash

	if err := c.appendToLog(rec); err != nil {
		c.markDegraded(fmt.Sprintf("log write failed: %v", err))
		return AppendResult{Record: rec, Persisted: false, Reason: c.degradedWhy}
	}

	// The record is durable; advance the in-memory chain even if the pointer
	// write fails (the pointer is a cache, the log is the source of truth).
	c.lastHash = rec.Hash

	if err := c.writePointer(rec.Hash); err != nil {
		c.markDegraded(fmt.Sprintf("pointer write failed: %v", err))
		return AppendResult{Record: rec, Persisted: true, Reason: c.degradedWhy}
	}

	c.degraded = false
	c.degradedWhy = ""
	return AppendResult{Record: rec, Persisted: true}
}

// appendToLog writes one NDJSON line to the durable log.
func (c *Chain) appendToLog(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(append(data, '\n'))
	return err
}

// writePointer atomically replaces the pointer file via rename.
func (c *Chain) writePointer(hash string) error {
	data, err := json.Marshal(pointerFile{LastHash: hash})
	if err != nil {
		return err
	}

	tmp := c.pointerPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, c.pointerPath)
}

// markDegraded records a persistence failure for diagnostics. The failure is
// logged but never surfaced to the caller's primary operation.
func (c *Chain) markDegraded(reason string) {
	c.degraded = true
	c.degradedWhy = reason
	c.log.Error("audit chain degraded", slog.String("reason", reason))
}

// Degraded reports whether the most recent append failed to fully persist,
// and why. Surfaced through diagnostics, not through callers.
func (c *Chain) Degraded() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded, c.degradedWhy
}

// LastHash returns the hash of the newest record, or "" for a fresh chain.
func (c *Chain) LastHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

// LogPath returns the durable log location, for verification tooling.
func (c *Chain) LogPath() string {
	return c.logPath
}

// ComputeHash derives the record digest from the other four fields:
// sha256(timestamp | type | canonical(data) | prev_hash). Data is canonicalized
// with RFC 8785 (JCS) so hashing is independent of map iteration order.
func ComputeHash(rec *Record) (string, error) {
	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("data serialization failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalization failed: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(rec.Timestamp))
	h.Write([]byte{'|'})
	h.Write([]byte(rec.Type))
	h.Write([]byte{'|'})
	h.Write(canonical)
	h.Write([]byte{'|'})
	h.Write([]byte(rec.PrevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}
