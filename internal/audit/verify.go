package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult is the outcome of walking the chain.
type VerifyResult struct {
	// Records is the number of records examined.
	Records int
	// OK is true when every hash recomputes and every link holds.
	OK bool
	// FirstMismatch is the zero-based index of the first bad record, or -1.
	FirstMismatch int
	// Reason describes the first mismatch.
	Reason string
}

// VerifyLog walks the durable log in order, recomputing each record's hash and
// checking prev_hash linkage. Exposed for diagnostics and the test suite; not
// on the runtime append path.
func VerifyLog(logPath string) (*VerifyResult, error) {
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			// An empty chain verifies trivially.
			return &VerifyResult{Records: 0, OK: true, FirstMismatch: -1}, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	result := &VerifyResult{OK: true, FirstMismatch: -1}
	prevHash := ""

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return mismatch(result, "unparsable record"), nil
		}

		if rec.PrevHash != prevHash {
			return mismatch(result, fmt.Sprintf("broken link: prev_hash %q, expected %q", rec.PrevHash, prevHash)), nil
		}

		computed, err := ComputeHash(&rec)
		if err != nil {
			return mismatch(result, fmt.Sprintf("hash recomputation failed: %v", err)), nil
		}
		if computed != rec.Hash {
			return mismatch(result, fmt.Sprintf("hash mismatch: stored %q, computed %q", rec.Hash, computed)), nil
		}

		prevHash = rec.Hash
		result.Records++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	return result, nil
}

// mismatch marks the current record index as the first failure.
func mismatch(r *VerifyResult, reason string) *VerifyResult {
	r.OK = false
	r.FirstMismatch = r.Records
	r.Reason = reason
	return r
}

// ReadAll returns every record in the log in order. Diagnostics helper.
func ReadAll(logPath string) ([]*Record, error) {
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []*Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unparsable audit record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, scanner.Err()
}
