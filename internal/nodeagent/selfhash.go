// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nodeagent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sort"

	"grimm.is/flymesh/internal/errors"
)

// IntegrityReport proves what code this agent is running. The control
// plane compares CombinedHash against its expected value.
type IntegrityReport struct {
	CombinedHash string            `json:"combined_hash"`
	FileHashes   map[string]string `json:"file_hashes"`
	AgentPath    string            `json:"agent_path"`
	FileCount    int               `json:"file_count"`
	MissingFiles []string          `json:"missing_files,omitempty"`
}

// SelfHasher hashes the agent's own files. The set is the running
// executable plus any configured extras (config files, helper
// scripts).
type SelfHasher struct {
	extraFiles []string
}

func NewSelfHasher(extraFiles []string) *SelfHasher {
	return &SelfHasher{extraFiles: extraFiles}
}

// Report hashes every file in the set and derives the combined hash.
// Unreadable files are reported as missing rather than failing the
// whole report; a partially tampered host should still phone home.
func (h *SelfHasher) Report() (*IntegrityReport, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "locate executable")
	}

	files := append([]string{exe}, h.extraFiles...)
	hashes := make(map[string]string, len(files))
	var missing []string

	for _, path := range files {
		sum, err := hashFile(path)
		if err != nil {
			missing = append(missing, path)
			continue
		}
		hashes[path] = sum
	}

	combined, err := CombineHashes(hashes)
	if err != nil {
		return nil, err
	}

	return &IntegrityReport{
		CombinedHash: combined,
		FileHashes:   hashes,
		AgentPath:    exe,
		FileCount:    len(hashes),
		MissingFiles: missing,
	}, nil
}

// hashFile computes the SHA-256 digest of one file, streamed in 8 KiB
// chunks.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum := sha256.New()
	buf := make([]byte, 8192)
	if _, err := io.CopyBuffer(sum, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// CombineHashes folds the per-file hashes into one digest: SHA-256
// over the JSON array of (path, hash) pairs in path order. Sorting
// makes the result independent of map iteration.
func CombineHashes(hashes map[string]string) (string, error) {
	pairs := make([][2]string, 0, len(hashes))
	for path, sum := range hashes {
		pairs = append(pairs, [2]string{path, sum})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })

	data, err := json.Marshal(pairs)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "encode hash set")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
