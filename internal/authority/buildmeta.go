package authority

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/synthdesk/router/internal/canon"
)

// BuildMeta is the hash digest over a declared set of critical source
// files, per SPEC_FULL.md §3/§6.
type BuildMeta struct {
	SourceFiles    map[string]string `json:"source_files"`
	CombinedSHA256 string            `json:"combined_sha256"`
	CriticalFiles  []string          `json:"critical_files"`
}

// LoadBuildMeta reads and parses a build-meta JSON file from path.
func LoadBuildMeta(path string) (*BuildMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authority: read build meta %q: %w", path, err)
	}
	var bm BuildMeta
	if err := json.Unmarshal(data, &bm); err != nil {
		return nil, fmt.Errorf("authority: parse build meta %q: %w", path, err)
	}
	return &bm, nil
}

// ComputeCombinedHash recomputes combined_sha256 = sha256(concat over
// sorted critical_files of "path:hash\n"), independent of whatever
// value is currently stored in the struct. Used both to build a fresh
// BuildMeta and to detect live-patching drift (the build_meta_mismatch
// demotion check).
func (b *BuildMeta) ComputeCombinedHash() string {
	files := append([]string(nil), b.CriticalFiles...)
	sort.Strings(files)

	var sb strings.Builder
	for _, path := range files {
		sb.WriteString(path)
		sb.WriteByte(':')
		sb.WriteString(b.SourceFiles[path])
		sb.WriteByte('\n')
	}
	return canon.SHA256Hex([]byte(sb.String()))
}

// Verify reports whether the stored CombinedSHA256 matches a fresh
// recomputation from the in-memory SourceFiles snapshot. This only
// catches a malformed build-meta file, never drift introduced after
// the file was loaded — use RecomputeFromDisk for that.
func (b *BuildMeta) Verify() bool {
	return b.CombinedSHA256 == b.ComputeCombinedHash()
}

// RecomputeFromDisk re-reads every path in CriticalFiles from disk,
// hashes its current contents, and recombines them exactly as
// ComputeCombinedHash does from the stored SourceFiles snapshot. The
// build_meta_mismatch demotion check compares this against the
// certificate-bound hash to catch live-patching of a critical file
// after promotion, which ComputeCombinedHash's in-memory comparison
// can never see.
func (b *BuildMeta) RecomputeFromDisk() (string, error) {
	files := append([]string(nil), b.CriticalFiles...)
	sort.Strings(files)

	var sb strings.Builder
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("authority: re-read critical file %q: %w", path, err)
		}
		sb.WriteString(path)
		sb.WriteByte(':')
		sb.WriteString(canon.SHA256Hex(data))
		sb.WriteByte('\n')
	}
	return canon.SHA256Hex([]byte(sb.String())), nil
}
