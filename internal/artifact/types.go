// Package artifact persists the final code of completed sessions. Each
// session gets a directory holding the raw program and a result document
// whose YAML front matter records provenance.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// CodeFileName is the raw program written next to the result document.
	CodeFileName = "generated_code.py"
	// ResultFileName is the Markdown document with front matter.
	ResultFileName = "result.md"
)

// Metadata captures provenance stored in the result front matter.
type Metadata struct {
	SessionID   string
	Prompt      string
	Steps       []string
	DatasetRefs []string
	CreatedAt   time.Time
	Checksum    string
}

// Record is one persisted artifact.
type Record struct {
	Metadata Metadata
	Code     string
}

// WithDefaults fills the checksum and timestamp.
func (m Metadata) WithDefaults(code string, now time.Time) Metadata {
	clone := m
	clone.Steps = append([]string(nil), m.Steps...)
	clone.DatasetRefs = append([]string(nil), m.DatasetRefs...)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now.UTC()
	}
	clone.Checksum = Checksum(code)
	return clone
}

// Validate ensures the metadata can be written.
func (m Metadata) Validate() error {
	if err := validSessionID(m.SessionID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Prompt) == "" {
		return fmt.Errorf("artifact: prompt is required for %s", m.SessionID)
	}
	return nil
}

// Checksum is the hex sha256 of code.
func Checksum(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func validSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("artifact: session id is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("artifact: invalid session id %q", id)
	}
	return nil
}
