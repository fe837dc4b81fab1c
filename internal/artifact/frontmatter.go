package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// ParseFrontMatter extracts the metadata block and body from a document that
// starts with `---` YAML fences.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	if len(content) == 0 {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	var envelope resultEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return Metadata{}, nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	meta, err := envelope.toMetadata()
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, parts[1], nil
}

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta Metadata, body []byte) ([]byte, error) {
	if meta.SessionID == "" {
		return nil, fmt.Errorf("artifact: metadata missing session id")
	}
	var envelope resultEnvelope
	envelope.fromMetadata(meta)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

type resultEnvelope struct {
	Stepforge resultMetadata `yaml:"stepforge"`
}

type resultMetadata struct {
	Session  string   `yaml:"session"`
	Prompt   string   `yaml:"prompt"`
	Steps    []string `yaml:"steps,omitempty"`
	Datasets []string `yaml:"datasets,omitempty"`
	Created  string   `yaml:"created"`
	Checksum string   `yaml:"checksum"`
}

func (e resultEnvelope) toMetadata() (Metadata, error) {
	if e.Stepforge.Session == "" || e.Stepforge.Checksum == "" {
		return Metadata{}, ErrMalformedFrontMatter
	}
	created, err := parseTime(e.Stepforge.Created)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	return Metadata{
		SessionID:   e.Stepforge.Session,
		Prompt:      e.Stepforge.Prompt,
		Steps:       append([]string(nil), e.Stepforge.Steps...),
		DatasetRefs: append([]string(nil), e.Stepforge.Datasets...),
		CreatedAt:   created,
		Checksum:    e.Stepforge.Checksum,
	}, nil
}

func (e *resultEnvelope) fromMetadata(meta Metadata) {
	e.Stepforge = resultMetadata{
		Session:  meta.SessionID,
		Prompt:   meta.Prompt,
		Steps:    append([]string(nil), meta.Steps...),
		Datasets: append([]string(nil), meta.DatasetRefs...),
		Created:  meta.CreatedAt.UTC().Format(time.RFC3339),
		Checksum: meta.Checksum,
	}
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty created timestamp")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
