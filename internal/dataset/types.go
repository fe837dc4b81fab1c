// Package dataset stores uploaded datasets and their descriptive records, and
// renders the context block that tells the engine which data a generated
// program may read.
package dataset

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies how a dataset is meant to be used.
type Type string

const (
	TypeTraining   Type = "training"
	TypeTesting    Type = "testing"
	TypeValidation Type = "validation"
)

// ParseType normalizes and validates a dataset type.
func ParseType(value string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(value))); t {
	case TypeTraining, TypeTesting, TypeValidation:
		return t, nil
	default:
		return "", fmt.Errorf("dataset: type must be training, testing or validation (got %q)", value)
	}
}

// Metadata describes the dataset's shape. Zero values mean unknown.
type Metadata struct {
	Features       []string `json:"features,omitempty"`
	TargetVariable string   `json:"targetVariable,omitempty"`
	RowCount       int      `json:"rowCount,omitempty"`
	ColumnCount    int      `json:"columnCount,omitempty"`
}

// Record is one uploaded dataset.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        Type      `json:"type"`
	FilePath    string    `json:"filePath"`
	FileName    string    `json:"fileName,omitempty"`
	FileSize    int64     `json:"fileSize"`
	FileType    string    `json:"fileType"`
	Metadata    Metadata  `json:"metadata"`
	UserID      string    `json:"userId"`
	UploadedAt  time.Time `json:"uploadDate"`
}

// Preview is the head of a delimited file.
type Preview struct {
	Headers   []string            `json:"headers"`
	Data      []map[string]string `json:"data"`
	TotalRows int                 `json:"totalRows"`
}

func (r Record) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("dataset: name is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("dataset: userId is required")
	}
	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}
	return nil
}
