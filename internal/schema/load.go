package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParseDocument parses a raw command-schema document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema document: %w", err)
	}
	if len(doc.Commands) == 0 {
		return nil, fmt.Errorf("schema document defines no commands")
	}
	return &doc, nil
}

// LoadDocument reads and parses a command-schema document from disk.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema document: %w", err)
	}
	return ParseDocument(data)
}
