package op

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadOperationFile reads and parses an operation JSON file from the given
// path. Returns the parsed Operation or an error if reading/parsing fails.
func ReadOperationFile(path string) (*Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation file %s: %w", path, err)
	}

	var o Operation
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse operation file %s: %w", path, err)
	}

	o.SetDefaults()
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid operation file %s: %w", path, err)
	}

	return &o, nil
}

// WriteOperationFile writes an Operation to spoolDir/{id}.json with
// pretty-printed formatting.
func WriteOperationFile(spoolDir string, o *Operation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid operation: %w", err)
	}

	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal operation %s: %w", o.ID, err)
	}

	path := filepath.Join(spoolDir, o.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write operation file %s: %w", path, err)
	}

	return nil
}

// Filename returns the canonical spool filename for this operation: {id}.json
func (o *Operation) Filename() string {
	return fmt.Sprintf("%s.json", o.ID)
}

// ReadAllOperationFiles reads all operation files from the given directory.
// Invalid files are skipped with a warning to stderr so that one corrupt
// spool entry cannot wedge ingestion.
func ReadAllOperationFiles(spoolDir string) ([]*Operation, error) {
	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Operation{}, nil // Empty spool is valid
		}
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var ops []*Operation
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(spoolDir, entry.Name())
		o, err := ReadOperationFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid operation file %s: %v\n", entry.Name(), err)
			continue
		}

		ops = append(ops, o)
	}

	return ops, nil
}
