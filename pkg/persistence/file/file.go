// Package file provides file-based persistence for development and tests.
// Each record is one JSON document under a per-collection directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/castellanhq/castellan/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface on the file
// system.
type Persistence struct {
	root string
	// One lock for the whole store: file persistence is for dev/tests and
	// trades throughput for the same atomicity guarantees the SQL layer
	// provides with row locks.
	mu sync.Mutex

	ruleRepo       *RuleRepository
	executionRepo  *ExecutionRepository
	endpointRepo   *EndpointRepository
	receiptRepo    *ReceiptRepository
	bottleneckRepo *BottleneckRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.ruleRepo = &RuleRepository{p: p}
	p.executionRepo = &ExecutionRepository{p: p}
	p.endpointRepo = &EndpointRepository{p: p}
	p.receiptRepo = &ReceiptRepository{p: p}
	p.bottleneckRepo = &BottleneckRepository{p: p}

	return p
}

func (p *Persistence) RuleRepository() persistence.RuleRepository { return p.ruleRepo }

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) EndpointRepository() persistence.EndpointRepository { return p.endpointRepo }

func (p *Persistence) ReceiptRepository() persistence.ReceiptRepository { return p.receiptRepo }

func (p *Persistence) BottleneckRepository() persistence.BottleneckRepository {
	return p.bottleneckRepo
}

// Close performs any necessary cleanup. Nothing to do for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) dir(collection string) string {
	return filepath.Join(p.root, collection)
}

func (p *Persistence) write(collection, id string, record any) error {
	dir := p.dir(collection)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", collection, err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", collection, err)
	}

	err = os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write %s record: %w", collection, err)
	}

	return nil
}

func (p *Persistence) read(collection, id string, record any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(p.dir(collection), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s record: %w", collection, err)
	}

	err = json.Unmarshal(data, record)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal %s record: %w", collection, err)
	}

	return true, nil
}

func (p *Persistence) remove(collection, id string) error {
	err := os.Remove(filepath.Join(p.dir(collection), id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s record: %w", collection, err)
	}

	return nil
}

// readAll loads every record in a collection.
func readAll[T any](p *Persistence, collection string) ([]*T, error) {
	dir := p.dir(collection)

	root := os.DirFS(dir)

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list %s records: %w", collection, err)
	}

	records := make([]*T, 0, len(jsonFiles))

	for _, name := range jsonFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s record %s: %w", collection, name, err)
		}

		record := new(T)

		err = json.Unmarshal(data, record)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s record %s: %w", collection, name, err)
		}

		records = append(records, record)
	}

	return records, nil
}
