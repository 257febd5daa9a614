// Package store persists the per-domain pool documents. Both pools of a
// domain live in one YAML document so a commit is a single atomic rename;
// the two-file split of earlier annotation servers is gone.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/annolab/annobroker/internal/fileio"
	"github.com/annolab/annobroker/internal/model"
)

// ErrCorruptState marks a pool document that is absent, unparseable, or
// violates the partition invariant. Callers must not paper over it by
// initializing an empty pool: that would discard other users' in-flight
// work. Operator intervention is required.
var ErrCorruptState = errors.New("corrupt pool state")

const poolsDir = "pools"

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Path returns the pool document path for a domain.
func (s *Store) Path(domain model.Domain) string {
	return filepath.Join(s.root, poolsDir, fmt.Sprintf("pools_%s.yaml", domain))
}

// Dir returns the directory holding all pool documents.
func (s *Store) Dir() string {
	return filepath.Join(s.root, poolsDir)
}

// Exists reports whether a domain has been seeded.
func (s *Store) Exists(domain model.Domain) bool {
	_, err := os.Stat(s.Path(domain))
	return err == nil
}

// Load reads and validates a domain's pool document.
func (s *Store) Load(domain model.Domain) (*model.PoolDocument, error) {
	path := s.Path(domain)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptState, path, err)
	}

	var doc model.PoolDocument
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCorruptState, path, err)
	}
	if doc.SchemaVersion != model.PoolSchemaVersion {
		return nil, fmt.Errorf("%w: %s has schema_version %d, want %d",
			ErrCorruptState, path, doc.SchemaVersion, model.PoolSchemaVersion)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	return &doc, nil
}

// Commit validates and atomically replaces a domain's pool document. The
// caller must hold the domain mutex for the whole load-decide-commit cycle.
func (s *Store) Commit(domain model.Domain, doc *model.PoolDocument) error {
	if doc.Domain != domain {
		return fmt.Errorf("commit domain mismatch: document says %q, committing %q", doc.Domain, domain)
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("refusing to commit invalid pool document: %w", err)
	}
	if err := os.MkdirAll(s.Dir(), 0755); err != nil {
		return fmt.Errorf("create pools dir: %w", err)
	}
	return fileio.AtomicWriteYAML(s.Path(domain), doc)
}

// Init writes the initial pool document for a freshly seeded domain. It
// refuses to overwrite an existing document.
func (s *Store) Init(domain model.Domain, doc *model.PoolDocument) error {
	if s.Exists(domain) {
		return fmt.Errorf("domain %s already seeded at %s", domain, s.Path(domain))
	}
	return s.Commit(domain, doc)
}
