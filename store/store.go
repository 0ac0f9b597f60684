// Package store keeps named prompts on disk with their full version history.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

const (
	DefaultAuthor = "user"
	DefaultReason = "update"

	fileExt = ".json"
)

var (
	ErrPromptNotFound  = errors.New("prompt not found")
	ErrVersionNotFound = errors.New("prompt version not found")
	ErrInvalidName     = errors.New("invalid prompt name")
)

var validate = validator.New()

// Store persists one JSON document per prompt, `<dir>/<name>.json`.
// Writes from one process are serialized; concurrent processes writing the
// same name can still lose an update.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger utils.Logger
	now    func() time.Time
}

type Option func(*Store)

func WithLogger(logger utils.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New opens the store, creating dir if needed.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:    dir,
		logger: utils.NopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create prompt directory: %w", err)
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// ValidateName rejects names that cannot be used as a plain file name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" ||
		strings.ContainsAny(name, `/\`) ||
		strings.HasPrefix(name, ".") ||
		strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

// List returns the names of every stored prompt in sorted order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

// Get loads a prompt. It returns ErrPromptNotFound when the name is unknown.
func (s *Store) Get(name string) (*types.PromptRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return s.read(name)
}

func (s *Store) read(name string) (*types.PromptRecord, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
		}
		return nil, fmt.Errorf("failed to read prompt %s: %w", name, err)
	}

	var record types.PromptRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode prompt %s: %w", name, err)
	}
	if err := validate.Struct(&record); err != nil {
		return nil, fmt.Errorf("invalid prompt record %s: %w", name, err)
	}
	if latest := record.Latest(); latest.Version != record.CurrentVersion {
		s.logger.Warn("Prompt record version mismatch", "name", name,
			"current_version", record.CurrentVersion, "latest", latest.Version)
	}
	return &record, nil
}

// Update appends a new version with text and makes it current. The first
// update of a name creates version 1.
func (s *Store) Update(name, text, author, reason string) (*types.PromptRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if author == "" {
		author = DefaultAuthor
	}
	if reason == "" {
		reason = DefaultReason
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.read(name)
	switch {
	case errors.Is(err, ErrPromptNotFound):
		record = &types.PromptRecord{Name: name}
	case err != nil:
		return nil, err
	}

	now := s.now().UTC()
	version := record.CurrentVersion + 1
	record.History = append(record.History, types.PromptVersion{
		Version:   version,
		Text:      text,
		Author:    author,
		Timestamp: now,
		Reason:    reason,
	})
	record.CurrentVersion = version
	record.Text = text
	record.Meta = types.PromptMeta{LastUpdated: now, Author: author}

	if err := s.write(name, record); err != nil {
		return nil, err
	}
	s.logger.Info("Prompt updated", "name", name, "version", version, "author", author, "reason", reason)
	return record, nil
}

func encodeIndented(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Store) write(name string, record *types.PromptRecord) error {
	data, err := encodeIndented(record)
	if err != nil {
		return fmt.Errorf("failed to encode prompt %s: %w", name, err)
	}
	if err := writeFileAtomic(s.path(name), data); err != nil {
		return fmt.Errorf("failed to write prompt %s: %w", name, err)
	}
	return nil
}

// Export writes every prompt record into one JSON document keyed by name.
func (s *Store) Export(path string) error {
	names, err := s.List()
	if err != nil {
		return err
	}
	all := make(map[string]*types.PromptRecord, len(names))
	for _, name := range names {
		record, err := s.Get(name)
		if err != nil {
			return err
		}
		all[name] = record
	}

	data, err := encodeIndented(all)
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	s.logger.Info("Prompts exported", "path", path, "count", len(all))
	return nil
}

// History returns the version lineage of a prompt, oldest first.
func (s *Store) History(name string) ([]types.PromptVersion, error) {
	record, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return record.History, nil
}

// Version returns one entry of a prompt's history.
func (s *Store) Version(name string, version int) (*types.PromptVersion, error) {
	record, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return findVersion(record, version)
}

func findVersion(record *types.PromptRecord, version int) (*types.PromptVersion, error) {
	for i := range record.History {
		if record.History[i].Version == version {
			return &record.History[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, record.Name, version)
}

// Rollback restores the text of an earlier version by appending it as a new
// version. History is never rewritten.
func (s *Store) Rollback(name string, version int, author string) (*types.PromptRecord, error) {
	target, err := s.Version(name, version)
	if err != nil {
		return nil, err
	}
	return s.Update(name, target.Text, author, fmt.Sprintf("rollback to v%d", version))
}
