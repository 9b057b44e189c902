package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	"settlebot/internal/reminder"
	logx "settlebot/pkg/logx"
)

// fileStore keeps specs in a YAML document:
//
//	reminders:
//	  - id: 6f1c...
//	    kind: weekly
//	    label: BBG NON FARM FORCAST
//	    day: Monday
//	    time: "09:00:00"
//
// and appends delivery outcomes to <prefix>.deliveries.jsonl.
type fileStore struct {
	log logx.Logger

	mu          sync.Mutex
	specPath    string
	deliverFile *os.File
}

type specDocument struct {
	Reminders []reminder.Record `yaml:"reminders"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	df, err := os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", path))
	return &fileStore{log: log, specPath: path, deliverFile: df}, nil
}

func (s *fileStore) SpecPath() string { return s.specPath }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliverFile == nil {
		return nil
	}
	err := s.deliverFile.Close()
	s.deliverFile = nil
	return err
}

// LoadSpecs reads the spec file. A missing file is an empty list.
func (s *fileStore) LoadSpecs(ctx context.Context) ([]reminder.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.specPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc specDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.specPath, err)
	}
	return doc.Reminders, nil
}

// SaveSpecs rewrites the spec file atomically.
func (s *fileStore) SaveSpecs(ctx context.Context, recs []reminder.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := yaml.Marshal(specDocument{Reminders: recs})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.specPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.specPath)
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliverFile == nil {
		return errors.New("delivery log closed")
	}
	return json.NewEncoder(s.deliverFile).Encode(r)
}
