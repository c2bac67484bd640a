package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/malbeclabs/mongoagent/pkg/semantic"
	"gopkg.in/yaml.v3"
)

const (
	DefaultModelDir = "./semantic_models"
	modelDirName    = "semantic_models"
	modelExt        = ".yaml"
)

type FilesConfig struct {
	Logger *slog.Logger

	// Dir is the configured semantic model directory.
	Dir string

	// AllowAbsolute permits ids that are absolute paths. Ids containing ".."
	// are always rejected.
	AllowAbsolute bool
}

func (c *FilesConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Dir == "" {
		c.Dir = DefaultModelDir
	}
	return nil
}

// Files reads semantic models from local YAML files. Candidates are tried in
// order: ./semantic_models/<id>, ./<id>, <dir>/<id>, each also with a .yaml
// suffix.
type Files struct {
	log *slog.Logger
	cfg FilesConfig
}

func NewFiles(cfg FilesConfig) (*Files, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Dir); err != nil {
		cfg.Logger.Warn("lookup: semantic model directory is not readable", "dir", cfg.Dir, "error", err)
	}
	return &Files{log: cfg.Logger, cfg: cfg}, nil
}

func (f *Files) Search(_ context.Context, id string) (*Document, error) {
	candidates, err := f.candidates(id)
	if err != nil {
		return nil, err
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read semantic model %s: %w", path, err)
		}
		f.log.Debug("lookup: loaded semantic model file", "path", path)
		return documentFromYAML(path, data), nil
	}
	return nil, nil
}

func (f *Files) candidates(id string) ([]string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("semantic model id is required")
	}
	if slices.Contains(strings.Split(filepath.ToSlash(id), "/"), "..") {
		return nil, fmt.Errorf("invalid semantic model id %q", id)
	}

	names := []string{id}
	if !strings.HasSuffix(id, modelExt) && !strings.HasSuffix(id, ".yml") {
		names = append(names, id+modelExt)
	}

	if filepath.IsAbs(id) {
		if !f.cfg.AllowAbsolute {
			return nil, fmt.Errorf("invalid semantic model id %q", id)
		}
		return names, nil
	}

	var paths []string
	for _, dir := range []string{modelDirName, ".", f.cfg.Dir} {
		for _, name := range names {
			p := filepath.Join(dir, name)
			if !slices.Contains(paths, p) {
				paths = append(paths, p)
			}
		}
	}
	return paths, nil
}

// documentFromYAML keeps the file text as-is and lifts the collection_info
// target hints when present.
func documentFromYAML(path string, data []byte) *Document {
	doc := &Document{
		Text:        string(data),
		Application: semantic.DefaultApplicationName,
		Kind:        defaultKind,
		Origin:      path,
	}
	var head struct {
		CollectionInfo struct {
			Database   string `yaml:"database"`
			SchemaName string `yaml:"schema_name"`
		} `yaml:"collection_info"`
	}
	if err := yaml.Unmarshal(data, &head); err == nil {
		doc.Database = head.CollectionInfo.Database
		doc.Schema = head.CollectionInfo.SchemaName
	}
	return doc
}
