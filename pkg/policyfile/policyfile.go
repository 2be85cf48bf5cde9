// Package policyfile loads policy manifest bundles from disk so a kernel
// boots with a baseline policy set before any management call arrives.
// A bundle file holds one manifest or a list of them; JSON and YAML are
// both accepted, and a YAML file may carry multiple documents.
package policyfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

// Loader reads manifest bundles from a directory. It holds no state of
// its own: parsed manifests go to the caller and the OnLoad hook.
type Loader struct {
	dir    string
	onLoad func(m *manifest.Manifest)
}

// NewLoader creates a loader over dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// OnLoad registers a callback invoked for every manifest as it parses, in
// file order.
func (l *Loader) OnLoad(fn func(m *manifest.Manifest)) {
	l.onLoad = fn
}

// LoadAll parses every bundle file in the directory, ordered by filename.
// Files without a .json, .yaml, or .yml extension are skipped. One bad
// bundle fails the whole load: a kernel must not boot on half a baseline.
func (l *Loader) LoadAll() ([]*manifest.Manifest, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("policyfile: read dir %s: %w", l.dir, err)
	}

	var out []*manifest.Manifest
	for _, entry := range entries {
		if entry.IsDir() || !bundleFile(entry.Name()) {
			continue
		}
		ms, err := l.LoadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("policyfile: %s: %w", entry.Name(), err)
		}
		out = append(out, ms...)
	}
	return out, nil
}

// LoadFile parses one bundle file and returns its manifests.
func (l *Loader) LoadFile(path string) ([]*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var docs [][]byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		docs, err = yamlDocuments(data)
		if err != nil {
			return nil, err
		}
	default:
		docs = [][]byte{data}
	}

	var out []*manifest.Manifest
	for _, doc := range docs {
		ms, err := parseManifests(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, ms...)
	}
	for _, m := range out {
		if l.onLoad != nil {
			l.onLoad(m)
		}
	}
	return out, nil
}

func bundleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// parseManifests accepts a single JSON manifest object or an array of
// them. Each manifest goes through the full schema and structural
// validation in manifest.Parse.
func parseManifests(raw []byte) ([]*manifest.Manifest, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("parse bundle list: %w", err)
		}
		out := make([]*manifest.Manifest, 0, len(items))
		for i, item := range items {
			m, err := manifest.Parse(item)
			if err != nil {
				return nil, fmt.Errorf("manifest %d: %w", i, err)
			}
			out = append(out, m)
		}
		return out, nil
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return nil, err
	}
	return []*manifest.Manifest{m}, nil
}

// yamlDocuments converts each YAML document in data to JSON so that the
// schema validation path is identical for both formats.
func yamlDocuments(data []byte) ([][]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var docs [][]byte
	for {
		var node interface{}
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		if node == nil {
			continue
		}
		buf, err := json.Marshal(node)
		if err != nil {
			return nil, fmt.Errorf("convert yaml document: %w", err)
		}
		docs = append(docs, buf)
	}
	return docs, nil
}
