package fixtures

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DeafMist/plugin-smoke/internal/opensearch"
)

const (
	mappingFile  = "_mapping.json"
	settingsFile = "_settings.json"
)

// parseFixtures reads every index directory under root.
func parseFixtures(fsys fs.FS, root string) (map[string]*Fixture, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures directory %q: %w", root, err)
	}

	out := make(map[string]*Fixture)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		f, err := parseIndexDir(fsys, path.Join(root, entry.Name()), entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parsing index %q: %w", entry.Name(), err)
		}
		out[f.Name] = f
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no index directories found in %q", root)
	}
	return out, nil
}

func parseIndexDir(fsys fs.FS, dir, name string) (*Fixture, error) {
	f := &Fixture{Name: name}

	var err error
	if f.Mapping, err = readJSON(fsys, path.Join(dir, mappingFile)); err != nil {
		return nil, err
	}
	if f.Settings, err = readJSON(fsys, path.Join(dir, settingsFile)); err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, "_") {
			continue
		}
		if strings.HasSuffix(n, ".yml") || strings.HasSuffix(n, ".yaml") {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	for _, n := range names {
		docs, err := parseDocuments(fsys, path.Join(dir, n))
		if err != nil {
			return nil, fmt.Errorf("parsing document file %q: %w", n, err)
		}
		f.Documents = append(f.Documents, docs...)
	}

	return f, nil
}

// readJSON returns nil, nil when the file is absent.
func readJSON(fsys fs.FS, file string) (json.RawMessage, error) {
	data, err := fs.ReadFile(fsys, file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON in %q", file)
	}
	return json.RawMessage(data), nil
}

func parseDocuments(fsys fs.FS, file string) ([]opensearch.Document, error) {
	data, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}

	docs := make([]opensearch.Document, 0, len(raw))
	for _, body := range raw {
		doc := opensearch.Document{Source: body}
		if id, ok := body["_id"]; ok {
			doc.ID = fmt.Sprintf("%v", id)
			delete(body, "_id")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
