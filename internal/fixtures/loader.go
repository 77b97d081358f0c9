package fixtures

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
)

// Client is the subset of the OpenSearch client the loader drives.
type Client interface {
	RecreateIndex(ctx context.Context, name string, body any) error
	DeleteIndex(ctx context.Context, name string) error
	BulkIndex(ctx context.Context, index string, docs []opensearch.Document) (opensearch.BulkResult, error)
	Refresh(ctx context.Context, names ...string) error
}

// Loader seeds indices: delete when present, create, bulk load, refresh.
type Loader struct {
	client   Client
	fsys     fs.FS
	root     string
	refresh  bool
	log      *slog.Logger
	fixtures map[string]*Fixture
}

// Option configures the Loader.
type Option func(*Loader) error

// WithFS reads fixtures from root inside fsys instead of the embedded set.
func WithFS(fsys fs.FS, root string) Option {
	return func(l *Loader) error {
		if fsys == nil {
			return errors.New("fixtures: nil filesystem")
		}
		l.fsys = fsys
		l.root = root
		return nil
	}
}

// WithRefresh toggles the refresh after each load. It is on by default.
func WithRefresh(on bool) Option {
	return func(l *Loader) error {
		l.refresh = on
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loader) error {
		l.log = log
		return nil
	}
}

// New parses the fixture set up front so format errors surface immediately.
func New(client Client, opts ...Option) (*Loader, error) {
	if client == nil {
		return nil, errors.New("fixtures: client must not be nil")
	}

	l := &Loader{
		client:  client,
		fsys:    embedded,
		root:    "data",
		refresh: true,
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("fixtures: applying option: %w", err)
		}
	}

	parsed, err := parseFixtures(l.fsys, l.root)
	if err != nil {
		return nil, fmt.Errorf("fixtures: %w", err)
	}
	l.fixtures = parsed

	return l, nil
}

// Fixture returns the parsed fixture by name.
func (l *Loader) Fixture(name string) (*Fixture, error) {
	f, ok := l.fixtures[name]
	if !ok {
		return nil, fmt.Errorf("fixtures: unknown fixture %q", name)
	}
	return f, nil
}

// Load seeds each named fixture into the index of the same name and returns
// the number of documents indexed per index.
func (l *Loader) Load(ctx context.Context, names ...string) (map[string]int, error) {
	counts := make(map[string]int, len(names))
	for _, name := range names {
		f, err := l.Fixture(name)
		if err != nil {
			return counts, err
		}

		var body any
		if cb := f.CreateBody(); cb != nil {
			body = cb
		}

		n, err := l.Seed(ctx, f.Name, body, f.Documents)
		counts[f.Name] = n
		if err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// LoadAs seeds the documents of fixture name into index using body as the
// create-index request.
func (l *Loader) LoadAs(ctx context.Context, name, index string, body any) (int, error) {
	f, err := l.Fixture(name)
	if err != nil {
		return 0, err
	}
	return l.Seed(ctx, index, body, f.Documents)
}

// Seed recreates index from body and bulk loads docs. Item failures do not
// stop the batch; they are returned joined once the batch completes.
func (l *Loader) Seed(ctx context.Context, index string, body any, docs []opensearch.Document) (int, error) {
	if err := l.client.RecreateIndex(ctx, index, body); err != nil {
		return 0, fmt.Errorf("fixtures: %w", err)
	}

	indexed := 0
	if len(docs) > 0 {
		res, err := l.client.BulkIndex(ctx, index, docs)
		if err != nil {
			return res.Indexed, fmt.Errorf("fixtures: load %s: %w", index, err)
		}
		indexed = res.Indexed
		if res.Failed > 0 {
			l.log.Warn("some fixture documents failed",
				slog.String("index", index),
				slog.Int("failed", res.Failed),
			)
			return indexed, fmt.Errorf("fixtures: load %s: %d documents failed: %w", index, res.Failed, res.Err())
		}
	}

	if l.refresh {
		if err := l.client.Refresh(ctx, index); err != nil {
			return indexed, fmt.Errorf("fixtures: %w", err)
		}
	}

	l.log.Info("seeded index", slog.String("index", index), slog.Int("documents", indexed))
	return indexed, nil
}

// Clean deletes the named indices, or every fixture index when none are named.
func (l *Loader) Clean(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		for name := range l.fixtures {
			names = append(names, name)
		}
	}

	var errs []error
	for _, name := range names {
		if err := l.client.DeleteIndex(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("fixtures: cleaning up: %w", errors.Join(errs...))
	}
	return nil
}
