package suites

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/runner"
)

// pluginStep fails unless _cat/plugins lists a component containing substr.
func pluginStep(env *Env, substr string) runner.Step {
	return runner.Step{
		Name: "plugin-installed",
		Run: func(ctx context.Context) (string, error) {
			plugins, err := env.OS.CatPlugins(ctx)
			if err != nil {
				return "", err
			}
			found := opensearch.PluginComponents(plugins, substr)
			if len(found) == 0 {
				return "", runner.Failf("no plugin component matching %q among %d installed", substr, len(plugins))
			}
			return strings.Join(found, ", "), nil
		},
	}
}

// objectSize counts the top-level keys of a JSON object answer.
func objectSize(ctx context.Context, env *Env, path string) (int, error) {
	var obj map[string]json.RawMessage
	if err := env.OS.Get(ctx, path, &obj); err != nil {
		return 0, err
	}
	return len(obj), nil
}

// asDocuments wraps generated records for bulk loading with cluster-assigned IDs.
func asDocuments[T any](items []T) []opensearch.Document {
	out := make([]opensearch.Document, len(items))
	for i := range items {
		out[i] = opensearch.Document{Source: items[i]}
	}
	return out
}

// requireHits fails when a search returned nothing.
func requireHits(res *opensearch.SearchResult, what string) error {
	if len(res.Hits) == 0 {
		return runner.Failf("%s returned no hits", what)
	}
	return nil
}

// requireTopK fails when a similarity search returned more than k hits or
// hits that are not ordered by descending score.
func requireTopK(res *opensearch.SearchResult, k int, what string) error {
	if len(res.Hits) > k {
		return runner.Failf("%s returned %d hits, asked for at most %d", what, len(res.Hits), k)
	}
	for i := 1; i < len(res.Hits); i++ {
		if res.Hits[i].Score > res.Hits[i-1].Score {
			return runner.Failf("%s hit %d scores %.4f above hit %d (%.4f)",
				what, i+1, res.Hits[i].Score, i, res.Hits[i-1].Score)
		}
	}
	return nil
}

// requireCount fails unless index holds exactly want documents.
func requireCount(ctx context.Context, env *Env, index string, want int) error {
	n, err := env.OS.Count(ctx, index, nil)
	if err != nil {
		return err
	}
	if n != int64(want) {
		return runner.Failf("%s holds %d documents, fixture has %d", index, n, want)
	}
	return nil
}

// loadFixture seeds fixture name and checks the cluster counts every document.
func loadFixture(ctx context.Context, env *Env, name string) (int, error) {
	counts, err := env.Fixtures.Load(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := requireCount(ctx, env, name, counts[name]); err != nil {
		return counts[name], err
	}
	return counts[name], nil
}

func sourceField(h opensearch.Hit, field string) string {
	var src map[string]any
	if err := json.Unmarshal(h.Source, &src); err != nil {
		return ""
	}
	v, ok := src[field]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// hitSummary renders "name(score), ..." for the first hits.
func hitSummary(hits []opensearch.Hit, field string, limit int) string {
	parts := make([]string, 0, limit)
	for i, h := range hits {
		if i == limit {
			break
		}
		parts = append(parts, fmt.Sprintf("%s(%.3f)", sourceField(h, field), h.Score))
	}
	return strings.Join(parts, ", ")
}

// indexBody renders a create-index request with optional knn settings.
func indexBody(knn bool, properties map[string]any) map[string]any {
	body := map[string]any{
		"mappings": map[string]any{"properties": properties},
	}
	if knn {
		body["settings"] = map[string]any{"index": map[string]any{"knn": true}}
	}
	return body
}

func knnVectorField(dim int, space string, params map[string]any) map[string]any {
	method := map[string]any{
		"name":       "hnsw",
		"space_type": space,
		"engine":     "lucene",
	}
	if params != nil {
		method["parameters"] = params
	}
	return map[string]any{
		"type":      "knn_vector",
		"dimension": dim,
		"method":    method,
	}
}
