package suites

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/DeafMist/plugin-smoke/internal/fixtures"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/runner"
	"github.com/DeafMist/plugin-smoke/internal/synth"
)

const (
	contentVector = "content_vector"
	highDimVector = "high_dim_vector"
	highDimDocs   = 20
)

type vectorIndex struct {
	name  string
	dim   int
	space string
}

var vectorIndices = []vectorIndex{
	{"knn-test-small", 5, "l2"},
	{"knn-test-medium", 50, "cosinesimil"},
	{"knn-test-large", 128, "l1"},
}

var distanceSpaces = []string{"l2", "cosinesimil", "l1"}

var highDims = []int{50, 128, 256}

// knnIndex renders a knn-enabled index with one vector field.
func knnIndex(field string, dim int, space string, efConstruction, m int) map[string]any {
	body := indexBody(false, map[string]any{
		field: knnVectorField(dim, space, map[string]any{
			"ef_construction": efConstruction,
			"m":               m,
		}),
	})
	body["settings"] = map[string]any{
		"index": map[string]any{
			"knn":                      true,
			"knn.algo_param.ef_search": 100,
		},
	}
	return body
}

// timedKNN runs q and fails on an empty answer or one that is not a
// score-ordered top k.
func timedKNN(ctx context.Context, env *Env, index string, q opensearch.KNNQuery) (*opensearch.SearchResult, time.Duration, error) {
	start := time.Now()
	res, err := env.OS.KNN(ctx, index, q)
	took := time.Since(start)
	if err != nil {
		return nil, took, err
	}
	what := "knn search on " + index
	if err := requireHits(res, what); err != nil {
		return nil, took, err
	}
	if err := requireTopK(res, q.K, what); err != nil {
		return nil, took, err
	}
	return res, took, nil
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// KNN exercises vector index creation, plain and filtered similarity search,
// the three distance spaces and high-dimensional vectors.
func KNN(env *Env) runner.Suite {
	steps := []runner.Step{
		pluginStep(env, "knn"),
		{Name: "create-vector-indices", Run: func(ctx context.Context) (string, error) {
			names := make([]string, 0, len(vectorIndices))
			for _, vi := range vectorIndices {
				if err := env.OS.RecreateIndex(ctx, vi.name, knnIndex("vector", vi.dim, vi.space, 128, 24)); err != nil {
					return "", err
				}
				names = append(names, fmt.Sprintf("%s(%dd %s)", vi.name, vi.dim, vi.space))
			}
			return strings.Join(names, ", "), nil
		}},
		{Name: "seed-documents", Run: func(ctx context.Context) (string, error) {
			n, err := loadFixture(ctx, env, fixtures.KNNDocuments)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d documents in %s", n, fixtures.KNNDocuments), nil
		}},
		{Name: "basic-search", Run: func(ctx context.Context) (string, error) {
			res, took, err := timedKNN(ctx, env, fixtures.KNNDocuments, opensearch.KNNQuery{
				Field:  contentVector,
				Vector: []float64{0.8, 0.9, 0.1, 0.1, 0.1, 0, 0, 0, 0.2, 0.1},
				K:      5,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d hit(s) in %s: %s", len(res.Hits), took.Round(time.Millisecond), hitSummary(res.Hits, "title", 3)), nil
		}},
		{Name: "category-search", Run: func(ctx context.Context) (string, error) {
			res, _, err := timedKNN(ctx, env, fixtures.KNNDocuments, opensearch.KNNQuery{
				Field:  contentVector,
				Vector: []float64{0.1, 0.1, 0.9, 0.8, 0, 0, 0.1, 0, 0, 0.1},
				K:      3,
			})
			if err != nil {
				return "", err
			}
			return "top category " + sourceField(res.Hits[0], "category") + ": " + hitSummary(res.Hits, "title", 3), nil
		}},
		filteredStep(env, "filter-by-category", 5, map[string]any{
			"term": map[string]any{"category": "기술"},
		}),
		filteredStep(env, "filter-by-date-range", 5, map[string]any{
			"range": map[string]any{"publish_date": map[string]any{"gte": "2024-02-01", "lte": "2024-02-28"}},
		}),
		filteredStep(env, "filter-combined", 3,
			map[string]any{"terms": map[string]any{"category": []string{"기술", "연구"}}},
			map[string]any{"range": map[string]any{"publish_date": map[string]any{"gte": "2024-01-15"}}},
		),
	}

	for _, space := range distanceSpaces {
		steps = append(steps, distanceStep(env, space))
	}
	for _, dim := range highDims {
		steps = append(steps, highDimStep(env, dim))
	}

	return runner.Suite{
		Name:      "knn",
		Threshold: DefaultThreshold,
		Setup:     env.connect,
		Steps:     steps,
		NextSteps: []string{
			"Generate real embeddings with a sentence-transformer model",
			"Combine vector and keyword scoring with hybrid search",
			"Benchmark recall against ef_search and m on production-sized data",
		},
	}
}

func filteredStep(env *Env, name string, size int, filters ...map[string]any) runner.Step {
	return runner.Step{Name: name, Run: func(ctx context.Context) (string, error) {
		res, err := env.OS.KNN(ctx, fixtures.KNNDocuments, opensearch.KNNQuery{
			Field:   contentVector,
			Vector:  filled(10, 0.5),
			K:       10,
			Size:    size,
			Filters: filters,
		})
		if err != nil {
			return "", err
		}
		if err := requireHits(res, name); err != nil {
			return "", err
		}
		if err := requireTopK(res, size, name); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d hit(s): %s", len(res.Hits), hitSummary(res.Hits, "title", size)), nil
	}}
}

// distanceStep loads the distance fixture into an index using space and
// searches it for the first basis vector.
func distanceStep(env *Env, space string) runner.Step {
	index := "knn-test-" + space
	return runner.Step{Name: "distance-" + space, Run: func(ctx context.Context) (string, error) {
		n, err := env.Fixtures.LoadAs(ctx, fixtures.KNNDistance, index, knnIndex("vector", 5, space, 128, 24))
		if err != nil {
			return "", err
		}
		if err := requireCount(ctx, env, index, n); err != nil {
			return "", err
		}
		res, took, err := timedKNN(ctx, env, index, opensearch.KNNQuery{
			Field:  "vector",
			Vector: []float64{1, 0, 0, 0, 0},
			K:      3,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s in %s", hitSummary(res.Hits, "name", 3), took.Round(time.Millisecond)), nil
	}}
}

// highDimStep indexes random unit vectors of dim components and queries
// with another one.
func highDimStep(env *Env, dim int) runner.Step {
	index := fmt.Sprintf("knn-high-dim-%d", dim)
	return runner.Step{Name: fmt.Sprintf("high-dim-%d", dim), Run: func(ctx context.Context) (string, error) {
		r := synth.NewRand(env.Seed + uint64(dim))
		vectors := synth.UnitVectors(highDimDocs+1, dim, r)

		docs := make([]opensearch.Document, highDimDocs)
		for i := range docs {
			id := fmt.Sprintf("doc_%03d", i)
			docs[i] = opensearch.Document{ID: id, Source: map[string]any{
				"id":          id,
				highDimVector: vectors[i],
			}}
		}

		body := knnIndex(highDimVector, dim, "cosinesimil", 256, 48)
		start := time.Now()
		if _, err := env.Fixtures.Seed(ctx, index, body, docs); err != nil {
			return "", err
		}
		indexing := time.Since(start)

		res, took, err := timedKNN(ctx, env, index, opensearch.KNNQuery{
			Field:  highDimVector,
			Vector: vectors[highDimDocs],
			K:      5,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d docs indexed in %s, %d hit(s) in %s",
			len(docs), indexing.Round(time.Millisecond), len(res.Hits), took.Round(time.Millisecond)), nil
	}}
}
