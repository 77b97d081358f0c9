package suites

import (
	"context"
	"fmt"

	"github.com/DeafMist/plugin-smoke/internal/fixtures"
	"github.com/DeafMist/plugin-smoke/internal/runner"
)

// Connection checks that the cluster answers, lists its plugins and can
// round-trip one document.
func Connection(env *Env) runner.Suite {
	index := fixtures.ConnectionSample

	return runner.Suite{
		Name:      "connection",
		Threshold: DefaultThreshold,
		Setup:     env.connect,
		Steps: []runner.Step{
			{Name: "cluster-info", Run: func(ctx context.Context) (string, error) {
				info, err := env.OS.Info(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s %s on cluster %s", info.Distribution, info.Version, info.ClusterName), nil
			}},
			{Name: "list-plugins", Run: func(ctx context.Context) (string, error) {
				plugins, err := env.OS.CatPlugins(ctx)
				if err != nil {
					return "", err
				}
				if len(plugins) == 0 {
					return "", runner.Failf("no plugins installed")
				}
				return fmt.Sprintf("%d plugin entries", len(plugins)), nil
			}},
			{Name: "create-index", Run: func(ctx context.Context) (string, error) {
				f, err := env.Fixtures.Fixture(index)
				if err != nil {
					return "", err
				}
				if err := env.OS.RecreateIndex(ctx, index, f.CreateBody()); err != nil {
					return "", err
				}
				return index, nil
			}},
			{Name: "index-document", Run: func(ctx context.Context) (string, error) {
				f, err := env.Fixtures.Fixture(index)
				if err != nil {
					return "", err
				}
				if len(f.Documents) == 0 {
					return "", fmt.Errorf("fixture %s has no documents", index)
				}
				doc := f.Documents[0]
				result, err := env.OS.IndexDocument(ctx, index, doc.ID, doc.Source)
				if err != nil {
					return "", err
				}
				return "document " + doc.ID + " " + result, nil
			}},
			{Name: "search", Run: func(ctx context.Context) (string, error) {
				if err := env.OS.Refresh(ctx, index); err != nil {
					return "", err
				}
				if err := requireCount(ctx, env, index, 1); err != nil {
					return "", err
				}
				res, err := env.OS.Search(ctx, index, map[string]any{
					"query": map[string]any{"match_all": map[string]any{}},
				})
				if err != nil {
					return "", err
				}
				if err := requireHits(res, "match_all"); err != nil {
					return "", err
				}
				return fmt.Sprintf("%d hit(s), message %q", res.Total, sourceField(res.Hits[0], "message")), nil
			}},
		},
		NextSteps: []string{
			"Run the security suite to inspect users and roles",
			"Run the full suite for a one-pass check of every plugin",
		},
	}
}
