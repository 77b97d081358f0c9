//go:build integration

package suites_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/plugin-smoke/internal/fixtures"
	"github.com/DeafMist/plugin-smoke/internal/mongodb"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/report"
	"github.com/DeafMist/plugin-smoke/internal/suites"
	"github.com/DeafMist/plugin-smoke/internal/testutils"
)

func containerEnv(t *testing.T) *suites.Env {
	t.Helper()
	cluster := testutils.StartOpenSearch(t)
	mongo := testutils.StartMongo(t)
	ctx := t.Context()

	c, err := opensearch.New(opensearch.Config{Addr: cluster.URL}, nil)
	require.NoError(t, err)
	l, err := fixtures.New(c)
	require.NoError(t, err)

	store, err := mongodb.Connect(ctx, mongo.URL, "opensearch_test", 10*time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	_, err = store.Seed(ctx, nil)
	require.NoError(t, err)

	return &suites.Env{
		OS:       c,
		Fixtures: l,
		Seed:     42,
		Mongo:    func(context.Context) (suites.MongoSource, error) { return store, nil },
	}
}

func TestSuitesAgainstContainers(t *testing.T) {
	env := containerEnv(t)

	for _, name := range []string{"connection", "transfer", "transfer"} {
		rep, err := run(t, env, name)
		require.NoError(t, err, name)
		require.True(t, rep.Passed(), "%s: %+v", name, rep.Outcomes)
	}

	n, err := env.OS.Count(t.Context(), suites.CustomersTransferIndex, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	rep, err := run(t, env, "connection")
	require.NoError(t, err)
	require.Zero(t, rep.Count(report.Failed))
}

func TestSeedAndVectorStepsAgainstContainer(t *testing.T) {
	env := containerEnv(t)

	for range 2 {
		rep, err := run(t, env, "sql")
		require.NoError(t, err)
		require.Equal(t, report.Passed, statuses(rep)["seed-employees"], detail(rep, "seed-employees"))

		n, err := env.OS.Count(t.Context(), fixtures.SQLEmployees, nil)
		require.NoError(t, err)
		require.EqualValues(t, 10, n)
	}

	rep, err := run(t, env, "knn")
	require.NoError(t, err)
	got := statuses(rep)
	for _, step := range []string{"seed-documents", "basic-search", "category-search", "distance-l2", "distance-cosinesimil", "distance-l1"} {
		require.Equal(t, report.Passed, got[step], "%s: %s", step, detail(rep, step))
	}
}
