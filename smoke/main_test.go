package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/plugin-smoke/internal/config"
	"github.com/DeafMist/plugin-smoke/internal/fixtures"
	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/opensearch/opensearchtest"
)

func execute(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OPENSEARCH_ADDR", addr)
	t.Setenv("KAFKA_BROKERS", "")

	var out bytes.Buffer
	a := &app{log: logger.Discard(), out: &out, loadConfig: config.LoadRunner}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConnectionCommandPasses(t *testing.T) {
	srv := opensearchtest.New(t)

	out, err := execute(t, srv.URL, "connection")
	require.NoError(t, err)
	require.Contains(t, out, "connection summary")
	require.Contains(t, out, "Result: PASS")
	require.True(t, srv.HasIndex(fixtures.ConnectionSample))
}

func TestUnreachableClusterFails(t *testing.T) {
	srv := opensearchtest.New(t)
	srv.Close()

	out, err := execute(t, srv.URL, "connection")
	require.ErrorIs(t, err, errNotPassed)
	require.Contains(t, out, "NOT_RUN")
	require.Contains(t, out, "Result: FAIL")
}

func TestSuiteBelowThresholdFails(t *testing.T) {
	srv := opensearchtest.New(t)

	// None of the security endpoints are registered, so every step fails.
	_, err := execute(t, srv.URL, "security")
	require.ErrorIs(t, err, errNotPassed)
	require.ErrorContains(t, err, "1 of 1 suite(s) failed")
}

func TestThresholdFlagValidated(t *testing.T) {
	srv := opensearchtest.New(t)

	_, err := execute(t, srv.URL, "connection", "--threshold", "1.5")
	require.ErrorContains(t, err, "--threshold must be in (0,1]")
	require.NotErrorIs(t, err, errNotPassed)
}

func TestThresholdFlagOverridesSuiteDefault(t *testing.T) {
	srv := opensearchtest.New(t)

	out, err := execute(t, srv.URL, "connection", "--threshold", "0.5")
	require.NoError(t, err)
	require.Contains(t, out, "(threshold 50%)")
}

func TestUnknownCommand(t *testing.T) {
	_, err := execute(t, "http://localhost:9200", "nope")
	require.Error(t, err)
}

func TestMongoDialerCloseWithoutDial(t *testing.T) {
	d := &mongoDialer{}
	require.NoError(t, d.close(context.Background()))
}
