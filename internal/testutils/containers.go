// Package testutils starts real OpenSearch and MongoDB containers for the
// integration tests (go test -tags integration ./...).
package testutils

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Images used by the integration tests.
const (
	OpenSearchImage = "opensearchproject/opensearch:2.11.0"
	MongoImage      = "mongo:7"
)

// Container is a started container and the address to reach it on.
type Container struct {
	testcontainers.Container
	URL string
}

// StartOpenSearch runs a single-node cluster with the security plugin
// disabled, so the URL is plain http without credentials.
func StartOpenSearch(t *testing.T) *Container {
	t.Helper()

	return start(t, testcontainers.ContainerRequest{
		Image:        OpenSearchImage,
		ExposedPorts: []string{"9200/tcp"},
		Env: map[string]string{
			"discovery.type":              "single-node",
			"DISABLE_SECURITY_PLUGIN":     "true",
			"DISABLE_INSTALL_DEMO_CONFIG": "true",
			"OPENSEARCH_JAVA_OPTS":        "-Xms512m -Xmx512m",
		},
		WaitingFor: wait.ForHTTP("/_cluster/health").
			WithPort("9200/tcp").
			WithStatusCodeMatcher(func(status int) bool { return status == http.StatusOK }).
			WithStartupTimeout(3 * time.Minute),
	}, "9200/tcp", "http://%s:%s")
}

// StartMongo runs an unauthenticated MongoDB.
func StartMongo(t *testing.T) *Container {
	t.Helper()

	return start(t, testcontainers.ContainerRequest{
		Image:        MongoImage,
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(time.Minute),
	}, "27017/tcp", "mongodb://%s:%s/")
}

func start(t *testing.T, req testcontainers.ContainerRequest, port, urlFormat string) *Container {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("Skipping container test on non-Linux OS")
	}

	ctx := t.Context()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Setup: failed to start %s", req.Image)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			t.Logf("terminate %s: %v", req.Image, err)
		}
	})

	host, err := c.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err, "Setup: failed to get mapped port")

	return &Container{Container: c, URL: fmt.Sprintf(urlFormat, host, mapped.Port())}
}
