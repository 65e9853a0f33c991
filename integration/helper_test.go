//go:build integration
// +build integration

package integration_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openkcm/distributor"
	"github.com/openkcm/distributor/client/amqp"
)

// startRabbitMQ starts a broker and returns its AMQP url.
// The container is terminated when the test ends.
func startRabbitMQ(t *testing.T, ctx context.Context) string {
	t.Helper()

	container, err := rabbitmq.Run(ctx, "rabbitmq:4-management",
		rabbitmq.WithAdminUsername("guest"),
		rabbitmq.WithAdminPassword("guest"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForLog("Server startup complete").WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("5672/tcp").WithStartupTimeout(60*time.Second),
			),
		),
	)
	require.NoError(t, err, "failed to start rabbitmq container")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	require.NoError(t, waitForRabbitMQReady(ctx, url))
	return url
}

func waitForRabbitMQReady(ctx context.Context, url string) error {
	timeout := 30 * time.Second
	startTime := time.Now()

	for time.Since(startTime) < timeout {
		client, err := createClient(ctx, url, jsonCodec, "ready", "ready")
		if err == nil {
			return client.Close(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	return fmt.Errorf("RabbitMQ not ready within %v", timeout)
}

func createClient(ctx context.Context, url string, codec distributor.Codec, source, target string) (*amqp.AMQP, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return amqp.NewClient(dialCtx, codec, amqp.ConnectionInfo{
		URL:    url,
		Source: source,
		Target: target,
	}, amqp.WithBasicAuth("guest", "guest"))
}

func openDistributor(t *testing.T, ctx context.Context, content string) *distributor.Distributor {
	t.Helper()
	dir := t.TempDir()
	taskFile := filepath.Join(dir, "tasks.txt")
	require.NoError(t, os.WriteFile(taskFile, []byte(content), 0o644))
	d, err := distributor.Open(ctx, distributor.Config{TaskFile: taskFile, StateDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}
