package rooter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "rooter.sock")
	srv := NewServer(sock, Binaries{Iptables: "true", IP: "true", OpenVPN: "true"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = srv.Serve(ctx)
	}()

	// Give the listener a moment to bind before dialing.
	deadline := time.Now().Add(2 * time.Second)
	client := NewClient(sock)
	for {
		if err := client.Ping(context.Background()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rooter server never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, client
}

func TestPing(t *testing.T) {
	_, client := startTestServer(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestListRoutes(t *testing.T) {
	_, client := startTestServer(t)
	routes, err := client.ListRoutes(context.Background())
	require.NoError(t, err)
	assert.Contains(t, routes.RouteTypes, "none")
	assert.Contains(t, routes.RouteTypes, "vpn")
}

func TestApplyNoneThenRemoveIsIdempotent(t *testing.T) {
	_, client := startTestServer(t)
	ctx := context.Background()

	handle, err := client.Apply(ctx, ApplyArgs{TaskID: "t1", RouteType: "none", SourceIP: "10.0.0.5"})
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	require.NoError(t, client.Remove(ctx, handle))
	// Removing the same handle again must still succeed.
	require.NoError(t, client.Remove(ctx, handle))
}

func TestRemoveUnknownHandleIsIdempotent(t *testing.T) {
	_, client := startTestServer(t)
	assert.NoError(t, client.Remove(context.Background(), "never-existed"))
}

func TestApplyUnsupportedRouteTypeFails(t *testing.T) {
	_, client := startTestServer(t)
	_, err := client.Apply(context.Background(), ApplyArgs{TaskID: "t1", RouteType: "bogus", SourceIP: "10.0.0.5"})
	assert.Error(t, err)
}
