package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/mxtester/internal/config"
	"github.com/bnema/mxtester/internal/docker"
	"github.com/bnema/mxtester/internal/registration"
)

// daemon returns a connected client or skips the test when no Docker
// daemon is reachable. End-to-end runs pull and build images, so the
// context is generous.
func daemon(t *testing.T) (*docker.Client, context.Context) {
	t.Helper()
	client, err := docker.New()
	if err != nil {
		t.Skipf("no Docker client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
	t.Cleanup(cancel)
	if err := client.Ping(ctx); err != nil {
		client.Close()
		t.Skipf("no Docker daemon: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, ctx
}

// freePort asks the kernel for a currently-free TCP port. The listener
// is closed again immediately, so another process may grab the port
// before the container does; good enough for a test.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func e2eConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Name = name
	cfg.Directories.Root = t.TempDir()
	cfg.Homeserver.SetHostPort(freePort(t))
	return cfg
}

// removeEverything is the belt-and-braces cleanup behind every
// end-to-end test, so an assertion failure never strands containers on
// the daemon.
func removeEverything(t *testing.T, client *docker.Client, cfg *config.Config) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for _, name := range []string{cfg.RunContainerName(), cfg.SetupContainerName()} {
		client.StopContainer(ctx, name)
		client.RemoveContainer(ctx, name)
	}
	client.RemoveNetwork(ctx, cfg.Network())
	client.RemoveImage(ctx, cfg.Tag())
}

func loginToken(t *testing.T, ctx context.Context, baseURL string, user config.User) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"type":     "m.login.password",
		"password": user.Password,
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": user.Localname,
		},
	})
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/_matrix/client/r0/login", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "login as %s", user.Localname)
	var body struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.AccessToken)
	return body.AccessToken
}

// adminAPIStatus calls an admin-only endpoint with the given access
// token and returns the status code.
func adminAPIStatus(t *testing.T, ctx context.Context, baseURL, token string) int {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/_synapse/admin/v2/users?from=0&limit=1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestEndToEndLifecycle(t *testing.T) {
	client, ctx := daemon(t)
	cfg := e2eConfig(t, "e2e")
	cfg.Users = []config.User{{Localname: "plain-user", Password: "secret"}}
	o := New(client, cfg)
	t.Cleanup(func() { removeEverything(t, client, cfg) })

	require.NoError(t, o.Build(ctx))
	require.NoError(t, o.Up(ctx))

	base := cfg.Homeserver.PublicBaseURL
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", strings.TrimSpace(string(body)))

	// Both the implicit admin and the declared user can log in, and
	// only the admin reaches the admin API.
	admin := config.User{Admin: true, Localname: registration.AdminLocalname, Password: "password"}
	adminToken := loginToken(t, ctx, base, admin)
	userToken := loginToken(t, ctx, base, cfg.Users[0])
	assert.Equal(t, http.StatusOK, adminAPIStatus(t, ctx, base, adminToken))
	assert.Equal(t, http.StatusForbidden, adminAPIStatus(t, ctx, base, userToken))

	require.NoError(t, o.Down(ctx, StatusManual))
	exists, err := client.ContainerExists(ctx, cfg.RunContainerName())
	require.NoError(t, err)
	assert.False(t, exists, "the run container must be gone after down")
	up, err := client.NetworkExists(ctx, cfg.Network())
	require.NoError(t, err)
	assert.False(t, up, "the network must be gone after down")
}

func TestGuardReleaseRemovesLeftoverContainers(t *testing.T) {
	client, ctx := daemon(t)
	cfg := e2eConfig(t, "guard")
	o := New(client, cfg)
	t.Cleanup(func() { removeEverything(t, client, cfg) })

	require.NoError(t, o.Build(ctx))
	require.NoError(t, client.EnsureNetwork(ctx, cfg.Network()))
	require.NoError(t, client.CreateSynapseContainer(ctx, cfg, cfg.RunContainerName(), o.startCommand()))

	// An armed guard that was never disarmed must leave no containers
	// behind, whether or not they were ever started.
	guard := NewGuard(client, cfg)
	guard.Release()

	for _, name := range []string{cfg.RunContainerName(), cfg.SetupContainerName()} {
		exists, err := client.ContainerExists(ctx, name)
		require.NoError(t, err)
		assert.False(t, exists, "guard release must remove %s", name)
	}
}
