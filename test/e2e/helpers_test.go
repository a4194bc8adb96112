package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/davsync/internal/auth"
	"github.com/alexjbarnes/davsync/internal/events"
	"github.com/alexjbarnes/davsync/internal/mcpserver"
	"github.com/alexjbarnes/davsync/internal/models"
	"github.com/alexjbarnes/davsync/internal/server"
	"github.com/alexjbarnes/davsync/internal/service"
	"github.com/alexjbarnes/davsync/internal/state"
	"github.com/alexjbarnes/davsync/internal/webdav"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	xwebdav "golang.org/x/net/webdav"
)

const remoteRoot = "/shared"

// device is one machine syncing a local folder against the shared
// WebDAV server, with its own state database and control server.
type device struct {
	Dir     string
	Service *service.Service
	Root    models.SyncRoot
	Hub     *events.Hub
	URL     string
	Key     string
	Client  *http.Client
}

// newDAVServer starts an in-memory WebDAV server shared by devices.
func newDAVServer(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(&xwebdav.Handler{
		FileSystem: xwebdav.NewMemFS(),
		LockSystem: xwebdav.NewMemLS(),
	})
	t.Cleanup(srv.Close)

	return srv.URL
}

// newDevice wires a full davsync stack against davURL: state, service,
// event hub and the authenticated control server.
func newDevice(t *testing.T, davURL string) *device {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	dir := t.TempDir()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	remote := webdav.New(webdav.Options{URL: davURL, SafeUpload: true}, logger)

	var svc *service.Service

	hub := events.NewHub(logger, func(ctx context.Context, rootID uint64) (models.Summary, error) {
		return svc.StartSync(ctx, rootID)
	})

	svc = service.New(st, remote, hub, logger, service.Options{})

	root, err := svc.EnsureRoot(t.Context(), remoteRoot, dir)
	require.NoError(t, err)

	key := auth.GenerateAPIKey()
	store, err := auth.NewStore([]auth.APIKey{{UserID: "e2e", Key: key}})
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "davsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, svc)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Store:         store,
		MCPHandler:    mcpHandler,
		EventsHandler: hub,
		Logger:        logger,
		Version:       "test",
	}))
	t.Cleanup(ts.Close)

	return &device{
		Dir:     dir,
		Service: svc,
		Root:    root,
		Hub:     hub,
		URL:     ts.URL,
		Key:     key,
		Client:  ts.Client(),
	}
}

// sync runs the device's root once and fails the test on error.
func (d *device) sync(t *testing.T) models.Summary {
	t.Helper()

	summary, err := d.Service.StartSync(t.Context(), d.Root.ID)
	require.NoError(t, err)

	return summary
}

func (d *device) write(t *testing.T, rel, content string) {
	t.Helper()

	p := filepath.Join(d.Dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (d *device) read(t *testing.T, rel string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(d.Dir, filepath.FromSlash(rel)))
	require.NoError(t, err)

	return string(data)
}

func (d *device) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(d.Dir, filepath.FromSlash(rel)))
	return err == nil
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (d *device) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: d.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  d.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the text of the first content item.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}
