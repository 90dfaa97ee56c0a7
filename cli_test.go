package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"gpulimit/app"
	"gpulimit/internal/wire"
	"gpulimit/version"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func hasName(f cli.Flag, name string) bool {
	for _, n := range f.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func TestCLIApp_VersionFlag(t *testing.T) {
	assert.Equal(t, version.Version, newApp().Version)
}

func TestCLIApp_HasVersionCommand(t *testing.T) {
	var found bool
	for _, cmd := range newApp().Commands {
		if cmd.Name == "version" {
			found = true
			assert.NotNil(t, cmd.Action)
		}
	}
	assert.True(t, found, "expected 'version' subcommand to exist")
}

func TestCLIApp_ServerFlags(t *testing.T) {
	a := newApp()
	require.NotNil(t, a.Action)

	for _, name := range []string{"config", "listen", "log-dir", "http-addr", "log-level"} {
		var found bool
		for _, f := range a.Flags {
			if hasName(f, name) {
				found = true
				break
			}
		}
		assert.True(t, found, "expected --%s flag", name)
	}
}

func TestHTTPServer_Routes(t *testing.T) {
	dir := t.TempDir()
	container, err := app.NewContainer(app.Options{
		Listen: wire.Address{Network: "unix", Addr: filepath.Join(dir, "g.sock")},
		LogDir: dir,
	})
	require.NoError(t, err)
	defer container.Shutdown()

	e := newHTTPServer(container)

	for _, path := range []string{"/health", "/api/v1/tasks", "/api/v1/status"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
