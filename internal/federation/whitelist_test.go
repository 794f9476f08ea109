package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type fakeRestarter struct {
	calls int
	label string
}

func (f *fakeRestarter) RestartByLabel(ctx context.Context, label string, timeout time.Duration) (int, error) {
	f.calls++
	f.label = label
	return 2, nil
}

func writeSynapseConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synapse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readWhitelist(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg struct {
		Whitelist []string `yaml:"federation_domain_whitelist"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	return cfg.Whitelist
}

func TestRunOnceUpdatesWhitelistAndRestarts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"all_servers": ["matrix.example.org", "matrix.example.net"]}`))
	}))
	defer server.Close()

	path := writeSynapseConfig(t, `
server_name: matrix.example.org
federation_domain_whitelist:
  - matrix.example.org
`)

	restarter := &fakeRestarter{}
	r := NewReloader(server.URL, path, time.Hour, "io.example.synapse", restarter)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, []string{"matrix.example.org", "matrix.example.net"}, readWhitelist(t, path))
	assert.Equal(t, 1, restarter.calls)
	assert.Equal(t, "io.example.synapse", restarter.label)

	// Other keys survive the rewrite.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg struct {
		ServerName string `yaml:"server_name"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "matrix.example.org", cfg.ServerName)
}

func TestRunOnceUnchangedListSkipsRestart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"all_servers": ["matrix.example.org"]}`))
	}))
	defer server.Close()

	path := writeSynapseConfig(t, `
federation_domain_whitelist:
  - matrix.example.org
`)

	restarter := &fakeRestarter{}
	r := NewReloader(server.URL, path, time.Hour, "io.example.synapse", restarter)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, 0, restarter.calls)
}

func TestRunOnceAddsMissingWhitelistKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"all_servers": ["matrix.example.org"]}`))
	}))
	defer server.Close()

	path := writeSynapseConfig(t, "server_name: matrix.example.org\n")

	r := NewReloader(server.URL, path, time.Hour, "", nil)
	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, []string{"matrix.example.org"}, readWhitelist(t, path))
}

func TestRunOnceRejectsMalformedDocument(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		wantErr string
	}{
		{"MissingKey", `{"servers": []}`, http.StatusOK, "missing the all_servers key"},
		{"NotJSON", `not json`, http.StatusOK, "decoding known servers"},
		{"ServerError", `boom`, http.StatusInternalServerError, "unexpected status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			path := writeSynapseConfig(t, `
federation_domain_whitelist:
  - matrix.example.org
`)

			restarter := &fakeRestarter{}
			r := NewReloader(server.URL, path, time.Hour, "io.example.synapse", restarter)

			err := r.RunOnce(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			// The config must be untouched.
			assert.Equal(t, []string{"matrix.example.org"}, readWhitelist(t, path))
			assert.Equal(t, 0, restarter.calls)
		})
	}
}
