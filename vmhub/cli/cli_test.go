package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/vmhub/vmhub/api"
	"github.com/tomyedwab/vmhub/vmhub/config"
)

// execute runs the root command with args and returns everything it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /launch-vm", func(w http.ResponseWriter, r *http.Request) {
		var req api.LaunchVMRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(api.LaunchVMResponse{
			Success:    true,
			Message:    "VM launch request received for " + req.Name + " in " + req.Region,
			InstanceID: "id-1",
			SSHPort:    50022,
			PID:        999,
		})
	})
	mux.HandleFunc("GET /list-vms", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"id-1","name":"builder","ssh_port":50022,"pid":999,"status":"running"}]`))
	})
	mux.HandleFunc("DELETE /delete-vm", func(w http.ResponseWriter, r *http.Request) {
		var req api.DeleteVMRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID != "id-1" {
			http.Error(w, api.DeleteNotFoundMessage, http.StatusNotFound)
			return
		}
		w.Write([]byte(api.DeleteSuccessMessage))
	})
	mux.HandleFunc("GET /vm-status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"id-1","name":"builder","ssh_port":50022,"pid":999,"status":"running","ssh_ready":true,"host_key_fingerprint":"SHA256:abc"}`))
	})
	mux.HandleFunc("GET /audit-events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "id-1", r.URL.Query().Get("instance_id"))
		w.Write([]byte(`[{"id":"e1","event_type":"launch","timestamp":1700000000000,"instance_id":"id-1","name":"builder","ssh_port":50022,"pid":999,"detail":""}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLaunchCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, "launch", "builder", "--region", "eu-west-1", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "VM launch request received for builder in eu-west-1")
	assert.Contains(t, out, "SSH port: 50022")
	assert.Contains(t, out, "id-1")
}

func TestLaunchCommandRequiresName(t *testing.T) {
	_, err := execute(t, "launch")
	assert.Error(t, err)
}

func TestListCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, "list", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "builder")
	assert.Contains(t, out, "running")
}

func TestDeleteCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, "delete", "id-1", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "VM successfully terminated and removed")

	out, err = execute(t, "delete", "missing", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "VM not found")
}

func TestStatusCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, "status", "id-1", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "SSH ready: true")
	assert.Contains(t, out, "SHA256:abc")
}

func TestEventsCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := execute(t, "events", "--instance", "id-1", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "launch")
	assert.Contains(t, out, "builder")
}

func TestCommandReportsUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := execute(t, "list", "--server", url)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vmhub dev")
}

func TestServeFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: 0.0.0.0:9090\ncpus: 2\n"), 0o644))

	cmd := &cobra.Command{}
	addOverrideFlags(cmd)
	require.NoError(t, cmd.Flags().Set("listen", "0.0.0.0:9000"))
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))

	cfg, err := config.Load(path, true, flagBindings(cmd))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.CPUs)
	// Unset flags keep the configured value.
	assert.Equal(t, config.DefaultConfig().MetadataDir, cfg.MetadataDir)
}

func TestServePrintConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory_mb: 2048\n"), 0o644))
	t.Cleanup(func() { servePrintConfig = false })

	out, err := execute(t, "serve", "--config", path, "--print-config", "--image-dir", "/srv/images")
	require.NoError(t, err)
	assert.Contains(t, out, "memory_mb: 2048")
	assert.Contains(t, out, "image_dir: /srv/images")
	assert.Contains(t, out, "stop_timeout: 2s")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory_mb: 0\n"), 0o644))

	_, err := execute(t, "serve", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_mb")
}

func TestServeRequiresExplicitConfigFile(t *testing.T) {
	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}
