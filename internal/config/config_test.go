package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
)

// minimalRoute is appended to configs that only exercise other sections.
const minimalRoute = `
[[routes]]
method = "GET"
path = "/users/:id"
`

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a temp config.toml and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
base_url = "https://api.example.com/v1"
timeout_ms = 1500
max_body_bytes = 1048576
idle_connections = 50
forward_headers = ["Authorization", "Accept-Language"]
expose_headers = ["X-RateLimit-Remaining"]

[upstream.headers]
X-Client = "restproxy"
X-Api-Version = 2

[errors]
request_id = true

[errors.codes]
404 = "NOT_FOUND"

[log]
level = "debug"
format = "text"

[[routes]]
method = "get"
path = "/users/:id"
upstream_path = "/people/:id"

[[routes]]
method = "POST"
path = "/upload"
mode = "RAW"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if got := cfg.Upstream.Timeout(); got != 1500*time.Millisecond {
		t.Errorf("Upstream.Timeout() = %v, want %v", got, 1500*time.Millisecond)
	}
	if cfg.Upstream.MaxBodyBytes != 1048576 {
		t.Errorf("Upstream.MaxBodyBytes = %d, want %d", cfg.Upstream.MaxBodyBytes, 1048576)
	}
	if len(cfg.Upstream.ForwardHeaders) != 2 {
		t.Errorf("Upstream.ForwardHeaders = %v, want 2 entries", cfg.Upstream.ForwardHeaders)
	}
	if cfg.Upstream.Headers["X-Client"] != "restproxy" {
		t.Errorf("Upstream.Headers[X-Client] = %v, want %q", cfg.Upstream.Headers["X-Client"], "restproxy")
	}
	if cfg.Errors.Codes["404"] != "NOT_FOUND" {
		t.Errorf("Errors.Codes[404] = %q, want %q", cfg.Errors.Codes["404"], "NOT_FOUND")
	}
	if !cfg.Errors.RequestID {
		t.Error("Errors.RequestID = false, want true")
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("len(Routes) = %d, want 2", len(cfg.Routes))
	}
	if cfg.Routes[0].Method != "GET" {
		t.Errorf("Routes[0].Method = %q, want %q (normalized)", cfg.Routes[0].Method, "GET")
	}
	if cfg.Routes[0].Mode != "default" {
		t.Errorf("Routes[0].Mode = %q, want %q", cfg.Routes[0].Mode, "default")
	}
	if cfg.Routes[1].Mode != "raw" {
		t.Errorf("Routes[1].Mode = %q, want %q", cfg.Routes[1].Mode, "raw")
	}
	if cfg.Routes[0].UpstreamPath != "/people/:id" {
		t.Errorf("Routes[0].UpstreamPath = %q, want %q", cfg.Routes[0].UpstreamPath, "/people/:id")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://api.example.com"
`+minimalRoute)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Server.BodyMaxBytes != 100*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 100*1024*1024)
	}
	if cfg.Upstream.TimeoutMS != 30000 {
		t.Errorf("default Upstream.TimeoutMS = %d, want %d", cfg.Upstream.TimeoutMS, 30000)
	}
	if cfg.Upstream.MaxBodyBytes != 100*1024*1024 {
		t.Errorf("default Upstream.MaxBodyBytes = %d, want %d", cfg.Upstream.MaxBodyBytes, 100*1024*1024)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, "[upstream\nbase_url = ")
	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for malformed TOML, got nil")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("error = %q, want mention of parse", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
base_url = "https://api.example.com"

[log]
level = "info"
`+minimalRoute)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     3000,
		BaseURL:  "http://localhost:9999",
		LogLevel: "debug",
		Debug:    true,
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Upstream.BaseURL != "http://localhost:9999" {
		t.Errorf("Upstream.BaseURL = %q, want %q (CLI override)", cfg.Upstream.BaseURL, "http://localhost:9999")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
	if !cfg.Log.Debug {
		t.Error("Log.Debug = false, want true (CLI override)")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "missing base url",
			data:    minimalRoute,
			wantErr: "base_url is required",
		},
		{
			name:    "unsupported scheme",
			data:    "[upstream]\nbase_url = \"ftp://files.example.com\"\n" + minimalRoute,
			wantErr: "http or https",
		},
		{
			name:    "no host",
			data:    "[upstream]\nbase_url = \"https://\"\n" + minimalRoute,
			wantErr: "no host",
		},
		{
			name:    "negative port",
			data:    "[server]\nport = -1\n[upstream]\nbase_url = \"https://api.example.com\"\n" + minimalRoute,
			wantErr: "server.port",
		},
		{
			name:    "negative body max",
			data:    "[server]\nbody_max_bytes = -1\n[upstream]\nbase_url = \"https://api.example.com\"\n" + minimalRoute,
			wantErr: "body_max_bytes",
		},
		{
			name:    "negative timeout",
			data:    "[upstream]\nbase_url = \"https://api.example.com\"\ntimeout_ms = -5\n" + minimalRoute,
			wantErr: "timeout_ms",
		},
		{
			name:    "negative upstream max body",
			data:    "[upstream]\nbase_url = \"https://api.example.com\"\nmax_body_bytes = -5\n" + minimalRoute,
			wantErr: "max_body_bytes",
		},
		{
			name:    "invalid log level",
			data:    "[upstream]\nbase_url = \"https://api.example.com\"\n[log]\nlevel = \"verbose\"\n" + minimalRoute,
			wantErr: "log.level",
		},
		{
			name:    "invalid log format",
			data:    "[upstream]\nbase_url = \"https://api.example.com\"\n[log]\nformat = \"xml\"\n" + minimalRoute,
			wantErr: "log.format",
		},
		{
			name:    "non error status code mapping",
			data:    "[upstream]\nbase_url = \"https://api.example.com\"\n[errors.codes]\n200 = \"OK\"\n" + minimalRoute,
			wantErr: "errors.codes",
		},
		{
			name:    "no routes",
			data:    "[upstream]\nbase_url = \"https://api.example.com\"\n",
			wantErr: "routes",
		},
		{
			name:    "rate limit without rps",
			data:    "[upstream]\nbase_url = \"https://api.example.com\"\n[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n" + minimalRoute,
			wantErr: "requests_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RouteErrorsReportedTogether(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://api.example.com"

[[routes]]
method = "FETCH"
path = "users"

[[routes]]
method = "GET"
path = "/healthz"

[[routes]]
method = "GET"
path = "/orders"
mode = "stream"

[[routes]]
method = "GET"
path = "/orders"
`)

	cfg, err := Parse(mustRead(t, path))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	err = cfg.validate()
	if err == nil {
		t.Fatal("validate() expected error, got nil")
	}

	errs := multierr.Errors(err)
	if len(errs) != 5 {
		t.Fatalf("got %d errors, want 5: %v", len(errs), err)
	}
	for _, want := range []string{"routes[0].method", "routes[0].path", "reserved", "routes[2].mode", "duplicates"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want mention of %q", err, want)
		}
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://api.example.com"

[server.rate_limit]
enabled = true
requests_per_second = 50.0
`+minimalRoute)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		enabled bool
		wantErr string
	}{
		{"valid", "/custom-metrics", true, ""},
		{"no leading slash", "metrics", true, "metrics.path"},
		{"healthz", "/healthz", true, "conflicts"},
		{"proxy status sub", "/proxy/status/x", true, "conflicts"},
		{"route conflict", "/users/:id", true, "conflicts"},
		{"disabled skips validation", "bad-no-slash", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "[upstream]\nbase_url = \"https://api.example.com\"\n[metrics]\n"
			if tt.enabled {
				data += "enabled = true\n"
			}
			data += "path = \"" + tt.path + "\"\n" + minimalRoute

			cfg, err := Load(cliWithPath(writeConfig(t, data)))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				if cfg.Metrics.Path != tt.path {
					t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.path)
				}
				return
			}
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths(t *testing.T) {
	path1 := writeConfig(t, "# one")
	path2 := writeConfig(t, "# two")

	if got := findConfigInPaths([]string{path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path2}); got != path2 {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path2)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(cliWithPath(filepath.Join("..", "..", "configs", "config.toml")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Routes) != 3 {
		t.Fatalf("Routes = %d, want 3", len(cfg.Routes))
	}
	if cfg.Routes[2].Method != "ANY" || cfg.Routes[2].Mode != "raw" {
		t.Errorf("Routes[2] = %+v, want ANY raw", cfg.Routes[2])
	}
	if cfg.Routes[0].Mode != "default" {
		t.Errorf("Routes[0].Mode = %q, want %q", cfg.Routes[0].Mode, "default")
	}
	if cfg.Errors.Codes["404"] != "NOT_FOUND" {
		t.Errorf("Errors.Codes[404] = %q, want %q", cfg.Errors.Codes["404"], "NOT_FOUND")
	}
	if v, ok := cfg.Upstream.Headers["X-Api-Version"].(int64); !ok || v != 2 {
		t.Errorf("Upstream.Headers[X-Api-Version] = %#v, want int64(2)", cfg.Upstream.Headers["X-Api-Version"])
	}
	if cfg.Upstream.Timeout() != 30*time.Second {
		t.Errorf("Upstream.Timeout() = %v, want 30s", cfg.Upstream.Timeout())
	}
}
