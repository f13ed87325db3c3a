package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cristalhq/aconfig"
)

// Config is assembled from defaults, an optional JSON file, REQSCOPE_*
// environment variables and flags, in that order of precedence.
type Config struct {
	Addr        string `json:"addr" env:"ADDR" flag:"addr" default:":8081" usage:"interception proxy listen address"`
	ControlAddr string `json:"control_addr" env:"CONTROL_ADDR" flag:"control-addr" default:"127.0.0.1:8082" usage:"control API listen address"`

	CADir         string `json:"ca_dir" env:"CA_DIR" flag:"ca-dir" usage:"directory holding ca.cert and ca.key (created when missing)"`
	CertCacheSize int    `json:"cert_cache_size" env:"CERT_CACHE_SIZE" flag:"cert-cache-size" default:"0" usage:"bound the leaf certificate cache, 0 keeps every leaf"`

	TunnelOnCertFailure bool `json:"tunnel_on_cert_failure" env:"TUNNEL_ON_CERT_FAILURE" flag:"tunnel-on-cert-failure" default:"true" usage:"relay CONNECT tunnels blindly when no leaf can be issued"`

	Inject        bool `json:"inject" env:"INJECT" flag:"inject" default:"true" usage:"insert the initiator instrumentation into HTML responses"`
	InjectScripts bool `json:"inject_scripts" env:"INJECT_SCRIPTS" flag:"inject-scripts" default:"false" usage:"also prepend the instrumentation to JavaScript responses"`

	CacheSize  int `json:"cache_size" env:"CACHE_SIZE" flag:"cache-size" default:"2000" usage:"header correlation cache capacity"`
	MaxTracked int `json:"max_tracked" env:"MAX_TRACKED" flag:"max-tracked" default:"0" usage:"bound the tracked request list, 0 is unbounded"`

	Upstream      string        `json:"upstream" env:"UPSTREAM" flag:"upstream" usage:"upstream proxy url"`
	UpstreamType  string        `json:"upstream_type" env:"UPSTREAM_TYPE" flag:"upstream-type" usage:"upstream proxy type: http, https or socks5"`
	ReplayTimeout time.Duration `json:"replay_timeout" env:"REPLAY_TIMEOUT" flag:"replay-timeout" default:"30s" usage:"replay timeout"`

	ArchivePath string `json:"archive_path" env:"ARCHIVE_PATH" flag:"archive-path" usage:"persist finalized exchanges into this bbolt file"`
	Metrics     bool   `json:"metrics" env:"METRICS" flag:"metrics" default:"true" usage:"serve Prometheus metrics on the control API"`

	LogLevel string `json:"log_level" env:"LOG_LEVEL" flag:"log-level" default:"info" usage:"debug, info, warn or error"`
	LogFile  string `json:"log_file" env:"LOG_FILE" flag:"log-file" usage:"additionally write JSON logs to this rotated file"`
}

func loadConfig(args []string) (*Config, error) {
	var cfg Config

	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "REQSCOPE",
		FileFlag:  "config",
		Args:      args,
	})

	if err := loader.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.CADir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine ca directory: %w", err)
		}

		cfg.CADir = filepath.Join(dir, "reqscope")
	}

	return &cfg, nil
}
