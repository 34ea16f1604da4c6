package interop

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/quic-interop/endpoint-go/interop/mutation"
)

// Role selects which half of the interop scenario this endpoint plays.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

const (
	defaultListenAddr = ":443"
	defaultServerPort = 443
	defaultTimeout    = 3 * time.Minute
)

// ConfigError reports a missing or malformed environment variable.
// It is always fatal and is raised before any QUIC activity.
type ConfigError struct {
	Variable string
	Err      error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("%s: %v", e.Variable, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// EnvironmentError reports a filesystem problem while preparing output
// paths (qlog directory, key log file). Like ConfigError it is fatal.
type EnvironmentError struct {
	Path string
	Err  error
}

func (e *EnvironmentError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e *EnvironmentError) Unwrap() error { return e.Err }

// EndpointConfig is the fully resolved parameter set for one container run.
// It is built exactly once, by ResolveConfig, and never mutated afterwards.
type EndpointConfig struct {
	Role     Role
	TestCase string

	// client role
	ServerAddress string
	ServerPort    int
	RequestURLs   []string
	DownloadDir   string

	// server role
	ListenAddress string
	CertFile      string
	KeyFile       string
	WWWDir        string

	QLogDir    string
	KeyLogPath string
	Mutations  []mutation.Step
	Timeout    time.Duration
}

// ServerAddrPort returns the peer address the client connects to.
func (c *EndpointConfig) ServerAddrPort() string {
	return fmt.Sprintf("%s:%d", c.ServerAddress, c.ServerPort)
}

// ResolveConfig builds an EndpointConfig from the process environment.
// getenv is os.Getenv in production; tests substitute a map lookup.
// Validation failures are aggregated so a misconfigured container reports
// everything wrong with it in one pass.
func ResolveConfig(getenv func(string) string) (*EndpointConfig, error) {
	cfg := &EndpointConfig{Timeout: defaultTimeout}
	var result *multierror.Error

	switch role := strings.ToLower(getenv("ROLE")); role {
	case string(RoleClient), string(RoleServer):
		cfg.Role = Role(role)
	case "":
		result = multierror.Append(result, &ConfigError{Variable: "ROLE", Err: fmt.Errorf("not set")})
	default:
		result = multierror.Append(result, &ConfigError{Variable: "ROLE", Err: fmt.Errorf("unrecognized role %q", role)})
	}

	cfg.TestCase = getenv("TESTCASE")
	if cfg.TestCase == "" {
		result = multierror.Append(result, &ConfigError{Variable: "TESTCASE", Err: fmt.Errorf("not set")})
	}

	switch cfg.Role {
	case RoleClient:
		if err := resolveClient(cfg, getenv); err != nil {
			result = multierror.Append(result, err)
		}
	case RoleServer:
		if err := resolveServer(cfg, getenv); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if raw := getenv("MUTATIONS"); raw != "" {
		steps, err := mutation.Parse(raw)
		if err != nil {
			result = multierror.Append(result, &ConfigError{Variable: "MUTATIONS", Err: err})
		}
		cfg.Mutations = steps
	}

	if raw := getenv("TESTCASE_TIMEOUT"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			result = multierror.Append(result, &ConfigError{Variable: "TESTCASE_TIMEOUT", Err: fmt.Errorf("invalid duration %q", raw)})
		} else {
			cfg.Timeout = time.Duration(secs) * time.Second
		}
	}

	if err := resolveOutputs(cfg, getenv); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveClient(cfg *EndpointConfig, getenv func(string) string) error {
	var result *multierror.Error

	cfg.ServerAddress = getenv("SERVER")
	if cfg.ServerAddress == "" {
		cfg.ServerAddress = "server"
	}
	cfg.ServerPort = defaultServerPort
	if raw := getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			result = multierror.Append(result, &ConfigError{Variable: "PORT", Err: fmt.Errorf("invalid port %q", raw)})
		} else {
			cfg.ServerPort = port
		}
	}

	cfg.RequestURLs = splitRequests(getenv("REQUESTS"))
	if len(cfg.RequestURLs) == 0 {
		result = multierror.Append(result, &ConfigError{Variable: "REQUESTS", Err: fmt.Errorf("no request targets")})
	}

	cfg.DownloadDir = getenv("DOWNLOADS")
	if cfg.DownloadDir != "" {
		if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
			result = multierror.Append(result, &EnvironmentError{Path: cfg.DownloadDir, Err: err})
		}
	}
	return result.ErrorOrNil()
}

func resolveServer(cfg *EndpointConfig, getenv func(string) string) error {
	var result *multierror.Error

	cfg.ListenAddress = getenv("LISTEN")
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddr
	}

	certs := getenv("CERTS")
	if certs == "" {
		result = multierror.Append(result, &ConfigError{Variable: "CERTS", Err: fmt.Errorf("not set")})
	} else {
		cfg.CertFile = filepath.Join(certs, "cert.pem")
		cfg.KeyFile = filepath.Join(certs, "priv.key")
		for _, p := range []string{cfg.CertFile, cfg.KeyFile} {
			f, err := os.Open(p)
			if err != nil {
				result = multierror.Append(result, &ConfigError{Variable: "CERTS", Err: fmt.Errorf("cannot read %s: %w", p, err)})
				continue
			}
			f.Close()
		}
	}

	cfg.WWWDir = getenv("WWW")
	if cfg.WWWDir != "" {
		if _, err := os.Stat(cfg.WWWDir); err != nil {
			result = multierror.Append(result, &EnvironmentError{Path: cfg.WWWDir, Err: err})
		}
	}
	return result.ErrorOrNil()
}

func resolveOutputs(cfg *EndpointConfig, getenv func(string) string) error {
	var result *multierror.Error

	cfg.QLogDir = getenv("QLOGDIR")
	if cfg.QLogDir != "" {
		if err := os.MkdirAll(cfg.QLogDir, 0o755); err != nil {
			result = multierror.Append(result, &EnvironmentError{Path: cfg.QLogDir, Err: err})
		}
	}

	cfg.KeyLogPath = getenv("SSLKEYLOGFILE")
	if cfg.KeyLogPath != "" {
		if dir := filepath.Dir(cfg.KeyLogPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				result = multierror.Append(result, &EnvironmentError{Path: dir, Err: err})
			}
		}
	}
	return result.ErrorOrNil()
}

// splitRequests parses the REQUESTS variable, which the harness delimits
// with spaces or commas.
func splitRequests(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
}
