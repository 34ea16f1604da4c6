package interop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func getenvFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeServerCerts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), []byte("cert"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "priv.key"), []byte("key"), 0o644))
	return dir
}

func TestResolveConfigMissingRole(t *testing.T) {
	_, err := ResolveConfig(getenvFrom(map[string]string{"TESTCASE": "handshake"}))
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "ROLE", cfgErr.Variable)
}

func TestResolveConfigUnknownRole(t *testing.T) {
	_, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "observer",
		"TESTCASE": "handshake",
	}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "ROLE", cfgErr.Variable)
	require.ErrorContains(t, err, "observer")
}

func TestResolveConfigMissingTestCase(t *testing.T) {
	_, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "client",
		"REQUESTS": "https://server/index.html",
	}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "TESTCASE", cfgErr.Variable)
}

func TestResolveConfigClient(t *testing.T) {
	cfg, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "Client", // role matching is case-insensitive
		"TESTCASE": "handshake",
		"SERVER":   "peer",
		"PORT":     "4433",
		"REQUESTS": "https://peer/a.txt,https://peer/b.txt https://peer/c.txt",
	}))
	require.NoError(t, err)
	require.Equal(t, RoleClient, cfg.Role)
	require.Equal(t, "peer:4433", cfg.ServerAddrPort())
	require.Equal(t, []string{
		"https://peer/a.txt",
		"https://peer/b.txt",
		"https://peer/c.txt",
	}, cfg.RequestURLs)
}

func TestResolveConfigClientDefaults(t *testing.T) {
	cfg, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "client",
		"TESTCASE": "handshake",
		"REQUESTS": "/index.html",
	}))
	require.NoError(t, err)
	require.Equal(t, "server:443", cfg.ServerAddrPort())
	require.Equal(t, defaultTimeout, cfg.Timeout)
}

func TestResolveConfigClientEmptyRequests(t *testing.T) {
	_, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "client",
		"TESTCASE": "handshake",
		"REQUESTS": " , ",
	}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "REQUESTS", cfgErr.Variable)
}

func TestResolveConfigClientInvalidPort(t *testing.T) {
	_, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "client",
		"TESTCASE": "handshake",
		"REQUESTS": "/index.html",
		"PORT":     "eighty",
	}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "PORT", cfgErr.Variable)
}

func TestResolveConfigServer(t *testing.T) {
	certs := writeServerCerts(t)
	cfg, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "server",
		"TESTCASE": "handshake",
		"CERTS":    certs,
	}))
	require.NoError(t, err)
	require.Equal(t, RoleServer, cfg.Role)
	require.Equal(t, defaultListenAddr, cfg.ListenAddress)
	require.Equal(t, filepath.Join(certs, "cert.pem"), cfg.CertFile)
	require.Equal(t, filepath.Join(certs, "priv.key"), cfg.KeyFile)
}

func TestResolveConfigServerMissingKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), []byte("cert"), 0o644))

	_, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "server",
		"TESTCASE": "handshake",
		"CERTS":    dir,
	}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "CERTS", cfgErr.Variable)
	require.ErrorContains(t, err, "priv.key")
}

func TestResolveConfigServerMissingCerts(t *testing.T) {
	_, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "server",
		"TESTCASE": "handshake",
	}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "CERTS", cfgErr.Variable)
}

func TestResolveConfigCreatesOutputDirs(t *testing.T) {
	base := t.TempDir()
	qlogDir := filepath.Join(base, "qlog", "run1")
	keyLog := filepath.Join(base, "logs", "keys.txt")

	cfg, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":          "client",
		"TESTCASE":      "handshake",
		"REQUESTS":      "/index.html",
		"QLOGDIR":       qlogDir,
		"SSLKEYLOGFILE": keyLog,
	}))
	require.NoError(t, err)
	require.Equal(t, qlogDir, cfg.QLogDir)
	require.Equal(t, keyLog, cfg.KeyLogPath)
	require.DirExists(t, qlogDir)
	require.DirExists(t, filepath.Dir(keyLog))
}

func TestResolveConfigUnwritableQlogDir(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	base := t.TempDir()
	require.NoError(t, os.Chmod(base, 0o500))

	_, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":     "client",
		"TESTCASE": "handshake",
		"REQUESTS": "/index.html",
		"QLOGDIR":  filepath.Join(base, "qlog"),
	}))
	var envErr *EnvironmentError
	require.ErrorAs(t, err, &envErr)
}

func TestResolveConfigTimeoutOverride(t *testing.T) {
	cfg, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":             "client",
		"TESTCASE":         "handshake",
		"REQUESTS":         "/index.html",
		"TESTCASE_TIMEOUT": "30",
	}))
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Timeout)

	_, err = ResolveConfig(getenvFrom(map[string]string{
		"ROLE":             "client",
		"TESTCASE":         "handshake",
		"REQUESTS":         "/index.html",
		"TESTCASE_TIMEOUT": "-1",
	}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "TESTCASE_TIMEOUT", cfgErr.Variable)
}

func TestResolveConfigMutations(t *testing.T) {
	cfg, err := ResolveConfig(getenvFrom(map[string]string{
		"ROLE":      "client",
		"TESTCASE":  "handshake",
		"REQUESTS":  "/index.html",
		"MUTATIONS": `[{"mutation_type":"identity","target":"client","fields":{}}]`,
	}))
	require.NoError(t, err)
	require.Len(t, cfg.Mutations, 1)

	_, err = ResolveConfig(getenvFrom(map[string]string{
		"ROLE":      "client",
		"TESTCASE":  "handshake",
		"REQUESTS":  "/index.html",
		"MUTATIONS": `{not json`,
	}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "MUTATIONS", cfgErr.Variable)
}

func TestResolveConfigReportsAllProblems(t *testing.T) {
	_, err := ResolveConfig(getenvFrom(map[string]string{}))
	require.Error(t, err)
	require.ErrorContains(t, err, "ROLE")
	require.ErrorContains(t, err, "TESTCASE")
}
