package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureExit overrides the package-level osExit variable so that calls to
// osExit inside fn are intercepted. It returns the exit code and a boolean
// indicating whether osExit was actually called.
//
// How it works: the replacement panics with an exitSentinel value - the same
// type defined in exit.go - which immediately unwinds the call stack (just
// like a real os.Exit would halt the process). A deferred recover catches
// the sentinel and stores the code. Any other panic is re-raised.
func captureExit(fn func()) (code int, exited bool) {
	old := osExit
	defer func() { osExit = old }()

	osExit = func(c int) {
		panic(exitSentinel(c))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				if s, ok := r.(exitSentinel); ok {
					code = int(s)
					exited = true
				} else {
					panic(r)
				}
			}
		}()
		fn()
	}()
	return code, exited
}

func TestDoInitWritesConfigAndSecret(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	stdin := strings.NewReader("")

	err := doInit([]string{"--dir", dir, "--network", "my-mesh"}, stdin, &stdout)
	if err != nil {
		t.Fatalf("doInit: %v", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("expected config.yaml to exist: %v", err)
	}
	secretPath := filepath.Join(dir, "secret")
	info, err := os.Stat(secretPath)
	if err != nil {
		t.Fatalf("expected secret file to exist: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("secret file mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestDoInitRejectsInvalidNetworkID(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	err := doInit([]string{"--dir", dir, "--network", "Not Valid!"}, strings.NewReader(""), &stdout)
	if err == nil {
		t.Fatal("expected error for invalid network ID")
	}
}

func TestDoInitRefusesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("version: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	var stdout bytes.Buffer
	err := doInit([]string{"--dir", dir, "--network", "my-mesh"}, strings.NewReader(""), &stdout)
	if err == nil {
		t.Fatal("expected error when config already exists")
	}
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	secretPath := filepath.Join(dir, "secret")
	if err := os.WriteFile(secretPath, []byte("test-secret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	content := configTemplate("test-net", secretPath)
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestDoConfigValidateSuccess(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir)

	var stdout bytes.Buffer
	if err := doConfigValidate([]string{"--config", configPath}, &stdout); err != nil {
		t.Fatalf("doConfigValidate: %v", err)
	}
	if !strings.Contains(stdout.String(), "OK:") {
		t.Errorf("stdout = %q, want OK: prefix", stdout.String())
	}
}

func TestDoConfigValidateMissingFile(t *testing.T) {
	var stdout bytes.Buffer
	err := doConfigValidate([]string{"--config", "/nonexistent/config.yaml"}, &stdout)
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDoConfigShowSuccess(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir)

	var stdout bytes.Buffer
	if err := doConfigShow([]string{"--config", configPath}, &stdout); err != nil {
		t.Fatalf("doConfigShow: %v", err)
	}
	if !strings.Contains(stdout.String(), "test-net") {
		t.Errorf("stdout = %q, want network id present", stdout.String())
	}
}

func TestRunConfigEmptyArgsExits(t *testing.T) {
	code, exited := captureExit(func() { runConfig(nil) })
	if !exited || code != 1 {
		t.Errorf("runConfig(nil): code=%d exited=%v, want 1/true", code, exited)
	}
}

func TestRunConfigUnknownSubcommandExits(t *testing.T) {
	code, exited := captureExit(func() { runConfig([]string{"bogus"}) })
	if !exited || code != 1 {
		t.Errorf("runConfig(bogus): code=%d exited=%v, want 1/true", code, exited)
	}
}

func TestPrintUsageDoesNotPanic(t *testing.T) {
	printUsage()
}

func TestPrintVersionDoesNotPanic(t *testing.T) {
	printVersion()
}

func TestSplitHostPort(t *testing.T) {
	ip, port, err := splitHostPort("203.0.113.5:51820")
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}
	if ip != "203.0.113.5" || port != 51820 {
		t.Errorf("got %s:%d, want 203.0.113.5:51820", ip, port)
	}
}

func TestSplitHostPortInvalid(t *testing.T) {
	if _, _, err := splitHostPort("not-a-hostport"); err == nil {
		t.Fatal("expected error for malformed host:port")
	}
}
