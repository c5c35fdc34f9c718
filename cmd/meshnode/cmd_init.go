package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/javadef/meshnode/internal/config"
	"github.com/javadef/meshnode/internal/validate"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doInit(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "config directory (default: ~/.config/meshnode)")
	networkFlag := fs.String("network", "", "mesh network ID (e.g. \"my-crew\")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintln(stdout, "Welcome to meshnode!")
	fmt.Fprintln(stdout)

	configDir := *dirFlag
	if configDir == "" {
		d, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		configDir = d
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	fmt.Fprintf(stdout, "Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	fmt.Fprintln(stdout)

	networkID := *networkFlag
	if networkID == "" {
		reader := bufio.NewReader(stdin)
		fmt.Fprintln(stdout, "Enter a network ID shared by every peer in this mesh")
		fmt.Fprint(stdout, "> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		networkID = strings.TrimSpace(line)
	}
	if networkID == "" {
		return fmt.Errorf("network ID is required")
	}
	if err := validate.NetworkName(networkID); err != nil {
		return fmt.Errorf("invalid network ID: %w", err)
	}

	secretFile := filepath.Join(configDir, "secret")
	fmt.Fprintln(stdout, "Generating network secret...")
	secret, err := newSecret()
	if err != nil {
		return fmt.Errorf("failed to generate secret: %w", err)
	}
	if err := os.WriteFile(secretFile, []byte(secret+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	fmt.Fprintf(stdout, "Secret saved to:    %s\n", secretFile)
	fmt.Fprintln(stdout, "(Copy this file to every peer that should join this mesh)")
	fmt.Fprintln(stdout)

	configContent := configTemplate(networkID, secretFile)
	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(stdout, "Config written to:  %s\n", configFile)
	fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, "Next steps:")
	fmt.Fprintf(stdout, "  1. Copy %s to your other peers' machines\n", secretFile)
	fmt.Fprintln(stdout, "  2. Start the mesh:  meshnode start --config", configFile)
	return nil
}

// newSecret generates a random 32-byte network secret, hex-encoded.
func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func configTemplate(networkID, secretFile string) string {
	return fmt.Sprintf(`version: 1
network:
  id: %q
  secret_file: %q
  local_port: 0
  stun_server: %q
`, networkID, secretFile, config.DefaultSTUNServer)
}
