package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/term"

	"mcp-relay/internal/serverconfig"
)

// resolveAuditKey implements the same TTY-aware key bootstrap the teacher
// uses for its encrypted profile store: if the named env var holds a key,
// use it; otherwise, on an interactive terminal, generate one and print it
// so the operator can persist it, but refuse to start silently unkeyed in
// non-interactive (service) mode.
func resolveAuditKey(cfg *serverconfig.ServerConfig) ([]byte, error) {
	if cfg.Audit.EncryptionKeyEnv == "" {
		return nil, nil
	}

	if raw := os.Getenv(cfg.Audit.EncryptionKeyEnv); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("mcp-relay: %s must be a 64-character hex-encoded 32-byte key", cfg.Audit.EncryptionKeyEnv)
		}
		return key, nil
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil, fmt.Errorf("mcp-relay: %s is not set; generate one with `openssl rand -hex 32` and export it before starting in non-interactive mode", cfg.Audit.EncryptionKeyEnv)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("mcp-relay: generate audit encryption key: %w", err)
	}
	keyHex := hex.EncodeToString(key)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "No audit encryption key found; generated a new one for this session.")
	fmt.Fprintf(os.Stderr, "Persist it to keep decrypting past audit details: export %s=%s\n", cfg.Audit.EncryptionKeyEnv, keyHex)
	fmt.Fprintln(os.Stderr, "")
	return key, nil
}
