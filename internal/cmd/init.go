package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chalkboard-ai/chalkboard/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file and fresh secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "chalkboard.json"
			}
			force, _ := cmd.Flags().GetBool("force")
			return runInit(cmd, output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./chalkboard.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func runInit(cmd *cobra.Command, output string, force bool) error {
	if !force {
		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("%s already exists; use --force to overwrite", output)
		}
	}

	cfg := config.Config{}
	cfg.Server.Addr = ":8420"
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "chalkboard.db"
	cfg.Auth.AgentTypePermissions = map[string][]string{}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	apiKey, err := randomSecret(32)
	if err != nil {
		return err
	}
	signingKey, err := randomSecret(32)
	if err != nil {
		return err
	}
	encryptionKey, err := randomSecret(32)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote %s\n\n", output)
	fmt.Fprintln(out, "Secrets are read from the environment, never from the config file.")
	fmt.Fprintln(out, "Export these before starting the server:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  export %s=%s\n", config.EnvAPIKey, apiKey)
	fmt.Fprintf(out, "  export %s=%s\n", config.EnvSigningKey, signingKey)
	fmt.Fprintf(out, "  export %s=%s\n", config.EnvEncryptionKey, encryptionKey)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Store them in a secret manager; they are not recoverable from the server.")
	return nil
}

// randomSecret returns n random bytes hex-encoded (2n characters).
func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
