// Command softauthn is the administrative CLI for the software
// authenticator: recovery key generation, bundle sync and endpoint
// configuration. Request-time flows (creation/assertion) are driven by the
// embedding host shell, not this tool.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-ctap/softauthn/pkg/options"
	"github.com/go-ctap/softauthn/pkg/recovery"
	"github.com/go-ctap/softauthn/pkg/storage"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"
)

func main() {
	var (
		storePath string
		assetDir  string
		verbose   bool
	)

	newEngine := func() (*recovery.Engine, *storage.CredentialStore) {
		lvl := slog.LevelInfo
		if verbose {
			lvl = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: lvl,
		}))

		kv := storage.NewFileStore(storePath)
		store := storage.NewCredentialStore(kv)
		return recovery.NewEngine(
			kv,
			store,
			&recovery.FileAssetLoader{Dir: assetDir},
			options.WithLogger(logger),
		), store
	}

	root := &cobra.Command{
		Use:           "softauthn",
		Short:         "Administer the software WebAuthn authenticator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&storePath, "store", "softauthn.json", "path to the key-value store file")
	root.PersistentFlags().StringVar(&assetDir, "assets", "assets", "directory holding the backup/delegation bundles")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	var (
		count   int
		outPath string
	)
	generateCmd := &cobra.Command{
		Use:   "generate-recovery-keys",
		Short: "Generate recovery key pairs and export the public halves as a JWK set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, _ := newEngine()

			jwks, err := engine.GenerateRecoveryKeys(cmd.Context(), count)
			if err != nil {
				return err
			}

			b, err := json.MarshalIndent(&jose.JSONWebKeySet{Keys: jwks}, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, b, 0o600); err != nil {
				return err
			}

			fmt.Printf("wrote %d recovery public keys to %s\n", len(jwks), outPath)
			return nil
		},
	}
	generateCmd.Flags().IntVarP(&count, "count", "n", 10, "number of recovery keys to generate")
	generateCmd.Flags().StringVarP(&outPath, "out", "o", "recovery-keys.jwks", "output file for the JWK set")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Load the backup-key and delegation bundles into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, _ := newEngine()
			return engine.Sync(cmd.Context())
		},
	}

	endpointCmd := &cobra.Command{
		Use:   "endpoint [url]",
		Short: "Show or set the recovery service endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store := newEngine()

			if len(args) == 1 {
				return store.SetEndpoint(cmd.Context(), args[0])
			}

			endpoint, err := store.GetEndpoint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(endpoint)
			return nil
		},
	}

	root.AddCommand(generateCmd, syncCmd, endpointCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
