package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cavelabs/caved/internal/model"
	"github.com/cavelabs/caved/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, rotate, and revoke the API keys used to authenticate against the daemon.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		namespace  string
		rateLimit  int
		ttlSeconds int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw token is shown once and cannot be retrieved again.",
		Example: `  caved key create                          # admin key
  caved key create --namespace demo         # key scoped to one namespace
  caved key create --rate-limit 500 --ttl 86400`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(namespace, rateLimit, ttlSeconds)
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "Restrict the key to a single namespace (default: admin scope)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute (default 100)")
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "Key lifetime in seconds (default: no expiry)")

	return cmd
}

func runKeyCreate(namespace string, rateLimit, ttlSeconds int) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	svc := newKeyService(st, newLogger(slog.LevelWarn))

	scope := model.AdminScope()
	if namespace != "" {
		scope = model.NamespaceScope(namespace)
	}

	issued, err := svc.Issue(context.Background(), service.IssueParams{
		Scope:      scope,
		RateLimit:  rateLimit,
		TTLSeconds: ttlSeconds,
	})
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Token:      %s\n", issued.Token)
	fmt.Printf("  ID:         %s\n", issued.Info.ID)
	fmt.Printf("  Scope:      %s\n", scopeLabel(issued.Info.Scope))
	fmt.Printf("  Rate limit: %d/min\n", issued.Info.RateLimit)
	if issued.Info.ExpiresAt != nil {
		fmt.Printf("  Expires:    %s\n", issued.Info.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this token now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	svc := newKeyService(st, newLogger(slog.LevelWarn))

	keys, err := svc.List(context.Background())
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys. Use 'caved key create' to create one.")
		return nil
	}

	fmt.Printf("%-38s %-16s %-20s %-10s %-8s\n", "ID", "PREFIX", "SCOPE", "RATE/MIN", "REVOKED")
	fmt.Printf("%-38s %-16s %-20s %-10s %-8s\n", "--", "------", "-----", "--------", "-------")
	for _, k := range keys {
		revoked := "no"
		if k.Revoked {
			revoked = "yes"
		}
		fmt.Printf("%-38s %-16s %-20s %-10d %-8s\n",
			k.ID, k.KeyPrefix, scopeLabel(k.Scope), k.RateLimit, revoked)
	}

	return nil
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var (
		rateLimit  int
		ttlSeconds int
	)

	cmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Rotate an API key",
		Long: `Atomically revoke a key and issue a successor with the same scope.
The successor's token is shown once; the signed rotation webhook payload
is printed so it can be replayed to downstream consumers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRotate(args[0], rateLimit, ttlSeconds)
		},
	}

	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute for the successor (default: inherit)")
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "Successor lifetime in seconds (default: no expiry)")

	return cmd
}

func runKeyRotate(keyID string, rateLimit, ttlSeconds int) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	svc := newKeyService(st, newLogger(slog.LevelWarn))

	rotated, err := svc.Rotate(context.Background(), service.RotateParams{
		KeyID:      keyID,
		RateLimit:  rateLimit,
		TTLSeconds: ttlSeconds,
	})
	if err != nil {
		return fmt.Errorf("rotate api key: %w", err)
	}

	webhookJSON, err := json.MarshalIndent(rotated.Webhook, "  ", "  ")
	if err != nil {
		return fmt.Errorf("encode webhook: %w", err)
	}

	fmt.Println("API Key rotated:")
	fmt.Println()
	fmt.Printf("  New token:  %s\n", rotated.Token)
	fmt.Printf("  New ID:     %s\n", rotated.Info.ID)
	fmt.Printf("  Old ID:     %s (revoked)\n", rotated.Previous.ID)
	fmt.Printf("  Scope:      %s\n", scopeLabel(rotated.Info.Scope))
	fmt.Printf("  Rate limit: %d/min\n", rotated.Info.RateLimit)
	fmt.Println()
	fmt.Printf("  Webhook: %s\n", webhookJSON)
	fmt.Println()
	fmt.Println("  Save the new token now - it cannot be retrieved again.")
	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Long:  "Permanently disable an API key. Revocation cannot be undone.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(keyID string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	svc := newKeyService(st, newLogger(slog.LevelWarn))

	if err := svc.Revoke(context.Background(), keyID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %s\n", keyID)
	return nil
}

func scopeLabel(s model.KeyScope) string {
	if s.IsAdmin() {
		return "admin"
	}
	return "namespace:" + s.Namespace
}
