package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codepair/internal/app"
	"codepair/internal/config"
	"codepair/pkg/types"
)

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

// newRootCmd builds the command tree; serve is the default action
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "codepair",
		Short: "Paired coding-interview session service",
		Long: `CodePair hosts one-host/one-participant coding sessions, provisions
a video call and chat channel per session, and streams session events
to watchers over WebSocket.

Configuration comes from CODEPAIR_* environment variables, optionally
overlaid by the JSON file named in CODEPAIR_CONFIG_FILE.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and WebSocket server",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and validate the schema, then exit",
			Args:  cobra.NoArgs,
			RunE:  runMigrate,
		},
		newUserCmd(),
	)
	return root
}

func newUserCmd() *cobra.Command {
	var (
		externalID string
		name       string
		email      string
		avatarURL  string
		tokenTTL   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the user directory",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user and print a bearer token for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return addUser(cmd.Context(), cmd.OutOrStdout(), cfg, &types.User{
				ExternalID: externalID,
				Name:       name,
				Email:      email,
				AvatarURL:  avatarURL,
			}, tokenTTL)
		},
	}
	add.Flags().StringVar(&externalID, "external-id", "", "provider-side user id (required)")
	add.Flags().StringVar(&name, "name", "", "display name (required)")
	add.Flags().StringVar(&email, "email", "", "email address")
	add.Flags().StringVar(&avatarURL, "avatar-url", "", "avatar image URL")
	add.Flags().DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed bearer token")
	_ = add.MarkFlagRequired("external-id")
	_ = add.MarkFlagRequired("name")

	cmd.AddCommand(add)
	return cmd
}

// runServe starts the application and blocks until SIGINT/SIGTERM
// ARCHITECTURAL DISCOVERY: Signal handling ensures graceful shutdown in production environments
func runServe(cmd *cobra.Command, args []string) error {
	// STEP 1: Load configuration with precedence (file > env > defaults)
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Start serving
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 4: Wait for shutdown signal
	<-ctx.Done()
	log.Printf("Received shutdown signal, shutting down gracefully")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dbManager, err := app.OpenDatabase(cfg)
	if err != nil {
		return err
	}
	defer dbManager.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Database at %s is up to date\n", cfg.Database.Path)
	return nil
}

// addUser upserts the user keyed by external id, registers it with the call
// and chat provider, then writes a bearer token.
// The store keeps the existing internal id when the external id is known.
func addUser(ctx context.Context, out io.Writer, cfg *config.Config, user *types.User, ttl time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	user.ExternalID = strings.TrimSpace(user.ExternalID)
	user.Name = strings.TrimSpace(user.Name)
	if user.ExternalID == "" || user.Name == "" {
		return fmt.Errorf("external id and name are required")
	}

	dbManager, err := app.OpenDatabase(cfg)
	if err != nil {
		return err
	}
	defer dbManager.Close()

	resolver, err := app.NewResolver(cfg, dbManager)
	if err != nil {
		return fmt.Errorf("failed to initialize identity resolver: %w", err)
	}

	if err := dbManager.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	provider, err := app.NewProvisioner(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}
	if err := provider.UpsertUser(ctx, user.ExternalID, user.Name, user.AvatarURL); err != nil {
		return fmt.Errorf("failed to sync user with provider: %w", err)
	}

	token, err := resolver.IssueAccessToken(user, ttl)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Fprintf(out, "user_id=%s external_id=%s\n", user.ID, user.ExternalID)
	fmt.Fprintf(out, "token=%s\n", token)
	return nil
}
