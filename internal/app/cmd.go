package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/kairo/internal/config"
)

// ビルド時に -ldflags で埋め込む
var Version = "dev"

// NewRootCommand はkairoのサブコマンド一式を持つルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして動作する。
// wはログとコマンド出力の書き込み先。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "kairo",
		Short: "Authentication and access-control API server",
		Long: `kairo issues and resolves login sessions, brokers OAuth connections
to third-party providers, and guards every sensitive route with rate limiting
and request validation.`,
		Version:      Version,
		SilenceUsage: true,
		RunE:         withConfig(w, "serve", func(_ *cobra.Command, cfg *config.Config) error { return runServe(cfg) }),
	}
	root.SetOut(w)

	root.AddCommand(
		newServeCommand(w),
		newMigrateCommand(w),
		newSweepCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := NewRootCommand(w)
	cmd.SetArgs(args)
	return cmd.Execute()
}

// withConfig はInitで設定を読み込んでからfnを呼ぶRunE関数を返す。
func withConfig(w io.Writer, name string, fn func(cmd *cobra.Command, cfg *config.Config) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := Init(w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}

		slog.Info("starting application",
			slog.String("command", name),
			slog.String("port", cfg.ServerPort),
			slog.String("base_url", cfg.BaseURL),
		)
		return fn(cmd, cfg)
	}
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE:  withConfig(w, "serve", func(_ *cobra.Command, cfg *config.Config) error { return runServe(cfg) }),
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Args:  cobra.NoArgs,
		// 互換のためサブコマンド省略時はupとして扱う
		RunE: withConfig(w, "migrate up", func(_ *cobra.Command, cfg *config.Config) error { return runMigrateUp(cfg) }),
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE:  withConfig(w, "migrate up", func(_ *cobra.Command, cfg *config.Config) error { return runMigrateUp(cfg) }),
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, "migrate down", func(_ *cobra.Command, cfg *config.Config) error {
			return runMigrateDown(cfg, steps)
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		Args:  cobra.NoArgs,
		RunE: withConfig(w, "migrate version", func(cmd *cobra.Command, cfg *config.Config) error {
			return runMigrateVersion(cfg, cmd.OutOrStdout())
		}),
	}

	migrate.AddCommand(up, down, version)
	return migrate
}

func newSweepCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions once and exit",
		Args:  cobra.NoArgs,
		RunE:  withConfig(w, "sweep", func(_ *cobra.Command, cfg *config.Config) error { return runSweep(cfg) }),
	}
}

// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
func newHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runHealthcheck(os.Getenv("SERVER_PORT"))
		},
	}
}
