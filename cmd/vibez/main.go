package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vibez/internal/config"
	"vibez/internal/logging"
	"vibez/internal/media"
	"vibez/internal/pane"
	"vibez/internal/remote"
)

// app is the state shared by every command, built before each run.
type app struct {
	cfg      config.Client
	log      *zap.Logger
	client   *remote.Client
	uploader pane.Uploader
	session  session
	names    *pane.Cache[string, string] // user id -> display name
}

var (
	serverFlag string
	current    *app
)

var rootCmd = &cobra.Command{
	Use:           "vibez",
	Short:         "Chat from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(serverFlag)
		if err != nil {
			return err
		}
		current = a
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if current != nil {
			_ = current.log.Sync()
		}
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "server URL (default $VIBEZ_SERVER or http://localhost:8080)")

	rootCmd.AddCommand(registerCmd, loginCmd, logoutCmd, usersCmd)
	rootCmd.AddCommand(conversationsCmd, openCmd, groupCmd, historyCmd, sendCmd, clearCmd, chatCmd)
	rootCmd.AddCommand(favoriteCmd, archiveCmd, muteCmd)
}

func newApp(server string) (*app, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if server != "" {
		cfg.ServerURL = server
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	log, err := logging.ToFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, names: pane.NewCache[string, string]()}
	if a.session, err = loadSession(cfg.SessionFile); err != nil {
		return nil, err
	}
	// A saved session pins the server it was issued by.
	if server == "" && a.session.Server != "" {
		a.cfg.ServerURL = a.session.Server
	}
	if a.client, err = remote.New(a.cfg.ServerURL, log); err != nil {
		return nil, err
	}
	a.client.SetToken(a.session.Token)

	if up, err := media.New(cfg.UploadURL, cfg.UploadPreset); err == nil {
		a.uploader = up
	} else {
		log.Debug("attachments disabled", zap.Error(err))
	}
	return a, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
