package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"salonchat/internal/api"
	"salonchat/internal/config"
	"salonchat/internal/logger"
	"salonchat/internal/websocket"
)

var (
	apiURL    string
	socketURL string
	token     string
	username  string
	password  string
	verbose   bool

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Terminal client for salon conversations",
	Long: `chatclient talks to the salon chat backend: it lists conversations
and unread counts, follows a conversation live and sends messages.`,
	SilenceUsage: true,
}

// Execute is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var err error
	if cfg, err = config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api", cfg.APIBaseURL, "REST base URL")
	rootCmd.PersistentFlags().StringVar(&socketURL, "socket", cfg.SocketURL, "socket URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "session token (skips login)")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "login username")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "login password")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := logger.New(true)
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// login returns a REST client holding a session token, logging in when no
// token was given.
func login(ctx context.Context, log *zap.Logger) (*api.Client, error) {
	client := api.NewClient(api.ClientConfig{BaseURL: apiURL, Logger: log})
	if token != "" {
		client.SetToken(token)
		return client, nil
	}
	if username == "" {
		return nil, fmt.Errorf("either --token or --username is required")
	}
	if _, err := client.Login(ctx, username, password); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return client, nil
}

func newSocket(log *zap.Logger) *websocket.Client {
	rc := cfg.Reconnect()
	return websocket.NewClient(websocket.Options{
		URL:      socketURL,
		Attempts: rc.Attempts,
		Delay:    rc.Delay,
		MaxDelay: rc.MaxDelay,
		Logger:   log,
	})
}
