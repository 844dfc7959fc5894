// Package cli implements the messenger command line: a conversation REPL and
// one-shot commands for listing contacts and printing history.
package cli

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cybershield/messenger/internal/config"
	"github.com/cybershield/messenger/internal/history"
)

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg     config.ClientConfig
	history history.Client
	now     func() time.Time
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var (
		configFile string
		envFile    string
		a          = &app{now: time.Now}
		v          = config.NewClientViper()
	)

	rootCmd := &cobra.Command{
		Use:           "messenger",
		Short:         "Terminal messenger with live delivery and moderation warnings",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadClient(v, configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.history = history.Client{
				BaseURL:        cfg.APIURL,
				UserID:         cfg.UserID,
				HTTPClient:     http.DefaultClient,
				RequestTimeout: cfg.RequestTimeout,
			}
			log.SetOutput(cmd.ErrOrStderr())
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/messenger/messenger.yaml)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.Int64("user", 0, "local user id (MESSENGER_USER_ID)")
	flags.String("api-url", "", "relay REST base url (MESSENGER_API_URL)")
	flags.String("ws-url", "", "relay websocket url (MESSENGER_WS_URL)")
	flags.Bool("elevated", false, "list the full user directory (MESSENGER_ELEVATED)")
	bindFlag(v, config.KeyUserID, rootCmd, "user")
	bindFlag(v, config.KeyAPIURL, rootCmd, "api-url")
	bindFlag(v, config.KeyWSURL, rootCmd, "ws-url")
	bindFlag(v, config.KeyElevated, rootCmd, "elevated")

	rootCmd.AddCommand(
		newChatCmd(a),
		newContactsCmd(a),
		newHistoryCmd(a),
	)
	return rootCmd
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(name)); err != nil {
		panic(fmt.Sprintf("cli: bind flag %s: %v", name, err))
	}
}

func writeLine(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
