/*
Package cli holds the root `hk` command. Feature packages register their
subcommands on RootCommand from their init functions, and the root main
package imports them for the side effect.
*/
package cli

import (
	"context"

	"git.handmade.network/hmn/heapkeeper/src/config"
	"git.handmade.network/hmn/heapkeeper/src/db"
	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store/pgstore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var configPath string

var RootCommand = &cobra.Command{
	Use:          "hk",
	Short:        "Keep heaps of mail-threaded conversations",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return oops.New(err, "failed to load config")
		}
		config.Config = cfg
		logging.SetLevel(cfg.LogLevel)
		logging.SetJSON(cfg.Env == config.Live)
		return nil
	},
}

func init() {
	RootCommand.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: hk.yaml in . or /etc/heapkeeper)")
}

// A context carrying the global logger, for command entry points.
func Context() context.Context {
	return logging.AttachLoggerToContext(logging.GlobalLogger(), context.Background())
}

// Connects to the configured database, waiting for it to come up if needed.
// The caller closes the returned pool.
func OpenStore(ctx context.Context) (*pgstore.Store, *pgxpool.Pool, error) {
	pool, err := db.ConnectPoolWithRetry(ctx, config.Config.Postgres)
	if err != nil {
		return nil, nil, err
	}
	return pgstore.New(pool), pool, nil
}
