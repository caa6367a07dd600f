package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sky93/taskgate"
	"github.com/sky93/taskgate/internal/config"
	"github.com/sky93/taskgate/internal/logger"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// app holds what every subcommand needs once the database is open.
type app struct {
	db    *taskgate.SQLStore
	gate  *taskgate.Gate
	close func() error
}

type rootOptions struct {
	driver string
	dsn    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "taskgate",
		Short:         "Job admission and queueing for single-writer resources",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := config.GetServerConfig()
			if err != nil {
				return err
			}
			logger.Init(sc.SERVICE_NAME)

			dc, err := config.GetDatabaseConfig()
			if err != nil {
				return err
			}
			// Apply precedence: flag > env > default
			if !cmd.Flags().Changed("driver") {
				opts.driver = dc.DRIVER
			}
			if !cmd.Flags().Changed("dsn") {
				opts.dsn = dc.DSN
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.driver, "driver", "sqlite3", "Database driver (sqlite3, mysql, pgx)")
	rootCmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "taskgate.db", "Database DSN")

	rootCmd.AddCommand(newMigrateCmd(opts))
	rootCmd.AddCommand(newSubmitCmd(opts))
	rootCmd.AddCommand(newFinishCmd(opts))
	rootCmd.AddCommand(newSweepCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))

	return rootCmd
}

// openApp opens and migrates the database and builds a gate from env config.
func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	d, err := taskgate.ParseDialect(opts.driver)
	if err != nil {
		return nil, err
	}
	db, err := taskgate.Open(d, opts.dsn)
	if err != nil {
		return nil, err
	}
	if err := taskgate.Migrate(db, d); err != nil {
		_ = db.Close()
		return nil, err
	}

	gc, err := config.GetGateConfig()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := taskgate.NewSQLStore(db, d)
	gate, err := taskgate.New(ctx, taskgate.Config{
		DefaultTimeout:  gc.DEFAULT_TIMEOUT,
		JobTimeouts:     gc.JOB_TIMEOUTS,
		MaxWait:         gc.MAX_WAIT,
		StrictExclusive: gc.STRICT,
		ExecutionMode:   taskgate.ExecutionMode(gc.EXECUTION_MODE),
	}, store)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &app{
		db:   store,
		gate: gate,
		close: func() error {
			sessErr := gate.Sessions().CloseAll()
			if err := db.Close(); err != nil {
				return err
			}
			return sessErr
		},
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
