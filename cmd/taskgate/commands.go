package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/sky93/taskgate"
	"github.com/sky93/taskgate/internal/config"
	"github.com/sky93/taskgate/internal/logger"
	"github.com/sky93/taskgate/internal/web"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()
			_, _ = fmt.Fprintln(os.Stdout, "migrations applied")
			return nil
		},
	}
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		req    taskgate.SubmitRequest
		params []string
	)

	cmd := &cobra.Command{
		Use:   "submit JOB_NAME",
		Short: "Submit a job and print the admission decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.JobName = args[0]
			extra, err := parseParams(params)
			if err != nil {
				return err
			}
			req.ExtraParams = extra

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			adm, err := a.gate.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, adm)
		},
	}

	cmd.Flags().StringVar(&req.ResourceID, "resource", "", "Resource the job writes to")
	cmd.Flags().StringVar(&req.SessionName, "session", "", "Client session the job uses")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "Queue priority, higher runs first")
	cmd.Flags().IntVar(&req.TimeoutSeconds, "timeout", 0, "Run timeout in seconds")
	cmd.Flags().BoolVar(&req.WaitIfConflict, "wait", false, "Queue instead of rejecting on conflict")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Extra parameter key=value (repeatable)")
	return cmd
}

func newFinishCmd(opts *rootOptions) *cobra.Command {
	var result string

	cmd := &cobra.Command{
		Use:   "finish ID",
		Short: "Finish a running job and promote the next waiting one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			ok, err := a.gate.Finish(cmd.Context(), id, result)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]any{"id": id, "finished": ok})
		},
	}

	cmd.Flags().StringVar(&result, "result", "", "Result text stored on the row")
	return cmd
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue running and waiting jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.gate.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]int64{"timed_out": res.TimedOut, "cancelled": res.Cancelled})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var f taskgate.ListFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent job records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			recs, err := a.gate.ListRecent(cmd.Context(), f)
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []*taskgate.JobRecord{}
			}
			return printJSON(os.Stdout, recs)
		},
	}

	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "Filter by resource")
	cmd.Flags().StringVar(&f.SessionName, "session", "", "Filter by session")
	cmd.Flags().StringVar(&f.JobName, "job", "", "Filter by job name")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "Maximum rows")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var sweepEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and sweep periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			sc, err := config.GetServerConfig()
			if err != nil {
				return err
			}
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			sweeper := cron.New()
			if sweepEvery > 0 {
				if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", sweepEvery), func() {
					if _, err := a.gate.Sweep(ctx); err != nil {
						logger.Log.Error().Err(err).Msg("periodic sweep failed")
					}
				}); err != nil {
					return fmt.Errorf("schedule sweep: %w", err)
				}
			}
			sweeper.Start()
			defer sweeper.Stop()

			srv := web.NewServer(a.gate, a.db.DB().PingContext)
			httpSrv := &http.Server{
				Addr:              sc.HTTP_ADDR,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Log.Info().Str("addr", sc.HTTP_ADDR).Msg("http server listening")
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			logger.Log.Info().Msg("shutting down http server")
			return httpSrv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().DurationVar(&sweepEvery, "sweep-every", time.Minute, "Sweep interval (0 disables)")
	return cmd
}

// parseParams reads repeated key=value flags. Integers and booleans keep their
// type, everything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
			continue
		}
		out[k] = v
	}
	return out, nil
}
