// ============================================================================
// tilebreeder CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running a node and for driving jobs on a
//          running cluster over RPC.
//
// Command Structure:
//   tilebreeder
//   ├── run                        # Start a node
//   ├── submit                     # Create a SEED/RESEED/TRUNCATE job
//   │   ├── --type, --layer, --zoom-start, --zoom-stop, --bounds z:x0,y0,x1,y1
//   │   └── --range-file           # YAML tile range instead of flags
//   ├── status <job-id>            # Aggregated job status
//   ├── terminate <job-id>         # Stop a job cluster-wide
//   ├── jobs                       # Jobs registered on a node
//   ├── --config, -c               # Node config file (run)
//   └── --addr                     # Node RPC address (client commands)
//
// Configuration:
//   YAML file, see Config. Without --config every setting takes its default
//   and the node runs alone on an in-process fabric.
//
// run Command:
//   1. Load and validate config, set up the process logger
//   2. Open the fabric (memory or etcd), build the breeder and RPC server
//   3. Start the breeder, serve RPC and /metrics (if enabled)
//   4. On SIGINT/SIGTERM: drain RPC, stop the breeder, leave the cluster
//
// Examples:
//   tilebreeder run -c node.yaml
//   tilebreeder submit --type seed --layer roads --zoom-stop 2 \
//       --bounds 0:0,0,1,0 --bounds 1:0,0,3,1 --bounds 2:0,0,7,3 --parallelism 4
//   tilebreeder status 12 --addr 10.0.0.5:7400
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/tilebreeder/internal/transport"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

var (
	configFile string
	nodeAddr   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tilebreeder",
		Short: "tilebreeder: distributed tile seeding across cluster nodes",
		Long: `tilebreeder spreads tile seed, reseed and truncate jobs over every node
of a cluster:
- jobs are announced through a shared fabric (in-process or etcd)
- every node runs its own share of the tiles
- the originating node aggregates status and terminates cluster-wide`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&nodeAddr, "addr", "127.0.0.1"+defaultListen, "RPC address of the node to talk to")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildTerminateCommand())
	rootCmd.AddCommand(buildJobsCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a tilebreeder node",
		Long:  "Join the cluster described by the config file and run this node's share of every job.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, cmd.ErrOrStderr())
		},
	}
}

func runNode(ctx context.Context, cfg *Config, logOut io.Writer) error {
	logger := newLogger(cfg, logOut)
	slog.SetDefault(logger)

	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	return n.run(ctx)
}

func buildSubmitCommand() *cobra.Command {
	var (
		opName       string
		rangeFile    string
		bounds       []string
		rng          types.TileRange
		parallelism  int
		filterUpdate bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a seed, reseed or truncate job",
		Long:  "Create a job on the node at --addr. That node becomes the job's originator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := types.ParseOperationType(opName)
			if err != nil {
				return err
			}
			req := transport.SubmitRequest{Type: op, Parallelism: parallelism, FilterUpdate: filterUpdate}
			if rangeFile != "" {
				if req.Range, err = loadRange(rangeFile); err != nil {
					return err
				}
			} else {
				if rng.Bounds, err = parseBounds(bounds); err != nil {
					return err
				}
				req.Range = rng
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *transport.Client) error {
				id, err := c.SubmitJob(ctx, nodeAddr, req)
				if err != nil {
					return fmt.Errorf("submit to %s: %w", nodeAddr, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d submitted to %s\n", id, nodeAddr)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opName, "type", "seed", "operation: seed, reseed or truncate")
	cmd.Flags().StringVarP(&rangeFile, "range-file", "f", "", "YAML file with the tile range")
	cmd.Flags().StringVar(&rng.LayerName, "layer", "", "layer name")
	cmd.Flags().StringVar(&rng.GridSetID, "gridset", "EPSG:4326", "grid set id")
	cmd.Flags().StringVar(&rng.Format, "format", "image/png", "tile format")
	cmd.Flags().IntVar(&rng.ZoomStart, "zoom-start", 0, "first zoom level")
	cmd.Flags().IntVar(&rng.ZoomStop, "zoom-stop", 0, "last zoom level")
	cmd.Flags().StringArrayVar(&bounds, "bounds", nil, "tile bounds per zoom as z:minx,miny,maxx,maxy (repeatable)")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 1, "tasks on the originating node")
	cmd.Flags().BoolVar(&filterUpdate, "filter-update", false, "update parameter filters when done")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show aggregated job status",
		Long:  "Ask the node at --addr for a job's status. On the originator this covers every node.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *transport.Client) error {
				st, err := c.GetJobStatus(ctx, nodeAddr, id, false)
				if err != nil {
					return fmt.Errorf("status of job %d: %w", id, err)
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")
	return cmd
}

func buildTerminateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <job-id>",
		Short: "Terminate a job",
		Long:  "Stop a job. Sent to the originator it stops the job on every node; elsewhere only locally.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *transport.Client) error {
				if err := c.TerminateJob(ctx, nodeAddr, id); err != nil {
					return fmt.Errorf("terminate job %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d terminated\n", id)
				return nil
			})
		},
	}
}

func buildJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs registered on a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *transport.Client) error {
				resp, err := c.ListJobs(ctx, nodeAddr)
				if err != nil {
					return fmt.Errorf("list jobs on %s: %w", nodeAddr, err)
				}
				printJobs(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
}

func withClient(ctx context.Context, fn func(context.Context, *transport.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c := transport.NewClient(0)
	defer c.Close()
	return fn(ctx, c)
}

func parseJobID(s string) (types.JobID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return types.JobID(n), nil
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
