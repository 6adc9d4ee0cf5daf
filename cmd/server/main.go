/*
main.go - Application entry point

PURPOSE:
  Command tree for the benefit pool server.

COMMANDS:
  server                          Same as "server serve"
  server serve                    Start the HTTP server (see serve.go)
  server benefit-duration <m>     Print the coverage months for m months worked

FLAGS (serve):
  --config-dir   Directory holding an optional .env (default: .)
  --port         Overrides SERVER_PORT
  --db           Overrides DATABASE_PATH ("memory" for the in-process store)

ENVIRONMENT:
  See config/config.go. A .env in the working directory is loaded first.

EXAMPLES:
  # Local run without tokens
  AUTH_DISABLED=true ./server

  # In-memory store on another port
  AUTH_DISABLED=true ./server serve --db=memory --port=3000

  # Coverage table lookup
  ./server benefit-duration 36

SEE ALSO:
  - serve.go: Adapter selection and graceful shutdown
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/warp/benefit-pool/insurance"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree. The root runs serve.
func NewRootCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Pooled unemployment-benefit ledger",
		Long:         "Employers pay premiums into a shared pool; former employees draw monthly benefits from it.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	opts.bind(cmd)

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewBenefitDurationCommand())
	return cmd
}

func NewServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

func NewBenefitDurationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "benefit-duration <months>",
		Short: "Print the benefit months earned by an employment length",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			months, err := strconv.Atoi(args[0])
			if err != nil || months < 0 {
				return fmt.Errorf("months must be a non-negative integer, got %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d months employed: %d months of benefits\n",
				months, insurance.CalculateBenefitDuration(months))
			return nil
		},
	}
}
