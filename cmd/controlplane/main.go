/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gridmesh/controlplane/pkg/operator"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/operator/options"
)

func main() {
	root := &cobra.Command{
		Use:          "controlplane",
		Short:        "gridmesh vm orchestration control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args)
		},
	}
	// Flag parsing stays with the options flag set so env defaults apply.
	root.DisableFlagParsing = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	opts := options.New().MustParse(args)
	logger := logging.NewLogger(opts.Development)
	ctx = logging.IntoContext(ctx, logger)

	op, err := operator.New(ctx, opts)
	if err != nil {
		return err
	}
	logger.Info("starting control plane", "listen-address", opts.ListenAddress, "state-dir", opts.StateDir)
	return op.Start(ctx)
}
