// Package fetchcmd implements the fetch subcommand: retrieve one asset
// through the pipeline and write its bytes to disk.
package fetchcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/gotexfetch/cmd/common"
	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/fetch"
)

const pollInterval = 50 * time.Millisecond

// Command builds the fetch subcommand.
func Command(cfgFile *string, debug *bool) *cobra.Command {
	var (
		rawURL   string
		rawID    string
		capBase  string
		discard  int
		output   string
		priority float32
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch one asset and write it to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rawID == "" {
				return errors.New("--id is required")
			}
			id, err := domain.ParseAssetID(rawID)
			if err != nil {
				return fmt.Errorf("parse asset id: %w", err)
			}

			deps, err := common.Build(*cfgFile, *debug, capBase)
			if err != nil {
				return err
			}
			defer deps.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			engineCtx, stopEngine := context.WithCancel(context.Background())
			defer stopEngine()
			errCh := make(chan error, 1)
			go func() { errCh <- deps.Engine.Run(engineCtx) }()

			if err := deps.Engine.CreateRequest(
				rawURL, id, "", priority, 0, 0, 0, discard, false, true,
			); err != nil {
				return fmt.Errorf("create request: %w", err)
			}

			res, err := waitForAsset(ctx, deps.Engine, id)
			if err != nil {
				return err
			}

			if err := os.WriteFile(output, res.Raw.Data, 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			deps.Log.Info("asset fetched",
				"asset_id", id.String(),
				"discard", res.Discard,
				"bytes", len(res.Raw.Data),
				"output", output,
			)

			stopEngine()
			<-errCh
			return nil
		},
	}

	cmd.Flags().StringVar(&rawURL, "url", "", "explicit asset URL (http:// or file://)")
	cmd.Flags().StringVar(&rawID, "id", "", "asset ID (UUID)")
	cmd.Flags().StringVar(&capBase, "capability-url", "", "asset service base URL")
	cmd.Flags().IntVar(&discard, "discard", 0, "desired discard level (0 = full resolution)")
	cmd.Flags().StringVarP(&output, "output", "o", "asset.j2c", "output file")
	cmd.Flags().Float32Var(&priority, "priority", 1000, "fetch priority")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall fetch timeout")

	return cmd
}

// waitForAsset polls the engine until the asset is ready or aborted.
func waitForAsset(ctx context.Context, engine *fetch.Engine, id domain.AssetID) (fetch.Result, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fetch.Result{}, fmt.Errorf("fetch %s: %w", id, ctx.Err())
		case <-ticker.C:
			res, status := engine.PollFinished(id)
			switch status {
			case fetch.StatusReady:
				return res, nil
			case fetch.StatusAborted:
				return fetch.Result{}, fmt.Errorf("fetch %s: aborted", id)
			case fetch.StatusNotReady:
			}
		}
	}
}
