// Package servecmd implements the serve subcommand: run the engine with
// a status and metrics endpoint for inspection.
package servecmd

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/gotexfetch/cmd/common"
)

// Command builds the serve subcommand.
func Command(cfgFile *string, debug *bool) *cobra.Command {
	var capBase string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch engine with a status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := common.Build(*cfgFile, *debug, capBase)
			if err != nil {
				return err
			}
			defer deps.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !*debug {
				gin.SetMode(gin.ReleaseMode)
			}
			router := gin.New()
			router.Use(gin.Recovery())

			router.GET("/healthz", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})
			router.GET("/stats", func(c *gin.Context) {
				counters := deps.Engine.Registry().Counters()
				c.JSON(http.StatusOK, gin.H{
					"workers":             deps.Engine.WorkerCount(),
					"queued_requests":     counters.Queued,
					"active_requests":     counters.Active,
					"dispatched_requests": counters.Added,
					"http_requests_total": deps.Engine.TotalHTTPRequests(),
					"bandwidth_kbps":      deps.Engine.TextureBandwidth(),
				})
			})
			router.GET("/metrics", gin.WrapH(promhttp.Handler()))

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", deps.Config.Serve.Port),
				Handler: router,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return deps.Engine.Run(ctx) })
			g.Go(func() error {
				deps.Log.Info("status endpoint listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				return srv.Close()
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&capBase, "capability-url", "", "asset service base URL")
	return cmd
}
