package cmds

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/forkline/pkg/server"
	"github.com/go-go-golems/forkline/pkg/settings"
)

func NewServeCommand() *cobra.Command {
	var (
		address string
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, func(s *settings.Settings) {
				if address != "" {
					s.Server.Address = address
				}
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close application")
				}
			}()

			srv := server.NewServer(app.Store, app.Controller,
				server.WithModelLister(app.Engine),
				server.WithEventRouter(app.Router),
				server.WithAllowedOrigins(origins...),
				server.WithGenerationContext(ctx),
			)

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return app.Router.Run(ctx)
			})
			eg.Go(func() error {
				<-app.Router.Running()
				return srv.Run(ctx, app.Settings.Server.Address)
			})

			err = eg.Wait()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Listen address (default from server.address, :8080)")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "CORS origins allowed to call the API (default: any)")
	return cmd
}
