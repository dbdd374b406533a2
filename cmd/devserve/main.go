package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devserve/devserve/devserver"
	"github.com/devserve/devserve/middleware"
)

func main() {
	app := &cli.App{
		Name:  "devserve",
		Usage: "supervise a local dev server and reverse-proxy traffic to it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dir",
				Usage:    "Source directory the dev server runs in.",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "script",
				Usage:    "Script name passed to the runner, e.g. 'serve'.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "runner",
				Usage: "Script runner used to launch the dev server.",
				Value: devserver.DefaultRunner,
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:8080",
			},
			&cli.DurationFlag{
				Name:  "ready-timeout",
				Usage: "Duration to wait for the dev server's ready signal.",
				Value: devserver.DefaultReadyTimeout,
			},
			&cli.DurationFlag{
				Name:  "settle-delay",
				Usage: "Grace period between the ready signal and serving traffic.",
				Value: devserver.DefaultSettleDelay,
			},
			&cli.BoolFlag{
				Name:  "probe",
				Usage: "Verify the dev server answers HTTP before serving traffic.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	var logger *zap.Logger
	var err error
	if c.Bool("debug") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	opts := []middleware.Option{
		middleware.WithLogger(logger),
		middleware.WithRunner(c.String("runner")),
		middleware.WithReadyTimeout(c.Duration("ready-timeout")),
		middleware.WithSettleDelay(c.Duration("settle-delay")),
	}
	if c.Bool("probe") {
		opts = append(opts, middleware.WithSettleProbe())
	}

	mw, err := middleware.New(c.String("dir"), c.String("script"), opts...)
	if err != nil {
		return fmt.Errorf("building middleware: %w", err)
	}
	defer mw.Close()

	router := httprouter.New()
	router.GET("/healthz", healthz(mw, logger.Sugar()))
	router.POST("/build", triggerBuild(mw))
	// Everything else is dev server traffic; the middleware is terminal.
	router.NotFound = mw

	server := &http.Server{
		Addr:    c.String("listen-addr"),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func healthz(mw *middleware.Middleware, log *zap.SugaredLogger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		response := struct {
			InstanceID string
			Ready      bool
			Endpoint   string `json:",omitempty"`
		}{
			InstanceID: mw.ID(),
			Ready:      mw.Ready(),
		}
		if response.Ready {
			if ep, err := mw.Endpoint(r.Context()); err == nil {
				response.Endpoint = ep.String()
			}
		}
		b, err := json.Marshal(response)
		if err != nil {
			log.Debugf("error marshaling healthz response: %s", err)
		}
		w.Header().Add("Content-Type", "application/json")
		w.Write(b)
	}
}

func triggerBuild(mw *middleware.Middleware) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := mw.Builder().Build(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
