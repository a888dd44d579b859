package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/wowowow-64/weekwise/api"
	"github.com/wowowow-64/weekwise/assist"
	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/planner"
	"github.com/wowowow-64/weekwise/storage"
)

const defaultListen = "127.0.0.1:9002"

var (
	listenAddr   string
	allowOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the planner service",
	Long: `Start the planner service for the signed-in user of this machine.

The listen address defaults to WEEKWISE_LISTEN or ` + defaultListen + `.
Pages served from other origins may call the service only when listed in
--allow-origin or WEEKWISE_ALLOWED_ORIGINS (comma separated).`,
	RunE: runServe,
}

func init() {
	addr := os.Getenv("WEEKWISE_LISTEN")
	if addr == "" {
		addr = defaultListen
	}
	serveCmd.Flags().StringVar(&listenAddr, "listen", addr, "Address to listen on")
	serveCmd.Flags().StringSliceVar(&allowOrigins, "allow-origin", parseOrigins(os.Getenv("WEEKWISE_ALLOWED_ORIGINS")), "Origin allowed to call the service from a browser (repeatable)")
}

func parseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// corsMiddleware lets pages of origins read responses. With no origins
// only same-origin pages can.
func corsMiddleware(origins []string) echo.MiddlewareFunc {
	if len(origins) == 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	store, err := openPrefs()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Watch(ctx); err != nil {
		log.WithError(err).Warn("prefs: changes from other processes will not be seen")
	}

	deployment, err := backend.DeploymentConfig()
	if err != nil {
		log.WithError(err).Warn("deployment configuration ignored")
		deployment = backend.Config{}
	}

	logger := log.StandardLogger()
	manager := backend.NewManager(store, deployment, storage.NewDialer(store, logger), logger)
	defer manager.Close()
	session := planner.NewSession(manager, logger)
	defer session.Close()
	tasks := planner.NewTasks(session, manager, logger)
	defer tasks.Close()
	notes := planner.NewNotes(session, manager, logger)
	defer notes.Close()

	var starting sync.WaitGroup
	starting.Add(1)
	go func() {
		defer starting.Done()
		session.Start(ctx)
	}()
	defer starting.Wait()

	origins := parseOrigins(strings.Join(allowOrigins, ","))
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(corsMiddleware(origins))
	api.Register(e, api.Deps{
		Manager:        manager,
		Prefs:          store,
		Session:        session,
		Tasks:          tasks,
		Notes:          notes,
		Bridge:         assist.FromEnv(ctx, logger),
		Logger:         logger,
		AllowedOrigins: origins,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithField("addr", listenAddr).Info("weekwise listening")
	if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
