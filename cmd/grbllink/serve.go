package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mastercactapus/grbllink/dispatch"
	"github.com/mastercactapus/grbllink/health"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger()

	l := newLink(cfg, logger)
	defer l.Close()
	d := dispatch.New(l, cfg.Dispatch, logger)
	m := health.New(d, l, cfg.Health, logger)
	a := newAPI(d, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if l.run != nil {
		g.Go(func() error { return l.run(ctx) })
	}
	g.Go(func() error { return d.Run(ctx) })
	g.Go(func() error { return m.Run(ctx) })
	g.Go(func() error { return a.Run(ctx) })
	if l.open != nil {
		// a failed first open is left to the health monitor
		go l.open(ctx)
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "*")
			logger.Printf("%s %s - %s", req.Method, req.URL.Path, req.RemoteAddr)
			a.ServeHTTP(w, req)
		}),
	}
	g.Go(func() error {
		logger.Println("Listening on", cfg.Listen)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		a.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
