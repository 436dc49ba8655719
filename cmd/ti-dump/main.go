// Command ti-dump runs a small managed runtime with a few worker threads and
// serves the tool interface's thread dump over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/DataExMachina-dev/side-eye-ti/telemetry"
	"github.com/DataExMachina-dev/side-eye-ti/ti"
	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

func main() {
	var (
		addrF    = flag.String("addr", "localhost:8080", "HTTP listen address")
		workersF = flag.Int("workers", 4, "Number of worker threads to run")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *addrF, *workersF); err != nil {
		log.Fatalf(ctx, err, "ti-dump failed")
	}
}

func run(ctx context.Context, addr string, workers int) error {
	rt, err := vm.New(ctx,
		vm.WithLogger(telemetry.NewClueLogger()),
		vm.WithMetrics(telemetry.NewClueMetrics()))
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	self, err := rt.Attach("main", false)
	if err != nil {
		return fmt.Errorf("failed to attach main thread: %w", err)
	}
	defer self.Detach()

	env := ti.NewEnv(rt, self,
		ti.WithErrorLogger(func(err error) {
			log.Error(ctx, err, log.KV{K: "msg", V: "tool interface error"})
		}),
		ti.WithEventCallbacks(ti.EventCallbacks{
			ThreadStart: func(_ *ti.Env, _ *vm.Thread, peer *vm.Peer) {
				log.Info(ctx, log.KV{K: "msg", V: "thread started"}, log.KV{K: "thread", V: peer.Name()})
			},
			ThreadEnd: func(_ *ti.Env, _ *vm.Thread, peer *vm.Peer) {
				log.Info(ctx, log.KV{K: "msg", V: "thread ended"}, log.KV{K: "thread", V: peer.Name()})
			},
		}))
	defer func() {
		if err := env.Dispose(self); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "failed to dispose tool environment"})
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for i := 0; i < workers; i++ {
		peer := rt.NewPeer(vm.PeerConfig{Name: fmt.Sprintf("worker-%d", i), Daemon: true})
		if err := rt.StartThread(peer, func(th *vm.Thread) { work(ctx, th) }); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/threads", ti.HttpHandler(env))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "serving thread dump"}, log.KV{K: "addr", V: addr + "/threads"})
		errc <- srv.ListenAndServe()
	}()

	err = <-errc
	log.Print(ctx, log.KV{K: "msg", V: "exiting"}, log.KV{K: "cause", V: err.Error()})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// work alternates between running and sleeping until ctx is done.
func work(ctx context.Context, self *vm.Thread) {
	for {
		deadline := time.Now().Add(50 * time.Millisecond)
		for time.Now().Before(deadline) {
			self.SuspendCheck()
		}
		restore := self.ScopedState(vm.Sleeping)
		select {
		case <-ctx.Done():
			restore()
			return
		case <-time.After(50 * time.Millisecond):
		}
		restore()
	}
}
