package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/cmd/syncd/handlers"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the background sync daemon.

The daemon runs a full sync at startup and after every reconnect, an
incremental sync every sync.interval, and an incremental sync whenever a
write is queued here or in another process sharing the data directory.
Status, conflicts and manual triggers are served over REST and WebSocket.

Run one daemon per data directory. It is the only process that drains the
queue; other syncd commands sharing the directory just queue writes and
signal it.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return err
	}
	return a.serve(ctx, ln)
}

// serve runs the scheduler, connectivity probe and HTTP server on ln until
// ctx ends.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	watcher, err := a.notifier()
	if err != nil {
		ln.Close()
		return err
	}

	sched := scheduler.NewScheduler(a.engine, watcher, &scheduler.SchedulerConfig{
		SyncInterval: a.cfg.Sync.Interval,
	})
	a.engine.Queue().OnChange(func(ev queue.Event) {
		if ev == queue.EventEnqueued {
			sched.Notify()
		}
	})
	a.monitor.OnChange(sched.SetOnlineStatus)

	hub := NewWSHub()
	defer hub.Close()
	a.engine.SetEventHandler(hub)
	updates, unsubscribe := a.engine.StatusStore().Subscribe()
	defer unsubscribe()
	hub.WatchStatus(updates)

	mux := http.NewServeMux()
	handlers.NewSyncHandler(a.engine).Register(mux)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.monitor.Probe(ctx)
	sched.SetOnlineStatus(a.monitor.IsOnline())
	a.monitor.Start(ctx)
	defer a.monitor.Stop()
	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logging.Info("syncd started", map[string]interface{}{
		"listen":      ln.Addr().String(),
		"instance_id": a.cfg.InstanceID,
		"resources":   a.cfg.ResourceNames(),
	})

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	logging.Info("syncd stopped", nil)
	return nil
}
