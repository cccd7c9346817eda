package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesselworks/plexus/core/channels"
	"github.com/vesselworks/plexus/core/comm"
	"github.com/vesselworks/plexus/core/config"
	"github.com/vesselworks/plexus/core/messaging"
	"github.com/vesselworks/plexus/core/system"
)

var upFor time.Duration

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the kernel with a demo agent mesh",
	Long: `Start the substrate and run a small synthetic mesh: a coordinator
pinging workers, an allocation cycling between held and released, and a
monitor narrating the event channels. Runs until interrupted.`,
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
	upCmd.Flags().DurationVar(&upFor, "for", 0,
		"Shut down after this long (0 runs until interrupt)")
}

func runUp(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := manager.Get()
	setupLogging(cfg.Log)
	logger := slog.Default()

	manager.OnChange(func(*config.Config) {
		logger.Info("configuration changed on disk, restart to apply")
	})
	if err := manager.Watch(); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}
	defer manager.Close()

	sys, err := system.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if upFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, upFor)
		defer cancel()
	}

	if err := sys.Start(ctx); err != nil {
		sys.Close()
		return err
	}
	if err := startDemoMesh(ctx, sys, logger); err != nil {
		sys.Close()
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return sys.Close()
}

// =============================================================================
// Demo Mesh
// =============================================================================

// demoWorker answers pings once its facade is bound. The facade only
// exists after Connect, which already needs the handler.
type demoWorker struct {
	name   string
	mu     sync.Mutex
	facade *comm.Communicator
}

func (w *demoWorker) bind(facade *comm.Communicator) {
	w.mu.Lock()
	w.facade = facade
	w.mu.Unlock()
}

func (w *demoWorker) handle(msg *messaging.Message) error {
	w.mu.Lock()
	facade := w.facade
	w.mu.Unlock()
	if facade == nil || msg.Kind != "task.ping" {
		return nil
	}

	_, err := facade.Reply(msg, messaging.New("task.pong", map[string]any{
		"worker":    w.name,
		"answer_to": msg.ID,
	}))
	return err
}

func startDemoMesh(ctx context.Context, sys *system.System, logger *slog.Logger) error {
	monitorLog := logger.With("agent", "monitor")
	monitor, err := sys.Connect("monitor", []string{"observability"}, func(msg *messaging.Message) error {
		monitorLog.Info("observed", "kind", msg.Kind, "from", msg.From)
		return nil
	})
	if err != nil {
		return err
	}
	for _, channel := range []string{
		channels.AgentLifecycle,
		channels.ResourceEvents,
		channels.ErrorEvents,
		channels.HealthMonitoring,
	} {
		if err := sys.JoinChannel(channel, monitor.ID()); err != nil {
			return err
		}
	}

	for _, name := range []string{"worker-alpha", "worker-beta"} {
		worker := &demoWorker{name: name}
		facade, err := sys.Connect(name, []string{"content-generation"}, worker.handle)
		if err != nil {
			return err
		}
		worker.bind(facade)
	}

	coordLog := logger.With("agent", "coordinator")
	coordinator, err := sys.Connect("coordinator", []string{"orchestration"}, func(msg *messaging.Message) error {
		if msg.Kind == "task.pong" {
			coordLog.Info("pong", "from", msg.From)
		}
		return nil
	})
	if err != nil {
		return err
	}

	go coordinate(ctx, coordinator, coordLog)
	return nil
}

// coordinate drives the demo traffic: alternating pings, one allocation
// cycling between held and released, and a periodic broadcast.
func coordinate(ctx context.Context, coordinator *comm.Communicator, logger *slog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	workers := coordinator.Discover("content-generation")
	if len(workers) == 0 {
		logger.Warn("no workers discovered")
		return
	}

	var held string
	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		target := workers[seq%len(workers)]
		ping := messaging.New("task.ping", map[string]any{"seq": seq}).
			WithPriority(messaging.PriorityHigh)
		if _, err := coordinator.Send(target, ping); err != nil {
			logger.Warn("ping failed", "target", target, "error", err)
		}

		if held != "" {
			coordinator.Release(held)
			held = ""
		} else if record, err := coordinator.RequestResources("memory", "64MB"); err != nil {
			logger.Warn("allocation denied", "error", err)
		} else {
			held = record.ID
			logger.Info("holding memory", "allocation_id", record.ID)
		}

		if seq%5 == 4 {
			heartbeat := messaging.New("status.heartbeat", map[string]any{"seq": seq})
			if _, err := coordinator.Broadcast(heartbeat); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
