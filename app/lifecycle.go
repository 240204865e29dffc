package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caio-sobreiro/pacsproxy/events"
	"github.com/caio-sobreiro/pacsproxy/server"
)

// shutdownGrace bounds how long shutdown waits for background work.
const shutdownGrace = 10 * time.Second

// Lifecycle starts and stops the proxy's long-running parts in order:
// configuration sync, study monitor, DICOM listener, control channel.
type Lifecycle struct {
	reg *ServiceRegistry
}

// NewLifecycle creates a lifecycle driver over a built registry and
// binds the configuration-change events to it.
func NewLifecycle(reg *ServiceRegistry) *Lifecycle {
	l := &Lifecycle{reg: reg}
	events.NewConfigHandler(l, reg.Logger).RegisterOn(reg.Router)
	return l
}

// Run serves until ctx is cancelled, then shuts down in order: DICOM
// listener first, then the final offline report and control channel.
func (l *Lifecycle) Run(ctx context.Context) error {
	logger := l.reg.Logger

	online := l.syncConfiguration(ctx)
	if !online {
		logger.Warn("Backend unavailable, running in local-only mode")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.reg.Monitor.Run(runCtx)
	}()

	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverErr <- l.serveDICOM(runCtx)
	}()

	if online {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.reg.Channel.Run(runCtx)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		logger.Error("DICOM server failed", "error", err)
	}

	l.shutdown(cancel, &wg, online)
	return err
}

// syncConfiguration fetches the backend configuration and swaps it in.
// Returns false when the backend cannot be reached; the proxy then
// serves with local settings only.
func (l *Lifecycle) syncConfiguration(ctx context.Context) bool {
	snapshot := l.reg.Config.Current()
	if snapshot.BackendURL == "" || snapshot.ProxyKey == "" {
		l.reg.Logger.Info("No backend configured, serving locally")
		return false
	}

	if err := l.ReloadConfiguration(ctx); err != nil {
		l.reg.Logger.Warn("Initial configuration fetch failed", "error", err)
		return false
	}
	return true
}

// ReloadConfiguration re-fetches the backend configuration, publishes
// the merged snapshot, and restarts the DICOM listener when its
// endpoint changed. Implements events.ConfigReloader.
func (l *Lifecycle) ReloadConfiguration(ctx context.Context) error {
	remote, err := l.reg.Backend.FetchConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch configuration: %w", err)
	}
	if !remote.IsActive {
		l.reg.Logger.Warn("Proxy is marked inactive on the backend")
	}

	current := l.reg.Config.Current()
	next := mergeRemote(current, remote)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("backend configuration rejected: %w", err)
	}
	l.reg.Config.Swap(next)

	l.reg.Logger.Info("Configuration applied",
		"proxy_id", next.ProxyID,
		"workspace_id", next.WorkspaceID,
		"port", next.Port,
		"ae_title", next.AETitle,
		"nodes", len(next.Nodes))

	l.reg.Server.ApplyEndpoint(server.Endpoint{
		Address: next.ListenAddress(),
		AETitle: next.AETitle,
	})
	return nil
}

// serveDICOM runs the listener on the current snapshot's endpoint; the
// server rebinds itself when ReloadConfiguration applies a new one.
func (l *Lifecycle) serveDICOM(ctx context.Context) error {
	snapshot := l.reg.Config.Current()
	l.reg.Server.ApplyEndpoint(server.Endpoint{
		Address: snapshot.ListenAddress(),
		AETitle: snapshot.AETitle,
	})
	return l.reg.Server.Run(ctx)
}

// shutdown cancels background work and joins it within the grace
// period. The offline report goes out after the listener stops so no
// new work arrives behind it.
func (l *Lifecycle) shutdown(cancel context.CancelFunc, wg *sync.WaitGroup, online bool) {
	logger := l.reg.Logger
	logger.Info("Shutting down")

	cancel()

	if online {
		reportCtx, reportCancel := context.WithTimeout(context.Background(), shutdownGrace)
		l.reg.Channel.Shutdown(reportCtx)
		reportCancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-time.After(shutdownGrace):
		logger.Warn("Shutdown timed out, exiting anyway")
	}
}
