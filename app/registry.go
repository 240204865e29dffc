// Package app wires the proxy's components together and drives their
// lifecycle: configuration merge, DICOM listener, study pipeline, and
// the control channel.
package app

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/caio-sobreiro/pacsproxy/access"
	"github.com/caio-sobreiro/pacsproxy/backend"
	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/control"
	"github.com/caio-sobreiro/pacsproxy/events"
	"github.com/caio-sobreiro/pacsproxy/locks"
	"github.com/caio-sobreiro/pacsproxy/monitor"
	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/pipeline"
	"github.com/caio-sobreiro/pacsproxy/scu"
	"github.com/caio-sobreiro/pacsproxy/server"
	"github.com/caio-sobreiro/pacsproxy/services"
	"github.com/caio-sobreiro/pacsproxy/storage"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// Version is the proxy release announced to the backend.
const Version = "1.0.0"

// databaseFileName is the SQLite file kept under the storage root.
const databaseFileName = "pacsproxy.db"

// ServiceRegistry holds every long-lived component of the proxy.
type ServiceRegistry struct {
	Config     *config.Store
	DB         *sqlx.DB
	Mappings   *phi.MappingRepository
	Anonymizer *phi.Anonymizer
	Resolver   *phi.Resolver
	Staging    *storage.StagingStore
	Monitor    *monitor.StudyMonitor
	Pipeline   *pipeline.Pipeline
	Backend    *backend.Client
	Dispatcher *scu.Dispatcher
	Locks      *locks.DispatchLockManager
	Access     *access.Controller
	DIMSE      *services.Registry
	Server     *server.Server
	Router     *events.Router
	Channel    *control.Channel
	Logger     *slog.Logger
}

// Build assembles the full component graph from one configuration
// snapshot. Nothing is started; Lifecycle.Run does that.
func Build(cfg *config.Proxy, logger *slog.Logger) (*ServiceRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store := config.NewStore(cfg)

	db, err := storage.Open(filepath.Join(cfg.StorageRoot, databaseFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	mappings := phi.NewMappingRepository(db)
	anonymizer := phi.NewAnonymizer(mappings, logger)
	resolver := phi.NewResolver(mappings, logger)

	staging, err := storage.NewStagingStore(db, mappings, cfg.StorageRoot, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create staging store: %w", err)
	}

	timeout := cfg.StudyTimeout
	if timeout <= 0 {
		timeout = monitor.DefaultTimeout
	}
	studyMonitor := monitor.New(timeout, logger)

	client := backend.NewClient(cfg.BackendURL, cfg.ProxyKey, backend.WithLogger(logger))
	studyPipeline := pipeline.New(staging, client, store, logger)
	studyMonitor.OnComplete(studyPipeline.OnStudyComplete)

	dispatcher := scu.NewDispatcher(cfg.AETitle, logger)
	lockManager := locks.NewDispatchLockManager()
	controller := access.NewController(store, logger)

	dimseRegistry := services.NewRegistry()
	dimseRegistry.SetGuard(controller)
	dimseRegistry.RegisterHandler(types.CEchoRQ, services.NewEchoService())
	dimseRegistry.RegisterHandler(types.CStoreRQ, services.NewStoreService(staging, anonymizer, studyMonitor, store, logger))
	dimseRegistry.RegisterHandler(types.CFindRQ, services.NewFindService(client, resolver, logger))
	dimseRegistry.RegisterHandler(types.CGetRQ, services.NewGetService(staging, resolver, logger))
	dimseRegistry.RegisterHandler(types.CMoveRQ, services.NewMoveService(staging, resolver, controller, dispatcher, logger))

	dicomServer := server.New(server.Endpoint{
		Address: cfg.ListenAddress(),
		AETitle: cfg.AETitle,
	}, dimseRegistry, server.WithLogger(logger))

	router := events.NewRouter(logger)
	health := control.NewHealthWorker(store, dispatcher, Version, logger)
	channel := control.NewChannel(store, client, router, health, Version, logger)

	events.NewDispatchHandler(store, client, staging, resolver, lockManager, dispatcher, channel, logger).RegisterOn(router)
	events.NewDeletionHandler(staging, logger).RegisterOn(router)

	return &ServiceRegistry{
		Config:     store,
		DB:         db,
		Mappings:   mappings,
		Anonymizer: anonymizer,
		Resolver:   resolver,
		Staging:    staging,
		Monitor:    studyMonitor,
		Pipeline:   studyPipeline,
		Backend:    client,
		Dispatcher: dispatcher,
		Locks:      lockManager,
		Access:     controller,
		DIMSE:      dimseRegistry,
		Server:     dicomServer,
		Router:     router,
		Channel:    channel,
		Logger:     logger,
	}, nil
}

// Close releases held resources.
func (r *ServiceRegistry) Close() error {
	return r.DB.Close()
}

// mergeRemote folds the backend's configuration into a copy of the
// local snapshot. Local listener and staging settings stay authoritative
// unless the backend overrides them explicitly.
func mergeRemote(local *config.Proxy, remote *backend.ProxyConfigurationResponse) *config.Proxy {
	next := *local
	next.ProxyID = remote.ID
	next.WorkspaceID = remote.WorkspaceID

	if remote.Config.Port > 0 {
		next.Port = remote.Config.Port
	}
	if remote.Config.AETitle != "" {
		next.AETitle = remote.Config.AETitle
	}
	if remote.Config.Mode != "" {
		next.Mode = remote.Config.Mode
	}
	next.EnablePHIAnonymization = remote.Config.EnablePHIAnonymization
	if remote.Config.ResolverInformationURL != "" {
		next.ResolverAPIURL = remote.Config.ResolverInformationURL
	}

	next.Nodes = make([]config.NodeConfig, 0, len(remote.Nodes))
	for _, node := range remote.Nodes {
		next.Nodes = append(next.Nodes, config.NodeConfig{
			NodeID:            node.ID,
			Name:              node.Name,
			AETitle:           node.AETitle,
			Host:              node.Host,
			Port:              node.Port,
			IsActive:          node.IsActive,
			Permission:        node.Permission,
			ConnectionTimeout: time.Duration(node.ConnectionTimeout) * time.Second,
			MaxPDUSize:        node.MaxPDUSize,
			RetryCount:        node.RetryCount,
			RetryDelay:        time.Duration(node.RetryDelay) * time.Second,
		})
	}
	return &next
}
