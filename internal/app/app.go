// Package app wires configuration into the export pipeline components.
package app

import (
	"fmt"

	"github.com/timmy/claimexport/internal/config"
	"github.com/timmy/claimexport/internal/logger"
	"github.com/timmy/claimexport/internal/repository"
	"github.com/timmy/claimexport/internal/service"
	"github.com/timmy/claimexport/internal/storage"
)

// App holds the assembled pipeline.
type App struct {
	Config    *config.Config
	Logger    *logger.Logger
	Store     repository.KVStore
	Ledger    *service.JobLedger
	Exports   *service.ExportService
	Assembler *service.ExportAssembler
	Publisher *service.Publisher
	Progress  *service.LatestObserver
}

// New opens the configured store and output storage and builds the pipeline
// against the live claims platform.
func New(cfg *config.Config, log *logger.Logger, observers ...service.ProgressObserver) (*App, error) {
	store, err := repository.OpenKVStore(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	objectStorage, err := storage.NewStorage(StorageConfig(&cfg.Output))
	if err != nil {
		return nil, fmt.Errorf("init output storage: %w", err)
	}

	api := service.NewClaimAPIClient(&service.ClaimAPIConfig{
		BaseURL:           cfg.Remote.BaseURL,
		SessionCookie:     cfg.Remote.SessionCookie,
		UserAgent:         cfg.Remote.UserAgent,
		Timeout:           cfg.Remote.Timeout,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
	})

	return Build(cfg, log, store, api, objectStorage, observers...), nil
}

// Build assembles the pipeline from already constructed dependencies.
// objectStorage may be nil, in which case publishing is unavailable.
func Build(
	cfg *config.Config,
	log *logger.Logger,
	store repository.KVStore,
	api service.ClaimAPI,
	objectStorage storage.ObjectStorage,
	observers ...service.ProgressObserver,
) *App {
	ledger := service.NewJobLedger(store, cfg.Export.StaleAfter)

	fetcher := service.NewClaimFetcher(api, &service.FetcherConfig{
		FolderPace:        cfg.Export.FolderPace,
		MaxFolderDepth:    cfg.Export.MaxFolderDepth,
		ReservedFolderKey: cfg.Export.ReservedFolderKey,
	})

	progress := &service.LatestObserver{}
	all := append(service.Observers{progress}, observers...)

	exports := service.NewExportService(ledger, fetcher, all, log, &service.ExportConfig{
		PaceMin:       cfg.Export.PaceMin,
		PaceMax:       cfg.Export.PaceMax,
		TestModeLimit: cfg.Export.TestModeLimit,
	})

	assembler := service.NewExportAssembler(ledger, &service.AssemblerConfig{
		BatchSize:    cfg.Assembler.BatchSize,
		Version:      cfg.Assembler.Version,
		Source:       cfg.Assembler.Source,
		ExportMethod: cfg.Assembler.ExportMethod,
	})

	var publisher *service.Publisher
	if objectStorage != nil {
		publisher = service.NewPublisher(assembler, objectStorage, cfg.Output.Prefix)
	}

	return &App{
		Config:    cfg,
		Logger:    log,
		Store:     store,
		Ledger:    ledger,
		Exports:   exports,
		Assembler: assembler,
		Publisher: publisher,
		Progress:  progress,
	}
}

// StorageConfig maps the output section to storage settings.
func StorageConfig(out *config.OutputConfig) *storage.Config {
	return &storage.Config{
		Type:      storage.StorageType(out.Type),
		LocalDir:  out.LocalDir,
		Endpoint:  out.Endpoint,
		AccessKey: out.AccessKey,
		SecretKey: out.SecretKey,
		UseSSL:    out.UseSSL,
		Bucket:    out.Bucket,
		Region:    out.Region,
		PublicURL: out.PublicURL,
	}
}
