package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/cancel"
	"github.com/openfroyo/polemarch/pkg/config"
	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/executor"
	"github.com/openfroyo/polemarch/pkg/policy"
	"github.com/openfroyo/polemarch/pkg/repo"
	"github.com/openfroyo/polemarch/pkg/service"
	"github.com/openfroyo/polemarch/pkg/stores"
	"github.com/openfroyo/polemarch/pkg/telemetry"
	"github.com/openfroyo/polemarch/pkg/workspace"
)

// app holds the components shared by every command that touches state.
type app struct {
	cfg        *config.Config
	tel        *telemetry.Telemetry
	store      *stores.SQLiteStore
	workspaces *workspace.Manager
	exec       *executor.Executor
	cancel     engine.CancellationChannel
	policy     *policy.Engine
	svc        *service.Service
}

// openApp loads the configuration and wires the store, the synchronizer, the
// executor, the cancellation channel and the service.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(ctx, configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Logger.Install()

	a := &app{cfg: cfg, tel: tel}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	a.store, err = stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := a.store.Init(ctx); err != nil {
		return nil, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, err
	}

	if a.workspaces, err = workspace.NewManager(cfg.Workspaces.Root); err != nil {
		return nil, err
	}

	if a.cancel, err = openCancelChannel(ctx, cfg.Cancel); err != nil {
		return nil, err
	}

	a.exec = executor.New(a.store, a.cancel, a.workspaces, executor.Options{
		PlaybookBinary: cfg.Executor.PlaybookBinary,
		ModuleBinary:   cfg.Executor.ModuleBinary,
		PollInterval:   cfg.Executor.PollInterval,
		GracePeriod:    cfg.Executor.GracePeriod,
		MaxRuntime:     cfg.Executor.MaxRuntime,
		FactsTTL:       cfg.Executor.FactsTTL,
		InventoryDir:   cfg.Executor.InventoryDir,
		Env:            cfg.Executor.Env,
		Telemetry:      tel,
	})

	syncer := repo.NewSynchronizer(a.store, a.workspaces, repo.Options{
		Backends: []repo.Backend{
			repo.NewManualBackend(),
			repo.NewArchiveBackend(repo.ArchiveOptions{SSH: &cfg.SSH}),
			repo.NewGitBackend(repo.GitOptions{}),
		},
		Telemetry: tel,
	})

	if cfg.Policy.Enabled {
		if a.policy, err = policy.NewEngine(log.Logger); err != nil {
			return nil, err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return nil, err
			}
		}
	}

	a.svc = service.New(a.store, a.workspaces, syncer, a.exec, a.cancel, service.Options{
		Policy:    a.policy,
		CancelTTL: cfg.Cancel.TTL,
		Telemetry: tel,
	})

	ok = true
	return a, nil
}

func openCancelChannel(ctx context.Context, cfg config.CancelConfig) (engine.CancellationChannel, error) {
	switch cfg.Backend {
	case config.CancelBackendRedis:
		channel, err := cancel.NewRedisChannel(ctx, cancel.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return channel, nil
	default:
		return cancel.NewMemoryChannel(time.Minute), nil
	}
}

// withContext returns ctx carrying the telemetry and the CLI initiator.
func (a *app) withContext(ctx context.Context) context.Context {
	return service.WithInitiator(a.tel.WithContext(ctx), cliInitiator())
}

func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	switch {
	case a.svc != nil:
		errs = append(errs, a.svc.Close(ctx))
	case a.cancel != nil:
		if c, ok := a.cancel.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}
