package pollsync

import (
	"log/slog"
	"time"

	"pollsync/adapters/memory"
	postgresadapter "pollsync/adapters/postgres"
	sqliteadapter "pollsync/adapters/sqlite"
	"pollsync/application"
	"pollsync/ports"
)

type Module struct {
	Manager *application.Manager
	Store   *memory.Store
}

type Dependencies struct {
	Storage     ports.PollStorage
	RecoveryLog ports.RecoveryLog
	Remote      ports.RemoteGateway
	Clock       ports.Clock
	IDGen       ports.IDGenerator
	Listener    ports.UpdateListener

	RefreshInterval time.Duration
	EvictionDelay   time.Duration
	VotersPageLimit int

	Logger *slog.Logger
}

func NewModule(deps Dependencies) Module {
	manager := application.NewManager(application.Deps{
		Storage:  deps.Storage,
		Log:      deps.RecoveryLog,
		Remote:   deps.Remote,
		Clock:    deps.Clock,
		IDGen:    deps.IDGen,
		Listener: deps.Listener,
		Logger:   deps.Logger,
		Options: application.Options{
			RefreshInterval: deps.RefreshInterval,
			EvictionDelay:   deps.EvictionDelay,
			VotersPageLimit: deps.VotersPageLimit,
		},
	})
	return Module{Manager: manager}
}

// NewInMemoryModule wires the manager against the in-memory store, which
// doubles as recovery log, clock and id generator.
func NewInMemoryModule(remote ports.RemoteGateway, listener ports.UpdateListener, logger *slog.Logger) Module {
	store := memory.NewStore()
	module := NewModule(Dependencies{
		Storage:     store,
		RecoveryLog: store,
		Remote:      remote,
		Clock:       store,
		IDGen:       store,
		Listener:    listener,
		Logger:      logger,
	})
	module.Store = store
	return module
}

// NewPostgresModule wires the manager against a postgres-backed store and
// recovery log. The in-memory store still provides clock and id generation.
func NewPostgresModule(dsn string, remote ports.RemoteGateway, listener ports.UpdateListener, logger *slog.Logger) (Module, error) {
	db, err := postgresadapter.Connect(dsn)
	if err != nil {
		return Module{}, err
	}
	store := postgresadapter.NewStore(db, logger)
	if err := store.AutoMigrate(); err != nil {
		return Module{}, err
	}
	side := memory.NewStore()
	module := NewModule(Dependencies{
		Storage:     store,
		RecoveryLog: store,
		Remote:      remote,
		Clock:       side,
		IDGen:       side,
		Listener:    listener,
		Logger:      logger,
	})
	module.Store = side
	return module, nil
}

// NewSQLiteModule wires the manager against a single-file sqlite store, the
// natural fit for a client-side cache that must survive restarts.
func NewSQLiteModule(path string, remote ports.RemoteGateway, listener ports.UpdateListener, logger *slog.Logger) (Module, error) {
	db, err := sqliteadapter.Open(path)
	if err != nil {
		return Module{}, err
	}
	if err := sqliteadapter.CreateSchema(db); err != nil {
		return Module{}, err
	}
	store := sqliteadapter.NewStore(db, logger)
	side := memory.NewStore()
	module := NewModule(Dependencies{
		Storage:     store,
		RecoveryLog: store,
		Remote:      remote,
		Clock:       side,
		IDGen:       side,
		Listener:    listener,
		Logger:      logger,
	})
	module.Store = side
	return module, nil
}
