package app

import (
	"database/sql"

	"github.com/juju/errors"

	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/engine"
	"marketline/internal/migrate"
)

// Workspace is an opened, migrated marketline workspace.
type Workspace struct {
	Dir    string
	Conn   *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open opens the workspace database, applies pending migrations, loads
// marketline.yml (defaults when absent) and configures logging.
func Open(dir string) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, errors.Annotate(err, "load config")
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return nil, errors.Annotate(err, "configure logging")
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, errors.Annotate(err, "open database")
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "migrate")
	}
	return &Workspace{
		Dir:    dir,
		Conn:   conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (w *Workspace) Close() error {
	return w.Conn.Close()
}
