package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/engine"
	"questline/internal/migrate"
)

// Workspace is an opened, migrated questline workspace.
type Workspace struct {
	Dir    string
	Conn   *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open creates the workspace directory if needed, opens and migrates its
// database, loads questline.yml and builds the engine around them.
func Open(ctx context.Context, dir string, log zerolog.Logger) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Log = log
	return &Workspace{Dir: dir, Conn: conn, Config: cfg, Engine: e}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.Conn == nil {
		return nil
	}
	return w.Conn.Close()
}

// EnsureOwner seeds orgID with actorID as its owner when the organization has
// no members yet. Existing organizations are left untouched.
func (w *Workspace) EnsureOwner(ctx context.Context, orgID, actorID string) error {
	r := w.Engine.Repo
	members, err := r.OrgMembers(ctx, nil, orgID)
	if err != nil {
		return err
	}
	if members > 0 {
		return nil
	}
	_, err = w.Engine.CreateOrg(ctx, orgID, "", actorID)
	return err
}

// NewLogger builds the process logger. format is "json" or "console".
func NewLogger(format, level string, out io.Writer) (zerolog.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q", level)
		}
		lvl = parsed
	}
	switch format {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", format)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
