// Package app wires the engine's collaborators from workspace config and
// environment, shared by the CLI and the server entrypoint.
package app

import (
	"database/sql"
	"log"
	"os"

	"skirmish/internal/config"
	"skirmish/internal/db"
	"skirmish/internal/eligibility"
	"skirmish/internal/engine"
	"skirmish/internal/migrate"
	"skirmish/internal/notify"
	"skirmish/internal/oracle"
)

// OpenEngine opens the workspace database, runs migrations, loads config,
// and returns a fully wired engine. The caller owns the returned connection.
func OpenEngine(workspace string) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return Build(conn, cfg), conn, nil
}

// Build assembles an engine with the collaborators the config names.
func Build(conn *sql.DB, cfg *config.Config) engine.Engine {
	e := engine.New(conn, cfg)

	if cfg.Oracle.Provider == "anthropic" {
		key := os.Getenv("SKIRMISH_ANTHROPIC_API_KEY")
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key != "" {
			e.Oracle = oracle.NewAnthropic(key, cfg.Oracle.Model)
		} else {
			log.Printf("oracle: provider anthropic configured but no API key in environment, using fallback")
		}
	}

	if cfg.Eligibility.URL != "" {
		e.Eligibility = eligibility.NewHTTP(cfg.Eligibility.URL)
	} else {
		e.Eligibility = eligibility.Static{}
	}

	if cfg.Notify.URL != "" {
		e.Notify = notify.NewWebhook(cfg.Notify.URL, cfg.Notify.Secret)
	}
	return e
}
