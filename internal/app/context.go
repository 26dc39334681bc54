package app

import (
	"context"
	"database/sql"
	"fmt"

	"stateline/internal/audit"
	"stateline/internal/config"
	"stateline/internal/db"
	"stateline/internal/domain"
	"stateline/internal/engine"
	"stateline/internal/migrate"
	"stateline/internal/notify"
	"stateline/internal/repo"
	"stateline/internal/workorder"
)

// Env bundles everything a command or handler needs: the open database,
// the resolved workflow config, and the assembled work-order engine.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Repo   repo.Repo
	Audit  audit.Writer
	Queue  *notify.Queue
	Engine *engine.Engine[*domain.WorkOrder]
}

// Open sets up the workspace end to end: database, migrations, config
// (falling back to built-in defaults when stateline.yml is absent), role
// seeding, and the engine. Callers own Close.
func Open(ctx context.Context, workspace string) (*Env, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	if err := SeedRoles(ctx, r, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	queue := &notify.Queue{DB: conn}
	eng, err := workorder.NewEngine(conn, cfg, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Env{
		DB:     conn,
		Config: cfg,
		Repo:   r,
		Audit:  audit.Writer{DB: conn},
		Queue:  queue,
		Engine: eng,
	}, nil
}

func (e *Env) Close() error {
	return e.DB.Close()
}

// Actor loads an actor's effective capabilities from the RBAC tables.
func (e *Env) Actor(ctx context.Context, actorID string) (engine.Actor, error) {
	caps, err := e.Repo.ActorCapabilities(ctx, actorID)
	if err != nil {
		return engine.Actor{}, err
	}
	return engine.Actor{ID: actorID, Capabilities: caps}, nil
}

// SeedRoles upserts the config's role catalog into the RBAC tables so
// grants can reference them. Existing rows are left alone.
func SeedRoles(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if len(cfg.RBAC.Roles) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range cfg.RBAC.Roles {
		if err := r.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", roleID, err)
		}
		for _, capability := range role.Capabilities {
			if err := r.AddRoleCapability(ctx, tx, roleID, capability); err != nil {
				return fmt.Errorf("seed role %s capability %s: %w", roleID, capability, err)
			}
		}
	}
	return tx.Commit()
}

// Grant assigns a role to an actor, creating the actor row if needed.
func Grant(ctx context.Context, r repo.Repo, actorID, roleID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := r.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

// Revoke removes a role from an actor.
func Revoke(ctx context.Context, r repo.Repo, actorID, roleID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}
