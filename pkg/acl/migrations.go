package acl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Migration represents a versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Render substitutes dialect-specific tokens in the migration SQL
func (m Migration) Render(d Dialect) string {
	serial := "BIGSERIAL PRIMARY KEY"
	if d == DialectSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return strings.ReplaceAll(m.SQL, "{{serial}}", serial)
}

// GetMigrations returns all ACL migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create access_control_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS access_control_roles (
					id {{serial}},
					name VARCHAR(255) NOT NULL,
					object_type VARCHAR(250) NOT NULL,
					"read" BOOLEAN NOT NULL DEFAULT TRUE,
					"update" BOOLEAN NOT NULL DEFAULT TRUE,
					"delete" BOOLEAN NOT NULL DEFAULT TRUE,
					mandatory BOOLEAN NOT NULL DEFAULT FALSE,
					internal BOOLEAN NOT NULL DEFAULT FALSE,
					non_editable BOOLEAN NOT NULL DEFAULT FALSE,
					my_work BOOLEAN NOT NULL DEFAULT TRUE,
					notify_about_proposal BOOLEAN NOT NULL DEFAULT FALSE,
					default_to_current_user BOOLEAN NOT NULL DEFAULT FALSE,
					parent_id BIGINT REFERENCES access_control_roles(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(name, object_type)
				);

				CREATE INDEX IF NOT EXISTS idx_acr_object_type ON access_control_roles(object_type);
				CREATE INDEX IF NOT EXISTS idx_acr_parent_id ON access_control_roles(parent_id);
			`,
		},
		{
			Version:     2,
			Description: "Create access_control_list table",
			SQL: `
				CREATE TABLE IF NOT EXISTS access_control_list (
					id {{serial}},
					ac_role_id BIGINT NOT NULL REFERENCES access_control_roles(id) ON DELETE CASCADE,
					object_id BIGINT NOT NULL,
					object_type VARCHAR(250) NOT NULL,
					parent_id BIGINT REFERENCES access_control_list(id) ON DELETE CASCADE,
					parent_id_nn BIGINT NOT NULL DEFAULT 0,
					base_id BIGINT REFERENCES access_control_list(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(ac_role_id, object_id, object_type, parent_id_nn)
				);

				CREATE INDEX IF NOT EXISTS idx_acl_object ON access_control_list(object_type, object_id);
				CREATE INDEX IF NOT EXISTS idx_acl_parent_id ON access_control_list(parent_id);
				CREATE INDEX IF NOT EXISTS idx_acl_base_id ON access_control_list(base_id);
			`,
		},
		{
			Version:     3,
			Description: "Create access_control_people table",
			SQL: `
				CREATE TABLE IF NOT EXISTS access_control_people (
					id {{serial}},
					ac_list_id BIGINT NOT NULL REFERENCES access_control_list(id) ON DELETE CASCADE,
					person_id BIGINT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(ac_list_id, person_id)
				);

				CREATE INDEX IF NOT EXISTS idx_acp_person_id ON access_control_people(person_id);
			`,
		},
		{
			Version:     4,
			Description: "Create relationships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS relationships (
					id {{serial}},
					source_type VARCHAR(250) NOT NULL,
					source_id BIGINT NOT NULL,
					destination_type VARCHAR(250) NOT NULL,
					destination_id BIGINT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(source_type, source_id, destination_type, destination_id)
				);

				CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_type, source_id);
				CREATE INDEX IF NOT EXISTS idx_relationships_destination ON relationships(destination_type, destination_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations, one transaction per version
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS acl_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM acl_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		log := logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.Render(dialect)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO acl_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("migration completed")
	}

	return nil
}

// InitializeBuiltInRoles creates the seeded catalog roles that are missing
func InitializeBuiltInRoles(ctx context.Context, catalog *RoleCatalog) (int, error) {
	created := 0
	for _, role := range BuiltInRoles() {
		_, err := catalog.GetRole(ctx, role.ObjectType, role.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrRoleNotFound) {
			return created, err
		}

		role := role
		if err := catalog.CreateRole(ctx, &role); err != nil {
			return created, fmt.Errorf("failed to create built-in role %s on %s: %w", role.Name, role.ObjectType, err)
		}
		created++
	}
	return created, nil
}
