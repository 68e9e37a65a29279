package server

import (
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate runs schema migrations against the given database. The DSN comes
// from configuration (config.PostgresConfig.DSN); there is deliberately no
// env fallback here so migrations and the store always target the same
// database. src is a migrate source URL such as "file://migrations".
func Migrate(src, dsn, direction string, steps int) error {
	if dsn == "" {
		return errors.New("migrate: dsn required")
	}
	if src == "" {
		src = "file://migrations"
	}

	m, err := migrate.New(src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: open %s: %w", src, err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.New(log.Writer(), "[MIGRATE] ", log.LstdFlags).
				Printf("close: source=%v db=%v", srcErr, dbErr)
		}
	}()

	switch direction {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	}
	return fmt.Errorf("migrate: unknown direction %q", direction)
}
