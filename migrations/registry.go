package migrations

import (
	"go-kestrel/pkg/migrations"
)

// Migration is the shape a migration file hands to Register from its init
type Migration struct {
	Version     string
	Description string
	Up          migrations.MigrationFunc
	Down        migrations.MigrationFunc
}

// registry collects migrations as their files init, in registration order
var registry []Migration

// Register queues a migration for RegisterAll
func Register(m Migration) {
	registry = append(registry, m)
}

// RegisterAll hands every queued migration to the runner
func RegisterAll(runner *migrations.Runner) {
	for _, m := range registry {
		runner.Register(migrations.RegisteredMigration{
			Version:     m.Version,
			Description: m.Description,
			Up:          m.Up,
			Down:        m.Down,
		})
	}
}
