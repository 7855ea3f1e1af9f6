// Package migrations embeds the SQL migration files into the binary so the
// hub can migrate its database without the files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.Migrations = migrationsFS
	database.MigrationsDir = "."
}
