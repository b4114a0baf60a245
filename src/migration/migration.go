package migration

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/cli"
	"git.handmade.network/hmn/heapkeeper/src/db"
	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/migration/migrations"
	"git.handmade.network/hmn/heapkeeper/src/migration/types"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
)

var listMigrations bool

func init() {
	migrateCommand := &cobra.Command{
		Use:   "migrate [target migration id]",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cli.Context()
			_, pool, err := cli.OpenStore(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if listMigrations {
				return ListMigrations(ctx, pool, os.Stdout)
			}

			targetVersion := time.Time{}
			if len(args) > 0 {
				targetVersion, err = time.Parse(time.RFC3339, args[0])
				if err != nil {
					return oops.New(err, "bad version string")
				}
			}
			return Migrate(ctx, pool, types.MigrationVersion(targetVersion))
		},
	}
	migrateCommand.Flags().BoolVar(&listMigrations, "list", false, "List available migrations")

	makeMigrationCommand := &cobra.Command{
		Use:   "makemigration <name> <description>...",
		Short: "Create a new database migration file",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := MakeMigration(args[0], strings.Join(args[1:], " "), time.Now())
			if err != nil {
				return err
			}
			fmt.Println("Successfully created migration file:")
			fmt.Println(path)
			return nil
		},
	}

	cli.RootCommand.AddCommand(migrateCommand)
	cli.RootCommand.AddCommand(makeMigrationCommand)
}

func getSortedMigrationVersions() []types.MigrationVersion {
	var allVersions []types.MigrationVersion
	for migrationTime := range migrations.All {
		allVersions = append(allVersions, migrationTime)
	}
	sort.Slice(allVersions, func(i, j int) bool {
		return allVersions[i].Before(allVersions[j])
	})

	return allVersions
}

func LatestVersion() types.MigrationVersion {
	allVersions := getSortedMigrationVersions()
	return allVersions[len(allVersions)-1]
}

// The zero version means no migration has been applied yet.
func CurrentVersion(ctx context.Context, conn db.ConnOrTx) (types.MigrationVersion, error) {
	var exists bool
	err := conn.QueryRow(ctx, `SELECT to_regclass('hk_migration') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return types.MigrationVersion{}, oops.New(err, "failed to look for migration table")
	}
	if !exists {
		return types.MigrationVersion{}, nil
	}

	var currentVersion time.Time
	err = conn.QueryRow(ctx, "SELECT version FROM hk_migration").Scan(&currentVersion)
	if err != nil {
		return types.MigrationVersion{}, oops.New(err, "failed to read current migration version")
	}
	return types.MigrationVersion(currentVersion.UTC()), nil
}

func ListMigrations(ctx context.Context, conn db.ConnOrTx, w io.Writer) error {
	currentVersion, err := CurrentVersion(ctx, conn)
	if err != nil {
		return err
	}
	for _, version := range getSortedMigrationVersions() {
		migration := migrations.All[version]
		indicator := "  "
		if version.Equal(currentVersion) {
			indicator = "✔ "
		}
		fmt.Fprintf(w, "%s%v (%s: %s)\n", indicator, version, migration.Name(), migration.Description())
	}
	return nil
}

/*
Rolls the schema forward or back to targetVersion, one migration per
transaction. The zero version means the latest migration.
*/
func Migrate(ctx context.Context, conn db.ConnOrTx, targetVersion types.MigrationVersion) error {
	logger := logging.ExtractLogger(ctx)

	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS hk_migration (
			version		TIMESTAMP WITH TIME ZONE
		)
	`)
	if err != nil {
		return oops.New(err, "failed to create migration table")
	}

	var numRows int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM hk_migration").Scan(&numRows); err != nil {
		return oops.New(err, "failed to count migration rows")
	}
	if numRows < 1 {
		_, err := conn.Exec(ctx, "INSERT INTO hk_migration (version) VALUES ($1)", time.Time{})
		if err != nil {
			return oops.New(err, "failed to insert initial migration row")
		}
	}

	currentVersion, err := CurrentVersion(ctx, conn)
	if err != nil {
		return err
	}
	if currentVersion.IsZero() {
		logger.Info().Msg("This is the first time you have run database migrations.")
	} else {
		logger.Info().Str("version", currentVersion.String()).Msg("Current migration version")
	}

	allVersions := getSortedMigrationVersions()
	if targetVersion.IsZero() {
		targetVersion = allVersions[len(allVersions)-1]
	}

	currentIndex := -1
	targetIndex := -1
	for i, version := range allVersions {
		if currentVersion.Equal(version) {
			currentIndex = i
		}
		if targetVersion.Equal(version) {
			targetIndex = i
		}
	}
	if targetIndex < 0 {
		return oops.New(nil, "could not find migration with version %v", targetVersion)
	}

	apply := func(version, newVersion types.MigrationVersion, step func(ctx context.Context, tx pgx.Tx) error) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if err := step(ctx, tx); err != nil {
				return oops.New(err, "migration %v failed", version)
			}
			_, err := tx.Exec(ctx, "UPDATE hk_migration SET version = $1", time.Time(newVersion))
			if err != nil {
				return oops.New(err, "failed to update version in migrations table")
			}
			return nil
		})
	}

	switch {
	case currentIndex < targetIndex:
		for i := currentIndex + 1; i <= targetIndex; i++ {
			version := allVersions[i]
			migration := migrations.All[version]
			logger.Info().Str("version", version.String()).Str("name", migration.Name()).Msg("Applying migration")
			if err := apply(version, version, migration.Up); err != nil {
				return err
			}
		}
	case currentIndex > targetIndex:
		for i := currentIndex; i > targetIndex; i-- {
			version := allVersions[i]
			previousVersion := types.MigrationVersion{}
			if i > 0 {
				previousVersion = allVersions[i-1]
			}
			migration := migrations.All[version]
			logger.Info().Str("version", version.String()).Str("name", migration.Name()).Msg("Rolling back migration")
			if err := apply(version, previousVersion, migration.Down); err != nil {
				return err
			}
		}
	default:
		logger.Info().Msg("Already migrated; nothing to do.")
	}
	return nil
}

//go:embed migrationTemplate.txt
var migrationTemplate string

// Writes a new, empty migration into src/migration/migrations and returns
// its path.
func MakeMigration(name, description string, now time.Time) (string, error) {
	now = now.UTC()

	result := migrationTemplate
	result = strings.ReplaceAll(result, "%NAME%", name)
	result = strings.ReplaceAll(result, "%DESCRIPTION%", fmt.Sprintf("%#v", description))
	nowConstructor := fmt.Sprintf("time.Date(%d, %d, %d, %d, %d, %d, 0, time.UTC)", now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second())
	result = strings.ReplaceAll(result, "%DATE%", nowConstructor)

	safeVersion := strings.ReplaceAll(types.MigrationVersion(now).String(), ":", "")
	filename := fmt.Sprintf("%v_%v.go", safeVersion, name)
	path := filepath.Join("src", "migration", "migrations", filename)

	if err := os.WriteFile(path, []byte(result), 0644); err != nil {
		return "", oops.New(err, "failed to write migration file")
	}
	return path, nil
}
