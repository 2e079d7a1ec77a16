package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"dcabot/internal/storage"
)

// Migrate applies pending schema files. database.migrations_path overrides
// the files bundled with the binary.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn 未配置，无法执行迁移")
	}

	var fsys fs.FS = storage.Migrations()
	if a.Config.Database.MigrationsPath != "" {
		fsys = os.DirFS(a.Config.Database.MigrationsPath)
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool, fsys)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema is up to date")
		return nil
	}
	for _, version := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", version)
	}
	return nil
}
