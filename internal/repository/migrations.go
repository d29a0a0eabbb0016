package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations applies every *.up.sql file in dir in lexical order.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, dir string, log logger.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to glob migration files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migration files found in %s", dir)
	}

	sort.Strings(files)

	for _, file := range files {
		log.Info("running migration", "file", file)
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		if _, err := pool.Exec(ctx, string(content)); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				log.Warn("migration already applied", "file", file, "error", err)
				continue
			}
			return fmt.Errorf("failed to execute migration %s: %w", file, err)
		}
	}

	return nil
}
