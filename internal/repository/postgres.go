package repository

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/lib/pq"
)

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// postgresDSN builds a key/value connection string. Values are quoted so
// passwords with spaces or quotes survive.
func postgresDSN(cfg domain.RepositoryConfig) string {
	params := []struct {
		key, value string
	}{
		{"host", orDefault(cfg.PostgresHost, "localhost")},
		{"port", fmt.Sprint(orDefaultInt(cfg.PostgresPort, 5432))},
		{"user", cfg.PostgresUser},
		{"password", cfg.PostgresPassword},
		{"dbname", orDefault(cfg.PostgresDB, "kestrel")},
		{"sslmode", orDefault(cfg.PostgresSSLMode, "disable")},
		{"application_name", "kestrel"},
	}

	parts := make([]string, 0, len(params))
	for _, p := range params {
		if p.value == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s='%s'", p.key, dsnEscaper.Replace(p.value)))
	}
	return strings.Join(parts, " ")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
