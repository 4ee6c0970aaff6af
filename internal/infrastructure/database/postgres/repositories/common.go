// Package repositories provides PostgreSQL-backed implementations of the
// domain repository ports.
package repositories

import (
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// pgUniqueViolation is the PostgreSQL error code for unique-constraint hits.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique-constraint failure; a
// non-empty constraint restricts the match to that constraint name.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// clampPage normalizes pagination inputs to the repository defaults and
// returns the SQL offset.
func clampPage(page, pageSize int) (int, int, int) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}
	return page, pageSize, (page - 1) * pageSize
}

// encodeConfiguration marshals a variant configuration for a JSONB column;
// an empty configuration is stored as NULL rather than '{}'.
func encodeConfiguration(cfg etypes.Configuration) ([]byte, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	return json.Marshal(cfg)
}

// decodeConfiguration unmarshals a JSONB configuration column back onto the
// variant; NULL stays a nil map.  Decode failures are swallowed because the
// column only ever holds what encodeConfiguration wrote.
func decodeConfiguration(cfgJSON []byte, v *etypes.VariantDTO) {
	if len(cfgJSON) > 0 {
		_ = json.Unmarshal(cfgJSON, &v.Configuration)
	}
}
