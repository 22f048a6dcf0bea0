package repository

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/pkg/errors"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
)

const uniqueViolationCode = "23505"

// mapInsertError turns a unique violation into the domain's already-exists
// error so callers do not have to know pg error codes.
func mapInsertError(err error, resourceType, value string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return &hordeerrors.ErrAlreadyExists{Type: resourceType, Value: value}
	}
	return errors.WithStack(err)
}

// toTextArray guards against nil slices being encoded as SQL NULL.
func toTextArray(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func toUUIDArray(ids []uuid.UUID) pgtype.UUIDArray {
	raw := make([][16]byte, len(ids))
	for i, id := range ids {
		raw[i] = id
	}
	arr := pgtype.UUIDArray{}
	_ = arr.Set(raw)
	return arr
}

func fromUUIDArray(arr pgtype.UUIDArray) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(arr.Elements))
	for _, e := range arr.Elements {
		if e.Status == pgtype.Present {
			ids = append(ids, uuid.UUID(e.Bytes))
		}
	}
	return ids
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
