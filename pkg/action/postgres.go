package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"github.com/maestro-run/maestro/pkg/models"
)

// Postgres runs a statement against an external PostgreSQL database:
//
//	query:  SQL text (required)
//	params: positional parameters
//	mode:   "query" returns rows, "exec" returns the affected count;
//	        default is inferred from the leading keyword
//
// The connection comes from a postgres credential carrying either a
// dsn or host/port/database/user/password fields. Connections are
// opened per invocation; target databases are arbitrary and pooling
// across executions would pin credentials in memory.
type Postgres struct{}

func (p *Postgres) Kind() string { return "postgres" }

func (p *Postgres) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	query := configString(inv.Config, "query")
	if query == "" {
		return nil, models.NewError(models.ErrorKindValidation, "postgres action requires a query")
	}

	dsn, err := postgresDSN(inv)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, models.NewError(models.ErrorKindTransport, fmt.Sprintf("opening connection: %v", err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return nil, models.NewError(models.ErrorKindTransport, fmt.Sprintf("connecting: %v", err))
	}

	params := paramSlice(inv.Config["params"])
	if p.isQuery(inv) {
		rows, err := db.QueryxContext(ctx, query, params...)
		if err != nil {
			return nil, queryError(ctx, err, inv)
		}
		defer rows.Close()
		var out []map[string]any
		for rows.Next() {
			row := map[string]any{}
			if err := rows.MapScan(row); err != nil {
				return nil, queryError(ctx, err, inv)
			}
			out = append(out, normalizeRow(row))
		}
		if err := rows.Err(); err != nil {
			return nil, queryError(ctx, err, inv)
		}
		return &Result{Data: map[string]any{"rows": out, "row_count": len(out)}}, nil
	}

	res, err := db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, queryError(ctx, err, inv)
	}
	affected, _ := res.RowsAffected()
	return &Result{Data: map[string]any{"rows_affected": affected}}, nil
}

// SafelyRetryable is true only for reads.
func (p *Postgres) SafelyRetryable(inv *Invocation) bool {
	return p.isQuery(inv)
}

func (p *Postgres) isQuery(inv *Invocation) bool {
	switch configString(inv.Config, "mode") {
	case "query":
		return true
	case "exec":
		return false
	}
	head := strings.ToUpper(strings.Fields(configString(inv.Config, "query") + " x")[0])
	return head == "SELECT" || head == "WITH" || head == "SHOW" || head == "EXPLAIN"
}

func postgresDSN(inv *Invocation) (string, error) {
	for name, cred := range inv.Credentials {
		if cred.Kind != models.CredentialPostgres {
			continue
		}
		if dsn, ok := cred.Payload["dsn"].(string); ok && dsn != "" {
			return dsn, nil
		}
		host, _ := cred.Payload["host"].(string)
		if host == "" {
			return "", models.NewError(models.ErrorKindAuth,
				fmt.Sprintf("postgres credential %s has neither dsn nor host", name))
		}
		port, _ := cred.Payload["port"].(string)
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			cred.Payload["user"], cred.Payload["password"], host, port,
			cred.Payload["database"]), nil
	}
	return "", models.NewError(models.ErrorKindAuth, "postgres action requires a postgres credential")
}

func paramSlice(v any) []any {
	params, _ := v.([]any)
	return params
}

// normalizeRow converts driver byte slices to strings so results
// serialize as JSON text rather than base64.
func normalizeRow(row map[string]any) map[string]any {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	return row
}

func queryError(ctx context.Context, err error, inv *Invocation) error {
	if ctx.Err() != nil {
		return Classify(ctx.Err(), inv.AttemptCount)
	}
	return models.NewError(models.ErrorKindAction, err.Error())
}
