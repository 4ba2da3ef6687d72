package xrpc

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

//go:embed sql/schema.sql.tmpl
var schemaSource string

var schemaTemplate = template.Must(template.New("schema.sql").Funcs(template.FuncMap{
	"ident":   pq.QuoteIdentifier,
	"literal": pq.QuoteLiteral,
}).Parse(schemaSource))

type InstallParams struct {
	Schema string
	// CurrentDatabase is the source name recorded by producers and batch markers.
	CurrentDatabase string
	// Queue, when set, also installs the producer side: the pgq queue and
	// the enqueue helpers. Leave it empty for destination databases.
	Queue string
}

func RenderSchema(p InstallParams) (string, error) {
	if p.Schema == "" {
		p.Schema = DefaultSchema
	}
	if strings.TrimSpace(p.CurrentDatabase) == "" {
		return "", invalidConfig("provider database name is required")
	}
	var buf bytes.Buffer
	if err := schemaTemplate.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("%w: render schema: %w", ErrInstall, err)
	}
	return buf.String(), nil
}

// Install executes the rendered schema in a single transaction.
func Install(ctx context.Context, db *sql.DB, p InstallParams, log *logrus.Entry) error {
	if db == nil {
		return invalidConfig("database is required")
	}
	if log == nil {
		log = discardLogger()
	}
	script, err := RenderSchema(p)
	if err != nil {
		return err
	}

	log.Info("xrpc: installing schema, functions and tables into target database")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrInstall, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrInstall, err)
	}

	log.Info("xrpc: schema, functions and tables successfully installed")
	return nil
}
