// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"text/template"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// clockData holds the data needed for clock table and trigger template rendering
type clockData struct {
	Table          string
	Clock          string
	ClockIndex     string
	InsertTrigger  string
	UpdateTrigger  string
	DeleteTrigger  string
	PKDefs         []string
	PKCols         string
	NewPKs         string
	OldPKs         string
	NewPKMatch     string
	PKChanged      string
	DeleteSentinel string
	Columns        []clockColumn
}

type clockColumn struct {
	Literal string
	Changed string
}

const clockTableTemplate = `CREATE TABLE IF NOT EXISTS {{.Clock}} (
{{- range .PKDefs}}
	{{.}},
{{- end}}
	__crsql_col_name TEXT NOT NULL,
	__crsql_col_version INTEGER NOT NULL,
	__crsql_db_version INTEGER NOT NULL,
	__crsql_site_id BLOB,
	PRIMARY KEY ({{.PKCols}}, __crsql_col_name)
)`

const clockIndexTemplate = `CREATE INDEX IF NOT EXISTS {{.ClockIndex}} ON {{.Clock}} (__crsql_db_version)`

// Triggers are dropped and recreated on every registration so their column
// lists follow the current schema.
const dropTriggersTemplate = `DROP TRIGGER IF EXISTS {{.InsertTrigger}};
DROP TRIGGER IF EXISTS {{.UpdateTrigger}};
DROP TRIGGER IF EXISTS {{.DeleteTrigger}};`

// Template for INSERT trigger
const insertTriggerTemplate = `CREATE TRIGGER {{.InsertTrigger}}
AFTER INSERT ON {{.Table}}
WHEN COALESCE((SELECT apply_mode FROM __crsql_site_info LIMIT 1), 0) = 0
BEGIN
	UPDATE __crsql_site_info SET db_version = db_version + 1;

	-- A local insert reuses a tombstoned key until a peer's tombstone for it arrives
	DELETE FROM {{.Clock}} WHERE {{.NewPKMatch}} AND __crsql_col_name = {{.DeleteSentinel}};
{{range .Columns}}
	INSERT INTO {{$.Clock}} ({{$.PKCols}}, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id)
	VALUES ({{$.NewPKs}}, {{.Literal}}, 1, (SELECT db_version FROM __crsql_site_info LIMIT 1), NULL)
	ON CONFLICT ({{$.PKCols}}, __crsql_col_name) DO UPDATE SET
		__crsql_col_version = __crsql_col_version + 1,
		__crsql_db_version = excluded.__crsql_db_version,
		__crsql_site_id = NULL;
{{end}}
END`

// Template for UPDATE trigger
const updateTriggerTemplate = `CREATE TRIGGER {{.UpdateTrigger}}
AFTER UPDATE ON {{.Table}}
WHEN COALESCE((SELECT apply_mode FROM __crsql_site_info LIMIT 1), 0) = 0
BEGIN
	UPDATE __crsql_site_info SET db_version = db_version + 1;

	-- Moving a row to a new primary key tombstones the old key
	INSERT INTO {{.Clock}} ({{.PKCols}}, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id)
	SELECT {{.OldPKs}}, {{.DeleteSentinel}}, 1, (SELECT db_version FROM __crsql_site_info LIMIT 1), NULL
	WHERE {{.PKChanged}}
	ON CONFLICT ({{.PKCols}}, __crsql_col_name) DO UPDATE SET
		__crsql_col_version = __crsql_col_version + 1,
		__crsql_db_version = excluded.__crsql_db_version,
		__crsql_site_id = NULL;

	DELETE FROM {{.Clock}} WHERE {{.NewPKMatch}} AND __crsql_col_name = {{.DeleteSentinel}};
{{range .Columns}}
	INSERT INTO {{$.Clock}} ({{$.PKCols}}, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id)
	SELECT {{$.NewPKs}}, {{.Literal}}, 1, (SELECT db_version FROM __crsql_site_info LIMIT 1), NULL
	WHERE {{.Changed}}
	ON CONFLICT ({{$.PKCols}}, __crsql_col_name) DO UPDATE SET
		__crsql_col_version = __crsql_col_version + 1,
		__crsql_db_version = excluded.__crsql_db_version,
		__crsql_site_id = NULL;
{{end}}
END`

// Template for DELETE trigger
const deleteTriggerTemplate = `CREATE TRIGGER {{.DeleteTrigger}}
AFTER DELETE ON {{.Table}}
WHEN COALESCE((SELECT apply_mode FROM __crsql_site_info LIMIT 1), 0) = 0
BEGIN
	UPDATE __crsql_site_info SET db_version = db_version + 1;

	INSERT INTO {{.Clock}} ({{.PKCols}}, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id)
	VALUES ({{.OldPKs}}, {{.DeleteSentinel}}, 1, (SELECT db_version FROM __crsql_site_info LIMIT 1), NULL)
	ON CONFLICT ({{.PKCols}}, __crsql_col_name) DO UPDATE SET
		__crsql_col_version = __crsql_col_version + 1,
		__crsql_db_version = excluded.__crsql_db_version,
		__crsql_site_id = NULL;
END`

var clockTemplates = []struct {
	name string
	tmpl *template.Template
}{
	{"clock table", template.Must(template.New("clock").Parse(clockTableTemplate))},
	{"clock index", template.Must(template.New("clock_index").Parse(clockIndexTemplate))},
	{"stale triggers", template.Must(template.New("drop").Parse(dropTriggersTemplate))},
	{"insert trigger", template.Must(template.New("insert").Parse(insertTriggerTemplate))},
	{"update trigger", template.Must(template.New("update").Parse(updateTriggerTemplate))},
	{"delete trigger", template.Must(template.New("delete").Parse(deleteTriggerTemplate))},
}

// validateCRRTable checks that a table can be replicated.
func validateCRRTable(info *TableInfo) error {
	if len(info.PrimaryKeys) == 0 {
		return fmt.Errorf("table %s has no primary key", info.Table)
	}
	for _, col := range info.Columns {
		if isReservedColumn(col.Name) {
			return fmt.Errorf("table %s: column %s uses the reserved __crsql_ prefix", info.Table, col.Name)
		}
	}
	for _, col := range info.NonPKs {
		if col.NotNull && col.DefaultValue == nil {
			return fmt.Errorf("table %s: column %s is NOT NULL without a DEFAULT", info.Table, col.Name)
		}
	}
	return nil
}

func buildClockData(info *TableInfo) clockData {
	var pkDefs, pkCols, newPKs, oldPKs, newMatch, changed []string
	for _, col := range info.PrimaryKeys {
		q := QuoteIdent(col.Name)
		pkDefs = append(pkDefs, strings.TrimSpace(q+" "+col.DeclaredType))
		pkCols = append(pkCols, q)
		newPKs = append(newPKs, "NEW."+q)
		oldPKs = append(oldPKs, "OLD."+q)
		newMatch = append(newMatch, q+" IS NEW."+q)
		changed = append(changed, "NEW."+q+" IS NOT OLD."+q)
	}
	pkChanged := "(" + strings.Join(changed, " OR ") + ")"

	var columns []clockColumn
	for _, col := range info.NonPKs {
		q := QuoteIdent(col.Name)
		columns = append(columns, clockColumn{
			Literal: quoteLiteral(col.Name),
			Changed: "NEW." + q + " IS NOT OLD." + q + " OR " + pkChanged,
		})
	}
	if len(columns) == 0 {
		columns = append(columns, clockColumn{Literal: quoteLiteral(PKOnlySentinel), Changed: pkChanged})
	}

	return clockData{
		Table:          QuoteIdent(info.Table),
		Clock:          QuoteIdent(ClockTableName(info.Table)),
		ClockIndex:     QuoteIdent(ClockTableName(info.Table) + "_dbv_idx"),
		InsertTrigger:  QuoteIdent(info.Table + "__crsql_itrig"),
		UpdateTrigger:  QuoteIdent(info.Table + "__crsql_utrig"),
		DeleteTrigger:  QuoteIdent(info.Table + "__crsql_dtrig"),
		PKDefs:         pkDefs,
		PKCols:         strings.Join(pkCols, ", "),
		NewPKs:         strings.Join(newPKs, ", "),
		OldPKs:         strings.Join(oldPKs, ", "),
		NewPKMatch:     strings.Join(newMatch, " AND "),
		PKChanged:      pkChanged,
		DeleteSentinel: quoteLiteral(DeleteSentinel),
		Columns:        columns,
	}
}

// createClockForTable creates the clock table, its index and the
// change-capture triggers for a table.
func createClockForTable(ctx context.Context, db execer, info *TableInfo) error {
	if err := validateCRRTable(info); err != nil {
		return err
	}
	data := buildClockData(info)
	for _, t := range clockTemplates {
		var buf bytes.Buffer
		if err := t.tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("failed to execute %s template for table %s: %w", t.name, info.Table, err)
		}
		if _, err := db.ExecContext(ctx, buf.String()); err != nil {
			return fmt.Errorf("failed to set up %s for table %s: %w", t.name, info.Table, err)
		}
	}
	return nil
}
