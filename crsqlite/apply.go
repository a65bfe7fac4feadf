// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"context"
	"fmt"
	"strings"
)

// Change is one column-level change received from another replica.
type Change struct {
	Table      string
	PK         []byte // primary key tuple packed with PackColumns
	Column     string // column name, DeleteSentinel or PKOnlySentinel
	Value      Value
	ColVersion int64
	DBVersion  int64  // version of the originating database, informational
	SiteID     []byte // originating replica; stored in the clock record
}

// ApplyResult summarizes an ApplyChanges call.
type ApplyResult struct {
	Applied        int     // values, tombstones and pk-only rows written
	Lost           int     // incoming values that lost to local state
	SkippedDeleted int     // changes dropped because the row is tombstoned locally
	Failed         int     // changes that failed under ErrorPolicySkip
	Errors         []error // failures recorded under ErrorPolicySkip
}

type applyOutcome int

const (
	outcomeApplied applyOutcome = iota
	outcomeLost
	outcomeSkippedDeleted
)

// ApplyChanges merges a batch of remote changes into local state. The batch
// runs inside a savepoint with change capture suppressed, so it composes with
// a transaction the caller already holds on the connection. Each change is
// first checked against local tombstones, then resolved column by column.
func (r *Replica) ApplyChanges(ctx context.Context, changes []Change) (*ApplyResult, error) {
	start := r.stageStart()
	res := &ApplyResult{}

	if _, err := r.conn.ExecContext(ctx, `SAVEPOINT crsql_apply`); err != nil {
		return nil, fmt.Errorf("failed to open apply savepoint: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		rbCtx := context.WithoutCancel(ctx)
		if _, err := r.conn.ExecContext(rbCtx, `ROLLBACK TO crsql_apply`); err != nil {
			r.logger.Error("Failed to roll back apply savepoint", "error", err)
		}
		if _, err := r.conn.ExecContext(rbCtx, `RELEASE crsql_apply`); err != nil {
			r.logger.Error("Failed to release apply savepoint", "error", err)
		}
	}()

	if _, err := r.conn.ExecContext(ctx, `UPDATE __crsql_site_info SET apply_mode = 1`); err != nil {
		return nil, fmt.Errorf("failed to enter apply mode: %w", err)
	}
	dbVersion, err := r.nextDBVersion(ctx)
	if err != nil {
		return nil, err
	}

	for i := range changes {
		ch := &changes[i]
		outcome, err := r.applyOneInSavepoint(ctx, ch, dbVersion)
		if err != nil {
			err = fmt.Errorf("change %d (%s.%s): %w", i, ch.Table, ch.Column, err)
			if r.config.ErrorPolicy != ErrorPolicySkip {
				r.observeStage(ctx, MetricsStageTotal, "", start, len(changes), true)
				return res, err
			}
			r.logger.Warn("Skipping change that failed to apply", "error", err)
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		switch outcome {
		case outcomeApplied:
			res.Applied++
		case outcomeLost:
			res.Lost++
		case outcomeSkippedDeleted:
			res.SkippedDeleted++
		}
	}

	if _, err := r.conn.ExecContext(ctx, `UPDATE __crsql_site_info SET apply_mode = 0`); err != nil {
		return nil, fmt.Errorf("failed to leave apply mode: %w", err)
	}
	if _, err := r.conn.ExecContext(ctx, `RELEASE crsql_apply`); err != nil {
		return nil, fmt.Errorf("failed to release apply savepoint: %w", err)
	}
	committed = true

	r.observeStage(ctx, MetricsStageTotal, "", start, len(changes), false)
	r.logger.Debug("Applied remote changes",
		"applied", res.Applied,
		"lost", res.Lost,
		"skipped_deleted", res.SkippedDeleted,
		"failed", res.Failed,
	)
	return res, nil
}

// applyOneInSavepoint applies a single change so that a failure leaves no
// partial writes behind.
func (r *Replica) applyOneInSavepoint(ctx context.Context, ch *Change, dbVersion int64) (applyOutcome, error) {
	if _, err := r.conn.ExecContext(ctx, `SAVEPOINT crsql_change`); err != nil {
		return 0, fmt.Errorf("failed to open change savepoint: %w", err)
	}
	outcome, err := r.applyChange(ctx, ch, dbVersion)
	if err != nil {
		rbCtx := context.WithoutCancel(ctx)
		if _, rbErr := r.conn.ExecContext(rbCtx, `ROLLBACK TO crsql_change`); rbErr != nil {
			r.logger.Error("Failed to roll back change savepoint", "error", rbErr)
		}
		if _, rbErr := r.conn.ExecContext(rbCtx, `RELEASE crsql_change`); rbErr != nil {
			r.logger.Error("Failed to release change savepoint", "error", rbErr)
		}
		return 0, err
	}
	if _, err := r.conn.ExecContext(ctx, `RELEASE crsql_change`); err != nil {
		return 0, fmt.Errorf("failed to release change savepoint: %w", err)
	}
	return outcome, nil
}

func (r *Replica) applyChange(ctx context.Context, ch *Change, dbVersion int64) (applyOutcome, error) {
	info, ok := r.TableInfo(ch.Table)
	if !ok {
		return 0, fmt.Errorf("table %s is not registered for replication", ch.Table)
	}
	pks, err := UnpackPKs(ch.PK)
	if err != nil {
		return 0, err
	}
	if pks.Len() != len(info.PrimaryKeys) {
		return 0, fmt.Errorf("%w: table %s has %d primary key columns, change has %d",
			ErrBind, info.Table, len(info.PrimaryKeys), pks.Len())
	}
	pkWhere := info.PKWhere()

	t := r.stageStart()
	status, err := r.merger.CheckForLocalDelete(ctx, info.Table, pkWhere, pks)
	r.observeStage(ctx, MetricsStageLocalDelete, info.Table, t, 1, err != nil)
	if err != nil {
		return 0, err
	}
	if status == DeletedLocally {
		return outcomeSkippedDeleted, nil
	}

	switch ch.Column {
	case DeleteSentinel:
		t = r.stageStart()
		err = r.applyTombstone(ctx, info, pks, ch, dbVersion)
		r.observeStage(ctx, MetricsStageTombstone, info.Table, t, 1, err != nil)
		return outcomeApplied, err
	case PKOnlySentinel:
		t = r.stageStart()
		err = r.applyPKOnly(ctx, info, pks, ch, dbVersion)
		r.observeStage(ctx, MetricsStageWrite, info.Table, t, 1, err != nil)
		return outcomeApplied, err
	}

	col, ok := info.Column(ch.Column)
	if !ok || col.IsPrimaryKey() {
		return 0, fmt.Errorf("table %s has no replicated column %s", info.Table, ch.Column)
	}

	t = r.stageStart()
	won, err := r.merger.DidColumnWin(ctx, info.Table, pkWhere, pks, col.Name, ch.Value, ch.ColVersion)
	r.observeStage(ctx, MetricsStageResolve, info.Table, t, 1, err != nil)
	if err != nil {
		return 0, err
	}
	if !won {
		return outcomeLost, nil
	}

	t = r.stageStart()
	err = r.writeColumn(ctx, info, pks, col.Name, ch, dbVersion)
	r.observeStage(ctx, MetricsStageWrite, info.Table, t, 1, err != nil)
	return outcomeApplied, err
}

func (r *Replica) writeColumn(ctx context.Context, info *TableInfo, pks *RawPKs, column string, ch *Change, dbVersion int64) error {
	pkCols := quotedList(info.PKNames())
	q := QuoteIdent(column)
	upsert := fmt.Sprintf(
		`INSERT INTO %s (%s, %s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s = excluded.%s`,
		QuoteIdent(info.Table), pkCols, q, placeholders(len(info.PrimaryKeys)+1), pkCols, q, q,
	)
	args := append(anyValues(pks.Values()), ch.Value.Any())
	if _, err := r.conn.ExecContext(ctx, upsert, args...); err != nil {
		return fmt.Errorf("failed to write column %s: %w", column, err)
	}
	return r.writeClock(ctx, info, pks, column, ch, dbVersion, false)
}

// applyTombstone deletes the row and records the delete sentinel. Deletes
// win over any later local reinsert of the same key.
func (r *Replica) applyTombstone(ctx context.Context, info *TableInfo, pks *RawPKs, ch *Change, dbVersion int64) error {
	del := fmt.Sprintf(`DELETE FROM %s WHERE %s`, QuoteIdent(info.Table), info.PKWhere())
	res, err := r.conn.ExecContext(ctx, del, anyValues(pks.Values())...)
	if err != nil {
		return fmt.Errorf("failed to delete row: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		r.logger.Info("Remote tombstone removed local row", "table", info.Table, "site_id", fmt.Sprintf("%x", ch.SiteID))
	}
	return r.writeClock(ctx, info, pks, DeleteSentinel, ch, dbVersion, true)
}

func (r *Replica) applyPKOnly(ctx context.Context, info *TableInfo, pks *RawPKs, ch *Change, dbVersion int64) error {
	pkCols := quotedList(info.PKNames())
	ins := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING`,
		QuoteIdent(info.Table), pkCols, placeholders(len(info.PrimaryKeys)))
	if _, err := r.conn.ExecContext(ctx, ins, anyValues(pks.Values())...); err != nil {
		return fmt.Errorf("failed to insert primary key row: %w", err)
	}
	return r.writeClock(ctx, info, pks, PKOnlySentinel, ch, dbVersion, true)
}

// writeClock records the winning version for (pk, column). keepMax keeps
// the larger of the local and incoming versions for sentinel records that
// are written without a resolver decision.
func (r *Replica) writeClock(ctx context.Context, info *TableInfo, pks *RawPKs, column string, ch *Change, dbVersion int64, keepMax bool) error {
	pkCols := quotedList(info.PKNames())
	version := "excluded.__crsql_col_version"
	if keepMax {
		version = "MAX(__crsql_col_version, excluded.__crsql_col_version)"
	}
	upsert := fmt.Sprintf(`INSERT INTO %s (%s, __crsql_col_name, __crsql_col_version, __crsql_db_version, __crsql_site_id)
		VALUES (%s)
		ON CONFLICT (%s, __crsql_col_name) DO UPDATE SET
			__crsql_col_version = %s,
			__crsql_db_version = excluded.__crsql_db_version,
			__crsql_site_id = excluded.__crsql_site_id`,
		QuoteIdent(ClockTableName(info.Table)), pkCols, placeholders(len(info.PrimaryKeys)+4), pkCols, version,
	)
	var siteID any
	if len(ch.SiteID) > 0 {
		siteID = ch.SiteID
	}
	args := append(anyValues(pks.Values()), column, ch.ColVersion, dbVersion, siteID)
	if _, err := r.conn.ExecContext(ctx, upsert, args...); err != nil {
		return fmt.Errorf("failed to write clock for %s: %w", column, err)
	}
	return nil
}

func (r *Replica) nextDBVersion(ctx context.Context) (int64, error) {
	if _, err := r.conn.ExecContext(ctx, `UPDATE __crsql_site_info SET db_version = db_version + 1`); err != nil {
		return 0, fmt.Errorf("failed to bump db_version: %w", err)
	}
	return r.DBVersion(ctx)
}

func quotedList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anyValues(vals []Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v.Any()
	}
	return out
}
