package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"torex/internal/ledger"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	TorexID        *string
	JournalEntries []JournalEntry
	Timestamp      int64
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Update balance projections from journal entries
	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, output.Sequence, j); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	switch output.EventType {
	case "LiquidityMoveRequested":
		if err := pw.insertMovementHistory(ctx, tx, output); err != nil {
			return fmt.Errorf("movement history: %w", err)
		}
	case "FlowCreated", "FlowUpdated", "FlowDeleted":
		if err := pw.insertFlowHistory(ctx, tx, output); err != nil {
			return fmt.Errorf("flow history: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, seq int64, j JournalEntry) error {
	// Debit account: decrease balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	// Credit account: increase balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// insertMovementHistory records one movement cycle, with the in/out legs
// derived from the journal batch.
func (pw *ProjectionWorker) insertMovementHistory(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	var inAmount, outAmount, distributed int64
	for _, j := range output.JournalEntries {
		switch ledger.JournalType(j.JournalType) {
		case ledger.JournalTypeMoveOut:
			inAmount += j.Amount
		case ledger.JournalTypeMoveProceeds:
			outAmount += j.Amount
		case ledger.JournalTypeDistribution:
			distributed += j.Amount
		}
	}

	torexID := ""
	if output.TorexID != nil {
		torexID = *output.TorexID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.movement_history
			(sequence, torex_id, in_amount, out_amount, distributed, moved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, torexID, inAmount, outAmount, distributed, output.Timestamp)
	return err
}

// insertFlowHistory records flow lifecycle changes for audit queries.
func (pw *ProjectionWorker) insertFlowHistory(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	torexID := ""
	if output.TorexID != nil {
		torexID = *output.TorexID
	}

	// The trader is the debit side of any outflow journal in the batch;
	// a no-op deletion carries no journals and is skipped.
	traderAccount := ""
	for _, j := range output.JournalEntries {
		if ledger.JournalType(j.JournalType) == ledger.JournalTypeStreamAccrual ||
			ledger.JournalType(j.JournalType) == ledger.JournalTypeBackAdjustCharge ||
			ledger.JournalType(j.JournalType) == ledger.JournalTypeBackAdjustRefund {
			traderAccount = j.DebitAccount
			break
		}
	}
	if traderAccount == "" && len(output.JournalEntries) > 0 {
		traderAccount = output.JournalEntries[0].DebitAccount
	}
	if traderAccount == "" {
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.flow_history
			(sequence, torex_id, trader_account, change_type, changed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, torexID, traderAccount, output.EventType, output.Timestamp)
	return err
}

// RebuildProjections rebuilds the balance projection from the event log.
// History tables are append-only and keyed by sequence, so replay is
// idempotent for them.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.movement_history`,
		`TRUNCATE projections.flow_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Rebuild from journal entries: credits add, debits subtract
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
