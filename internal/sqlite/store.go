package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/mesh-intelligence/deepdecipher/internal/codec"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// partition holds the statements for one granularity's row table. Key
// arguments are always (model_id, data_type_id[, layer_index[, neuron_index]]).
type partition struct {
	table  string
	upsert string
	read   string
}

var partitions = map[types.Granularity]partition{
	types.GranularityModel: {
		table: "model_data",
		upsert: `INSERT INTO model_data (model_id, data_type_id, data) VALUES (?, ?, ?)
ON CONFLICT (model_id, data_type_id) DO UPDATE SET data = excluded.data`,
		read: "SELECT data FROM model_data WHERE model_id = ? AND data_type_id = ?",
	},
	types.GranularityLayer: {
		table: "layer_data",
		upsert: `INSERT INTO layer_data (model_id, data_type_id, layer_index, data) VALUES (?, ?, ?, ?)
ON CONFLICT (model_id, data_type_id, layer_index) DO UPDATE SET data = excluded.data`,
		read: "SELECT data FROM layer_data WHERE model_id = ? AND data_type_id = ? AND layer_index = ?",
	},
	types.GranularityNeuron: {
		table: "neuron_data",
		upsert: `INSERT INTO neuron_data (model_id, data_type_id, layer_index, neuron_index, data) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (model_id, data_type_id, layer_index, neuron_index) DO UPDATE SET data = excluded.data`,
		read: "SELECT data FROM neuron_data WHERE model_id = ? AND data_type_id = ? AND layer_index = ? AND neuron_index = ?",
	},
}

// keyArgs returns the statement arguments addressing idx.
func keyArgs(modelID, dataTypeID int64, idx types.Index) []any {
	switch idx.Granularity() {
	case types.GranularityLayer:
		return []any{modelID, dataTypeID, idx.Layer()}
	case types.GranularityNeuron:
		return []any{modelID, dataTypeID, idx.Layer(), idx.Neuron()}
	default:
		return []any{modelID, dataTypeID}
	}
}

// target is a resolved (model, data type) pair.
type target struct {
	model    types.Model
	dataType types.DataType
	attached bool
}

func resolve(ctx context.Context, q querier, model, dataType string) (target, error) {
	m, dt, err := requireModelAndDataType(ctx, q, model, dataType)
	if err != nil {
		return target{}, err
	}
	t := target{model: m, dataType: dt}
	err = q.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM model_data_type WHERE model_id = ? AND data_type_id = ?)",
		m.ID, dt.ID).Scan(&t.attached)
	if err != nil {
		return target{}, err
	}
	return t, nil
}

// writable checks everything Write requires before touching a row.
func (t target) writable(idx types.Index, payload []byte) error {
	if !t.attached {
		return fmt.Errorf("%w: %q to %q", types.ErrNotAttached, t.dataType.Name, t.model.Name())
	}
	if err := idx.Validate(t.model.Metadata); err != nil {
		return err
	}
	return types.ValidatePayload(t.dataType.Kind, payload)
}

// Write upserts the row at idx. The registry checks run inside the write
// transaction, so a detach or shrink committed by another handle cannot slip
// in between them and the upsert.
func (b *Backend) Write(ctx context.Context, model, dataType string, idx types.Index, payload []byte) error {
	unlock, err := b.rlock()
	if err != nil {
		return err
	}
	defer unlock()

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		t, err := resolve(ctx, tx, model, dataType)
		if err != nil {
			return err
		}
		if err := t.writable(idx, payload); err != nil {
			return err
		}
		enc, err := codec.Encode(b.codec, payload)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		args := append(keyArgs(t.model.ID, t.dataType.ID, idx), enc)
		_, err = tx.ExecContext(ctx, partitions[idx.Granularity()].upsert, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s/%s/%s: %w", model, dataType, idx, err)
	}
	return nil
}

// Read returns the payload at idx. Unknown names, unattached data types and
// out-of-range indices all read as absent.
func (b *Backend) Read(ctx context.Context, model, dataType string, idx types.Index) ([]byte, bool, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	t, err := resolve(ctx, b.db, model, dataType)
	if errors.Is(err, types.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s/%s: %w", model, dataType, idx, err)
	}
	if idx.Validate(t.model.Metadata) != nil {
		return nil, false, nil
	}

	var raw []byte
	err = b.db.QueryRowContext(ctx, partitions[idx.Granularity()].read,
		keyArgs(t.model.ID, t.dataType.ID, idx)...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s/%s: %w", model, dataType, idx, err)
	}
	data, err := decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s/%s: %w", model, dataType, idx, err)
	}
	return data, true, nil
}

type bulkRow struct {
	idx     types.Index
	payload []byte
}

// BulkWrite writes rows in transactions of Config.BatchSize rows. The shared
// lock is taken per batch and the batch's rows are pulled from the iterator
// before it is taken. It returns the number of rows committed; on error or
// cancellation only the open batch is rolled back.
func (b *Backend) BulkWrite(ctx context.Context, model, dataType string, rows iter.Seq2[types.Index, []byte]) (int, error) {
	if err := b.checkWritable(ctx, model, dataType); err != nil {
		return 0, fmt.Errorf("bulk write %s/%s: %w", model, dataType, err)
	}

	next, stop := iter.Pull2(rows)
	defer stop()

	batch := make([]bulkRow, 0, b.config.BatchSize)
	committed := 0
	for {
		batch = batch[:0]
		done := false
		for len(batch) < b.config.BatchSize {
			if err := ctx.Err(); err != nil {
				return committed, fmt.Errorf("bulk write %s/%s: %w", model, dataType, err)
			}
			idx, payload, ok := next()
			if !ok {
				done = true
				break
			}
			batch = append(batch, bulkRow{idx: idx, payload: payload})
		}

		if len(batch) > 0 {
			if err := b.writeBatch(ctx, model, dataType, batch); err != nil {
				return committed, fmt.Errorf("bulk write %s/%s: %w", model, dataType, err)
			}
			committed += len(batch)
			b.log.Debug("bulk batch committed", "model", model, "data_type", dataType,
				"rows", len(batch), "total", committed)
		}
		if done {
			return committed, nil
		}
	}
}

// checkWritable fails fast before any row is pulled. writeBatch repeats the
// check inside each batch's transaction.
func (b *Backend) checkWritable(ctx context.Context, model, dataType string) error {
	unlock, err := b.rlock()
	if err != nil {
		return err
	}
	defer unlock()

	t, err := resolve(ctx, b.db, model, dataType)
	if err != nil {
		return err
	}
	if !t.attached {
		return fmt.Errorf("%w: %q to %q", types.ErrNotAttached, dataType, model)
	}
	return nil
}

func (b *Backend) writeBatch(ctx context.Context, model, dataType string, batch []bulkRow) error {
	unlock, err := b.rlock()
	if err != nil {
		return err
	}
	defer unlock()

	return b.inTx(ctx, func(tx *sql.Tx) error {
		// Registry mutations may have run since the previous batch.
		t, err := resolve(ctx, tx, model, dataType)
		if err != nil {
			return err
		}

		stmts := make(map[types.Granularity]*sql.Stmt, len(partitions))
		defer func() {
			for _, s := range stmts {
				s.Close()
			}
		}()

		for _, row := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.writable(row.idx, row.payload); err != nil {
				return fmt.Errorf("row %s: %w", row.idx, err)
			}
			enc, err := codec.Encode(b.codec, row.payload)
			if err != nil {
				return fmt.Errorf("row %s: encode: %w", row.idx, err)
			}

			g := row.idx.Granularity()
			stmt, ok := stmts[g]
			if !ok {
				stmt, err = tx.PrepareContext(ctx, partitions[g].upsert)
				if err != nil {
					return fmt.Errorf("prepare %s upsert: %w", partitions[g].table, err)
				}
				stmts[g] = stmt
			}
			args := append(keyArgs(t.model.ID, t.dataType.ID, row.idx), enc)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("row %s: %w", row.idx, err)
			}
		}
		return nil
	})
}

// DeleteData removes every row of the data type for the model. The
// attachment stays.
func (b *Backend) DeleteData(ctx context.Context, model, dataType string) error {
	unlock, err := b.rlock()
	if err != nil {
		return err
	}
	defer unlock()

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		m, dt, err := requireModelAndDataType(ctx, tx, model, dataType)
		if err != nil {
			return err
		}
		return deleteRows(ctx, tx, m.ID, dt.ID)
	})
	if err != nil {
		return fmt.Errorf("delete %s rows of %q: %w", dataType, model, err)
	}
	b.log.Info("rows deleted", "model", model, "data_type", dataType)
	return nil
}

// ClearModel removes every row of the model. Attachments stay.
func (b *Backend) ClearModel(ctx context.Context, model string) error {
	unlock, err := b.rlock()
	if err != nil {
		return err
	}
	defer unlock()

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		m, err := requireModel(ctx, tx, model)
		if err != nil {
			return err
		}
		for _, p := range partitions {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+p.table+" WHERE model_id = ?", m.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear model %q: %w", model, err)
	}
	b.log.Info("model cleared", "model", model)
	return nil
}

// deleteRows removes one attachment's rows from every partition.
func deleteRows(ctx context.Context, tx *sql.Tx, modelID, dataTypeID int64) error {
	for _, p := range partitions {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM "+p.table+" WHERE model_id = ? AND data_type_id = ?", modelID, dataTypeID)
		if err != nil {
			return fmt.Errorf("delete from %s: %w", p.table, err)
		}
	}
	return nil
}

func decode(raw []byte) ([]byte, error) {
	data, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCorrupt, err)
	}
	return data, nil
}
