package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// Store identification written to store_info at initialize and checked on
// open. Bump schemaVersion whenever the DDL below changes.
const (
	applicationName = "deepdecipher"
	schemaVersion   = 1
)

// Schema DDL. Row tables are clustered on (model, data type, layer, neuron)
// so per-model and per-attachment cascades are range deletes; the
// data_type_id indices serve data type deletion across all models.
const (
	createStoreInfo = `CREATE TABLE store_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;`

	createModel = `CREATE TABLE model (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    num_layers INTEGER NOT NULL,
    neurons_per_layer INTEGER NOT NULL,
    activation_function TEXT NOT NULL,
    num_total_parameters INTEGER NOT NULL,
    dataset TEXT NOT NULL
);`

	createDataType = `CREATE TABLE data_type (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL
);`

	createModelDataType = `CREATE TABLE model_data_type (
    model_id INTEGER NOT NULL,
    data_type_id INTEGER NOT NULL,
    PRIMARY KEY (model_id, data_type_id)
) WITHOUT ROWID;`

	createService = `CREATE TABLE service (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    provider TEXT NOT NULL
);`

	createServiceDataType = `CREATE TABLE service_data_type (
    service_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    data_type_name TEXT NOT NULL,
    PRIMARY KEY (service_id, position)
) WITHOUT ROWID;`

	createModelData = `CREATE TABLE model_data (
    model_id INTEGER NOT NULL,
    data_type_id INTEGER NOT NULL,
    data BLOB NOT NULL,
    PRIMARY KEY (model_id, data_type_id)
) WITHOUT ROWID;`

	createLayerData = `CREATE TABLE layer_data (
    model_id INTEGER NOT NULL,
    data_type_id INTEGER NOT NULL,
    layer_index INTEGER NOT NULL,
    data BLOB NOT NULL,
    PRIMARY KEY (model_id, data_type_id, layer_index)
) WITHOUT ROWID;`

	createNeuronData = `CREATE TABLE neuron_data (
    model_id INTEGER NOT NULL,
    data_type_id INTEGER NOT NULL,
    layer_index INTEGER NOT NULL,
    neuron_index INTEGER NOT NULL,
    data BLOB NOT NULL,
    PRIMARY KEY (model_id, data_type_id, layer_index, neuron_index)
) WITHOUT ROWID;`
)

// Index DDL.
const (
	indexModelDataTypeByType   = `CREATE INDEX idx_model_data_type_data_type ON model_data_type (data_type_id);`
	indexServiceDataTypeByName = `CREATE INDEX idx_service_data_type_name ON service_data_type (data_type_name);`
	indexModelDataByType       = `CREATE INDEX idx_model_data_data_type ON model_data (data_type_id);`
	indexLayerDataByType       = `CREATE INDEX idx_layer_data_data_type ON layer_data (data_type_id);`
	indexNeuronDataByType      = `CREATE INDEX idx_neuron_data_data_type ON neuron_data (data_type_id);`
)

var schemaStatements = []string{
	createStoreInfo,
	createModel,
	createDataType,
	createModelDataType,
	createService,
	createServiceDataType,
	createModelData,
	createLayerData,
	createNeuronData,
	indexModelDataTypeByType,
	indexServiceDataTypeByName,
	indexModelDataByType,
	indexLayerDataByType,
	indexNeuronDataByType,
}

func createSchema(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO store_info (key, value) VALUES ('application', ?), ('schema_version', ?)",
		applicationName, strconv.Itoa(schemaVersion),
	)
	if err != nil {
		return fmt.Errorf("write store info: %w", err)
	}
	return nil
}

// checkSchema reports ErrCorrupt unless db was created by this application
// with the current schema version. Files SQLite cannot read are corrupt too.
func checkSchema(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM store_info")
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrCorrupt, err)
	}
	defer rows.Close()

	info := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("%w: %v", types.ErrCorrupt, err)
		}
		info[k] = v
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrCorrupt, err)
	}

	if info["application"] != applicationName {
		return fmt.Errorf("%w: not a %s store", types.ErrCorrupt, applicationName)
	}
	if v := info["schema_version"]; v != strconv.Itoa(schemaVersion) {
		return fmt.Errorf("%w: schema version %q, want %d", types.ErrCorrupt, v, schemaVersion)
	}
	return nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string
	err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && result != "ok") {
		return fmt.Errorf("%w: quick_check: %s", types.ErrCorrupt, result)
	}
	if err != nil {
		return fmt.Errorf("%w: quick_check: %v", types.ErrCorrupt, err)
	}
	return nil
}
