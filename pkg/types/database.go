package types

import (
	"context"
	"iter"
)

// DataTypeRegistry maps data type names to handles and payload kinds.
type DataTypeRegistry interface {
	// RegisterDataType persists a new data type with a fresh id.
	// Returns ErrAlreadyExists if the name is taken and ErrInvalidKind for
	// an unknown kind.
	RegisterDataType(ctx context.Context, name string, kind PayloadKind) (DataType, error)

	// LookupDataType reports absence with false rather than an error.
	LookupDataType(ctx context.Context, name string) (DataType, bool, error)

	// DataTypes lists every registered data type ordered by name.
	DataTypes(ctx context.Context) ([]DataType, error)

	// DeleteDataType removes the type, its rows in every partition and its
	// attachment to every model. Under DeleteRestrict it fails with
	// ErrInUse while any service depends on the type.
	DeleteDataType(ctx context.Context, name string) error
}

// ModelRegistry maps model names to metadata and attached data types.
type ModelRegistry interface {
	// RegisterModel returns ErrAlreadyExists if the name is taken.
	RegisterModel(ctx context.Context, meta ModelMetadata) (Model, error)

	LookupModel(ctx context.Context, name string) (Model, bool, error)

	// Models lists every registered model ordered by name.
	Models(ctx context.Context) ([]Model, error)

	// DeleteModel removes the model with all its rows and attachments. The
	// name can be registered again straight away.
	DeleteModel(ctx context.Context, name string) error

	// ReplaceMetadata swaps the metadata of an existing model. It fails with
	// ErrDimensionShrink, leaving everything untouched, when a stored row
	// would fall outside the new dimensions.
	ReplaceMetadata(ctx context.Context, name string, meta ModelMetadata) (Model, error)

	// AttachDataType is idempotent.
	AttachDataType(ctx context.Context, model, dataType string) error

	// DetachDataType removes the attachment and the model's rows of the type.
	DetachDataType(ctx context.Context, model, dataType string) error

	HasDataType(ctx context.Context, model, dataType string) (bool, error)

	// ModelDataTypes lists the data types attached to a model, ordered by name.
	ModelDataTypes(ctx context.Context, model string) ([]DataType, error)
}

// GranularStore holds rows in the model, layer and neuron partitions.
type GranularStore interface {
	// Write upserts one row. It returns ErrNotFound for an unknown model or
	// data type, ErrNotAttached, ErrOutOfRange or ErrInvalidPayload.
	Write(ctx context.Context, model, dataType string, idx Index, payload []byte) error

	// Read returns the row's payload. Absence, including unknown names and
	// out-of-range indices, is reported with false.
	Read(ctx context.Context, model, dataType string, idx Index) ([]byte, bool, error)

	// BulkWrite commits rows in batches and returns how many were committed.
	// Each row is atomic on its own; a cancelled context stops between rows
	// and rolls back only the open batch.
	BulkWrite(ctx context.Context, model, dataType string, rows iter.Seq2[Index, []byte]) (int, error)

	// DeleteData removes every row of one data type for a model.
	DeleteData(ctx context.Context, model, dataType string) error

	// ClearModel removes every row of a model, keeping its attachments.
	ClearModel(ctx context.Context, model string) error

	// Aggregate returns the payload of every attached data type that has a
	// row at idx, keyed by data type name.
	Aggregate(ctx context.Context, model string, idx Index) (map[string]Payload, error)

	// Enumerate returns the rows at or below scope in ascending Index order.
	Enumerate(ctx context.Context, model, dataType string, scope Index) ([]Entry, error)

	// MissingItems returns the indices of the given granularity that have no
	// row of the data type.
	MissingItems(ctx context.Context, model, dataType string, g Granularity) ([]Index, error)
}

// ServiceRegistry maps service names to descriptors.
type ServiceRegistry interface {
	// RegisterService returns ErrAlreadyExists if the name is taken. The
	// dependencies need not exist yet.
	RegisterService(ctx context.Context, desc ServiceDescriptor) (ServiceDescriptor, error)

	LookupService(ctx context.Context, name string) (ServiceDescriptor, bool, error)

	// Services lists every registered service ordered by name.
	Services(ctx context.Context) ([]ServiceDescriptor, error)

	// DeleteService never touches data types or rows.
	DeleteService(ctx context.Context, name string) error

	// AvailableServices lists the services whose every dependency is
	// attached to the model.
	AvailableServices(ctx context.Context, model string) ([]ServiceDescriptor, error)
}

// Database is an open store. Callers hold it explicitly; there is no
// process-wide instance.
type Database interface {
	DataTypeRegistry
	ModelRegistry
	GranularStore
	ServiceRegistry

	// Snapshot writes a consistent copy of the store to dst. It returns
	// ErrAlreadyExists if dst exists.
	Snapshot(ctx context.Context, dst string) error

	// ExportRegistry writes models, data types, attachments and services as
	// JSONL files under dir. Rows are not exported.
	ExportRegistry(ctx context.Context, dir string) error

	// ImportRegistry registers everything found in an exported directory,
	// skipping entries that already exist.
	ImportRegistry(ctx context.Context, dir string) error

	// Close is idempotent. Every later call returns ErrClosed.
	Close() error
}
