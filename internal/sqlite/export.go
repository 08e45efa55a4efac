package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// Registry export files, in import order.
const (
	dataTypesJSONL   = "data_types.jsonl"
	modelsJSONL      = "models.jsonl"
	attachmentsJSONL = "attachments.jsonl"
	servicesJSONL    = "services.jsonl"
)

type dataTypeRecord struct {
	Name string            `json:"name"`
	Kind types.PayloadKind `json:"kind"`
}

type attachmentRecord struct {
	Model    string `json:"model"`
	DataType string `json:"data_type"`
}

// ExportRegistry writes the registries to JSONL files under dir. Row data is
// not exported; use Snapshot for a full copy.
func (b *Backend) ExportRegistry(ctx context.Context, dir string) error {
	unlock, err := b.rlock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("export registry: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, "SELECT id, name, kind FROM data_type ORDER BY name")
	if err != nil {
		return fmt.Errorf("export data types: %w", err)
	}
	dts, err := scanDataTypes(rows)
	if err != nil {
		return fmt.Errorf("export data types: %w", err)
	}
	dtRecords := make([]dataTypeRecord, len(dts))
	for i, dt := range dts {
		dtRecords[i] = dataTypeRecord{Name: dt.Name, Kind: dt.Kind}
	}

	var (
		metas       []types.ModelMetadata
		attachments []attachmentRecord
	)
	rows, err = b.db.QueryContext(ctx, selectModel+" ORDER BY name")
	if err != nil {
		return fmt.Errorf("export models: %w", err)
	}
	models, err := func() ([]types.Model, error) {
		defer rows.Close()
		var out []types.Model
		for rows.Next() {
			m, err := scanModel(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	}()
	if err != nil {
		return fmt.Errorf("export models: %w", err)
	}
	for _, m := range models {
		metas = append(metas, m.Metadata)
		attached, err := attachedDataTypes(ctx, b.db, m.ID)
		if err != nil {
			return fmt.Errorf("export attachments of %q: %w", m.Name(), err)
		}
		for _, dt := range attached {
			attachments = append(attachments, attachmentRecord{Model: m.Name(), DataType: dt.Name})
		}
	}

	services, err := listServices(ctx, b.db)
	if err != nil {
		return fmt.Errorf("export services: %w", err)
	}

	if err := writeJSONL(filepath.Join(dir, dataTypesJSONL), dtRecords); err != nil {
		return fmt.Errorf("export data types: %w", err)
	}
	if err := writeJSONL(filepath.Join(dir, modelsJSONL), metas); err != nil {
		return fmt.Errorf("export models: %w", err)
	}
	if err := writeJSONL(filepath.Join(dir, attachmentsJSONL), attachments); err != nil {
		return fmt.Errorf("export attachments: %w", err)
	}
	if err := writeJSONL(filepath.Join(dir, servicesJSONL), services); err != nil {
		return fmt.Errorf("export services: %w", err)
	}

	b.log.Info("registry exported", "dir", dir, "models", len(metas),
		"data_types", len(dtRecords), "services", len(services))
	return nil
}

// ImportRegistry registers everything in an exported directory in one
// transaction. Entries whose name already exists are skipped, except a data
// type registered with a different kind, which fails the import.
func (b *Backend) ImportRegistry(ctx context.Context, dir string) error {
	if info, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("import registry from %s: %w", dir, types.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("import registry from %s: %w", dir, err)
	} else if !info.IsDir() {
		return fmt.Errorf("import registry from %s: not a directory", dir)
	}

	dts, err := readJSONL[dataTypeRecord](filepath.Join(dir, dataTypesJSONL))
	if err != nil {
		return fmt.Errorf("import registry: %w", err)
	}
	metas, err := readJSONL[types.ModelMetadata](filepath.Join(dir, modelsJSONL))
	if err != nil {
		return fmt.Errorf("import registry: %w", err)
	}
	attachments, err := readJSONL[attachmentRecord](filepath.Join(dir, attachmentsJSONL))
	if err != nil {
		return fmt.Errorf("import registry: %w", err)
	}
	services, err := readJSONL[types.ServiceDescriptor](filepath.Join(dir, servicesJSONL))
	if err != nil {
		return fmt.Errorf("import registry: %w", err)
	}

	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()

	added := 0
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range dts {
			if err := types.ValidateName(rec.Name); err != nil {
				return fmt.Errorf("data type: %w", err)
			}
			if !rec.Kind.Valid() {
				return fmt.Errorf("data type %q: %w: %q", rec.Name, types.ErrInvalidKind, rec.Kind)
			}
			existing, ok, err := lookupDataType(ctx, tx, rec.Name)
			if err != nil {
				return err
			}
			if ok {
				if existing.Kind != rec.Kind {
					return fmt.Errorf("data type %q: %w with kind %s", rec.Name, types.ErrAlreadyExists, existing.Kind)
				}
				continue
			}
			if _, err := insertDataType(ctx, tx, rec.Name, rec.Kind); err != nil {
				return fmt.Errorf("data type %q: %w", rec.Name, err)
			}
			added++
		}

		for _, meta := range metas {
			if err := validateMetadata(meta); err != nil {
				return fmt.Errorf("model %q: %w", meta.Name, err)
			}
			_, ok, err := lookupModel(ctx, tx, meta.Name)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if _, err := insertModel(ctx, tx, meta); err != nil {
				return fmt.Errorf("model %q: %w", meta.Name, err)
			}
			added++
		}

		for _, rec := range attachments {
			m, dt, err := requireModelAndDataType(ctx, tx, rec.Model, rec.DataType)
			if err != nil {
				return fmt.Errorf("attachment: %w", err)
			}
			if err := attach(ctx, tx, m.ID, dt.ID); err != nil {
				return fmt.Errorf("attach %q to %q: %w", rec.DataType, rec.Model, err)
			}
		}

		for _, desc := range services {
			if err := desc.Validate(); err != nil {
				return fmt.Errorf("service %q: %w", desc.Name, err)
			}
			_, err := insertService(ctx, tx, desc)
			if errors.Is(err, types.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("service %q: %w", desc.Name, err)
			}
			added++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("import registry from %s: %w", dir, err)
	}

	b.log.Info("registry imported", "dir", dir, "added", added, "attachments", len(attachments))
	return nil
}
