package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// RegisterService persists a service descriptor. Its dependencies are stored
// by name and need not be registered yet.
func (b *Backend) RegisterService(ctx context.Context, desc types.ServiceDescriptor) (types.ServiceDescriptor, error) {
	if err := desc.Validate(); err != nil {
		return types.ServiceDescriptor{}, fmt.Errorf("register service %q: %w", desc.Name, err)
	}

	unlock, err := b.lock()
	if err != nil {
		return types.ServiceDescriptor{}, err
	}
	defer unlock()

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		_, err := insertService(ctx, tx, desc)
		return err
	})
	if err != nil {
		return types.ServiceDescriptor{}, fmt.Errorf("register service %q: %w", desc.Name, err)
	}
	b.log.Info("service registered", "service", desc.Name, "provider", desc.Provider, "data_types", desc.DataTypes)
	return desc, nil
}

// LookupService returns false when no service has the name.
func (b *Backend) LookupService(ctx context.Context, name string) (types.ServiceDescriptor, bool, error) {
	unlock, err := b.rlock()
	if err != nil {
		return types.ServiceDescriptor{}, false, err
	}
	defer unlock()

	var (
		id   int64
		desc = types.ServiceDescriptor{Name: name}
	)
	err = b.db.QueryRowContext(ctx, "SELECT id, provider FROM service WHERE name = ?", name).
		Scan(&id, &desc.Provider)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ServiceDescriptor{}, false, nil
	}
	if err != nil {
		return types.ServiceDescriptor{}, false, fmt.Errorf("lookup service %q: %w", name, err)
	}

	rows, err := b.db.QueryContext(ctx,
		"SELECT data_type_name FROM service_data_type WHERE service_id = ? ORDER BY position", id)
	if err != nil {
		return types.ServiceDescriptor{}, false, fmt.Errorf("lookup service %q: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var dt string
		if err := rows.Scan(&dt); err != nil {
			return types.ServiceDescriptor{}, false, fmt.Errorf("lookup service %q: %w", name, err)
		}
		desc.DataTypes = append(desc.DataTypes, dt)
	}
	if err := rows.Err(); err != nil {
		return types.ServiceDescriptor{}, false, fmt.Errorf("lookup service %q: %w", name, err)
	}
	return desc, true, nil
}

// Services lists every service ordered by name.
func (b *Backend) Services(ctx context.Context) ([]types.ServiceDescriptor, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	services, err := listServices(ctx, b.db)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return services, nil
}

// DeleteService removes a service. Data types and rows are untouched.
func (b *Backend) DeleteService(ctx context.Context, name string) error {
	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, "SELECT id FROM service WHERE name = ?", name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM service_data_type WHERE service_id = ?", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM service WHERE id = ?", id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete service %q: %w", name, err)
	}
	b.log.Info("service deleted", "service", name)
	return nil
}

// AvailableServices lists the services whose every dependency is attached
// to the model.
func (b *Backend) AvailableServices(ctx context.Context, model string) ([]types.ServiceDescriptor, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := requireModel(ctx, b.db, model)
	if err != nil {
		return nil, fmt.Errorf("available services for %q: %w", model, err)
	}
	dts, err := attachedDataTypes(ctx, b.db, m.ID)
	if err != nil {
		return nil, fmt.Errorf("available services for %q: %w", model, err)
	}
	attached := make([]string, len(dts))
	for i, dt := range dts {
		attached[i] = dt.Name
	}

	services, err := listServices(ctx, b.db)
	if err != nil {
		return nil, fmt.Errorf("available services for %q: %w", model, err)
	}
	var out []types.ServiceDescriptor
	for _, s := range services {
		if len(s.MissingDataTypes(attached)) == 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

func insertService(ctx context.Context, tx *sql.Tx, desc types.ServiceDescriptor) (types.ServiceDescriptor, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM service WHERE name = ?)", desc.Name).
		Scan(&exists); err != nil {
		return types.ServiceDescriptor{}, err
	}
	if exists {
		return types.ServiceDescriptor{}, types.ErrAlreadyExists
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO service (name, provider) VALUES (?, ?)",
		desc.Name, string(desc.Provider))
	if err != nil {
		return types.ServiceDescriptor{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.ServiceDescriptor{}, err
	}
	for i, dt := range desc.DataTypes {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO service_data_type (service_id, position, data_type_name) VALUES (?, ?, ?)",
			id, i, dt)
		if err != nil {
			return types.ServiceDescriptor{}, err
		}
	}
	return desc, nil
}

func listServices(ctx context.Context, q querier) ([]types.ServiceDescriptor, error) {
	deps, err := serviceDependencies(ctx, q)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, "SELECT id, name, provider FROM service ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ServiceDescriptor
	for rows.Next() {
		var (
			id   int64
			desc types.ServiceDescriptor
		)
		if err := rows.Scan(&id, &desc.Name, &desc.Provider); err != nil {
			return nil, err
		}
		desc.DataTypes = deps[id]
		out = append(out, desc)
	}
	return out, rows.Err()
}

// serviceDependencies maps service ids to their dependencies in declaration
// order.
func serviceDependencies(ctx context.Context, q querier) (map[int64][]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT service_id, data_type_name FROM service_data_type ORDER BY service_id, position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deps := make(map[int64][]string)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		deps[id] = append(deps[id], name)
	}
	return deps, rows.Err()
}
