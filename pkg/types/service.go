package types

import (
	"fmt"
	"strings"
)

// ServiceProvider names the built-in behavior a service enables.
type ServiceProvider string

// Service providers.
const (
	ProviderMetadata    ServiceProvider = "metadata"
	ProviderJSON        ServiceProvider = "json"
	ProviderJSONSearch  ServiceProvider = "json_search"
	ProviderGraph       ServiceProvider = "graph"
	ProviderGraphSearch ServiceProvider = "graph_search"
	ProviderAggregate   ServiceProvider = "aggregate"
)

// MetadataService is the name of the service registered by Initialize.
const MetadataService = "metadata"

var serviceProviders = map[ServiceProvider]bool{
	ProviderMetadata:    true,
	ProviderJSON:        true,
	ProviderJSONSearch:  true,
	ProviderGraph:       true,
	ProviderGraphSearch: true,
	ProviderAggregate:   true,
}

// Valid reports whether p is a known provider.
func (p ServiceProvider) Valid() bool {
	return serviceProviders[p]
}

// ParseServiceProvider parses a provider name case-insensitively.
func ParseServiceProvider(s string) (ServiceProvider, error) {
	p := ServiceProvider(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidProvider, s)
	}
	return p, nil
}

// ServiceDescriptor is a named view over one or more data types. Services do
// not own rows; deleting one leaves its data types untouched.
type ServiceDescriptor struct {
	Name      string          `json:"name"`
	Provider  ServiceProvider `json:"provider"`
	DataTypes []string        `json:"data_types"`
}

// Validate checks the name and provider. Dependencies are not checked
// against the registry.
func (s ServiceDescriptor) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if !s.Provider.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidProvider, s.Provider)
	}
	for _, dt := range s.DataTypes {
		if err := ValidateName(dt); err != nil {
			return fmt.Errorf("dependency: %w", err)
		}
	}
	return nil
}

// MissingDataTypes returns the dependencies of s that are not in attached.
func (s ServiceDescriptor) MissingDataTypes(attached []string) []string {
	have := make(map[string]bool, len(attached))
	for _, name := range attached {
		have[name] = true
	}
	var missing []string
	for _, dt := range s.DataTypes {
		if !have[dt] {
			missing = append(missing, dt)
		}
	}
	return missing
}
