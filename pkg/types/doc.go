// Package types defines the Database interface, the addressing and registry
// value types, payload kinds, configuration, and the standard errors for the
// deepdecipher neuron store.
//
// A store holds, for every (model, layer, neuron) triple, zero or more named
// payloads. Each payload belongs to a DataType, and a DataType must be
// attached to a model before rows of that type can be written for it. Rows
// live at one of three granularities addressed by an Index: the whole model,
// one layer, or one neuron.
package types
