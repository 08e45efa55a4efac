// Package deepdecipher holds module-wide constants.
package deepdecipher

// Version is the release of the deepdecipher module.
const Version = "0.3.0"

// ModulePath is the Go import path of the module.
const ModulePath = "github.com/mesh-intelligence/deepdecipher"
