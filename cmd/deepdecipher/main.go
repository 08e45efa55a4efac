// Command deepdecipher manages a store of per-neuron interpretability data
// and renders it through registered services.
package main

import "github.com/mesh-intelligence/deepdecipher/internal/cli"

func main() {
	cli.Execute()
}
