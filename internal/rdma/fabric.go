package rdma

import "fmt"

// Fabric names accepted by Open.
const (
	FabricSim   = "sim"
	FabricVerbs = "verbs"
)

// Open returns the fabric registered under name.
func Open(name string) (Fabric, error) {
	switch name {
	case FabricSim, "":
		return NewSimFabric(), nil
	case FabricVerbs:
		return NewVerbsFabric()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFabric, name)
	}
}
