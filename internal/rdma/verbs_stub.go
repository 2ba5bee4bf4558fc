//go:build !rdma_hw

package rdma

// NewVerbsFabric returns ErrVerbsUnavailable in builds without the rdma_hw
// tag.
func NewVerbsFabric() (Fabric, error) {
	return nil, ErrVerbsUnavailable
}
