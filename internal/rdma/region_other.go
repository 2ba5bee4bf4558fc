//go:build !linux

package rdma

const hugeTLBFlag = 0
