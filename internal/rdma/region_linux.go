package rdma

import "golang.org/x/sys/unix"

const hugeTLBFlag = unix.MAP_HUGETLB
