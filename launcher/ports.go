package launcher

import (
	"sync"

	"github.com/couchbaselabs/fsmcluster/utils/netutils"
	"github.com/pkg/errors"
)

const maxPortScan = 1000

var ErrNoFreePorts = errors.New("no free ports available")

// PortAllocator hands out increasing ports starting at a base port, skipping
// any that are already bound on the host.
type PortAllocator struct {
	lock sync.Mutex
	host string
	next int

	isAvailable func(host string, port int) bool
}

func NewPortAllocator(host string, basePort int) *PortAllocator {
	return &PortAllocator{
		host:        host,
		next:        basePort,
		isAvailable: netutils.IsPortAvailable,
	}
}

func (a *PortAllocator) Next() (int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	for i := 0; i < maxPortScan; i++ {
		port := a.next
		a.next++

		if port > 65535 {
			break
		}

		if a.isAvailable(a.host, port) {
			return port, nil
		}
	}

	return 0, ErrNoFreePorts
}
