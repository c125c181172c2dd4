package device

import "github.com/shirou/gopsutil/v4/mem"

// HostMemory reports the host's total and available RAM in bytes.
func HostMemory() (total, available uint64, err error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}
