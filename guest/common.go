// Package guest finds ivshmem-plain PCI devices from inside a virtual machine
// and maps their shared memory BAR.
package guest

import (
	"errors"
	"fmt"
)

var ErrCannotFindDevice = errors.New("cannot find device")

// PCILocation contains info about the location of the device.
type PCILocation struct {
	bus      uint8
	device   uint8
	function uint8
}

// NewPCILocation returns the location bus:device.function.
func NewPCILocation(bus, device, function uint8) PCILocation {
	return PCILocation{bus: bus, device: device, function: function}
}

// String representation of the PCI location, as in windows device manager.
func (p PCILocation) String() string {
	return fmt.Sprintf("PCI bus %d, device %d, function %d", p.bus, p.device, p.function)
}

// Bus returns the PCI device bus number.
func (p PCILocation) Bus() uint8 {
	return p.bus
}

// Device returns the PCI device number.
func (p PCILocation) Device() uint8 {
	return p.device
}

// Function returns the PCI device function.
func (p PCILocation) Function() uint8 {
	return p.function
}

// compare orders locations by bus, device and function.
func (p PCILocation) compare(o PCILocation) int {
	if p.bus != o.bus {
		return int(p.bus) - int(o.bus)
	}
	if p.device != o.device {
		return int(p.device) - int(o.device)
	}
	return int(p.function) - int(o.function)
}
