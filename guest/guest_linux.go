//go:build linux

package guest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/TypicalAM/ivshmem/v2"
)

const (
	PCI_PATH       = "/sys/bus/pci/devices"
	IVSHMEM_VENDOR = "0x1af4" // Red Hat, Inc.
	IVSHMEM_DEVICE = "0x1110" // Inter-VM shared memory
)

// sysfsRoot is where devices are looked up, replaced in tests.
var sysfsRoot = PCI_PATH

// Device is a discovered ivshmem PCI device.
type Device struct {
	Location PCILocation
	// Name is the sysfs directory name, for example "0000:08:00.0".
	Name string
}

// ResourcePath returns the path of the shared memory BAR.
func (d Device) ResourcePath() string {
	return filepath.Join(sysfsRoot, d.Name, "resource2")
}

// ListDevices lists the available ivshmem devices by their locations. The devices are identified by their vendor and device ids.
func ListDevices() ([]PCILocation, error) {
	devices, err := listDevices()
	if err != nil {
		return nil, err
	}

	result := make([]PCILocation, 0, len(devices))
	for _, dev := range devices {
		result = append(result, dev.Location)
	}
	return result, nil
}

// Find returns the device at location.
func Find(location PCILocation) (Device, error) {
	devices, err := listDevices()
	if err != nil {
		return Device{}, err
	}

	for _, dev := range devices {
		if dev.Location == location {
			return dev, nil
		}
	}
	return Device{}, fmt.Errorf("%s: %w", location, ErrCannotFindDevice)
}

// Open maps the shared memory of the device at location. The result carries
// no doorbell; ivshmem-doorbell devices need the server socket on the host.
func Open(location PCILocation) (*ivshmem.Plain, error) {
	dev, err := Find(location)
	if err != nil {
		return nil, err
	}

	mem, err := ivshmem.OpenPlain(dev.ResourcePath())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	return mem, nil
}

// listDevices returns the ivshmem devices found in sysfsRoot sorted by bus -> device -> function.
func listDevices() ([]Device, error) {
	names, err := listIvshmemPCIRaw()
	if err != nil {
		return nil, fmt.Errorf("get raw devices: %w", err)
	}

	devices := make([]Device, 0, len(names))
	for _, name := range names {
		loc, err := convertLocation(name)
		if err != nil {
			slog.Warn("guest: skipping device", "name", name, "error", err)
			continue
		}
		devices = append(devices, Device{Location: *loc, Name: name})
	}

	slices.SortFunc(devices, func(a, b Device) int {
		return a.Location.compare(b.Location)
	})
	return devices, nil
}

// convertLocation converts the PCI folder name to a PCILocation (for example "0000:08:00.0").
func convertLocation(locationDescription string) (*PCILocation, error) {
	parts := strings.Split(locationDescription, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid location description: %s", locationDescription)
	}

	bus, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("parse bus: %w", err)
	}

	devFunc := strings.Split(parts[2], ".")
	if len(devFunc) != 2 {
		return nil, fmt.Errorf("invalid device/function description: %s", devFunc)
	}

	device, err := strconv.ParseUint(devFunc[0], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("parse device: %w", err)
	}

	function, err := strconv.ParseUint(devFunc[1], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("parse function: %w", err)
	}

	return &PCILocation{
		bus:      uint8(bus),
		device:   uint8(device),
		function: uint8(function),
	}, nil
}

// listIvshmemPCIRaw returns the ivshmem PCI names as seen in sysfsRoot.
func listIvshmemPCIRaw() ([]string, error) {
	entry, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("read pci dir: %w", err)
	}

	ivshmemDevices := make([]string, 0)
	for _, dev := range entry {
		name := dev.Name()
		if len(name) != 12 || len(strings.Split(name, ":")) != 3 {
			continue
		}

		vendor, err := readID(name, "vendor")
		if err != nil {
			return nil, fmt.Errorf("vendor read: %w", err)
		}
		if vendor != IVSHMEM_VENDOR {
			continue
		}

		device, err := readID(name, "device")
		if err != nil {
			return nil, fmt.Errorf("device read: %w", err)
		}
		if device != IVSHMEM_DEVICE {
			continue
		}

		ivshmemDevices = append(ivshmemDevices, name)
	}

	return ivshmemDevices, nil
}

func readID(dev, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(sysfsRoot, dev, attr))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
