package usb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sysfsUsbDir = "/sys/bus/usb/devices"

// Enumerate lists the USB devices visible in sysfs. Entries that cannot
// be read (racing disconnects, permissions) are skipped.
func (b *KernelBackend) Enumerate() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsUsbDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sysfs USB directory: %w", err)
	}

	var devices []DeviceInfo
	for _, entry := range entries {
		name := entry.Name()

		// Interface nodes contain ':'; device nodes contain '-' or are
		// root hubs named usbN.
		if strings.Contains(name, ":") {
			continue
		}
		if !strings.Contains(name, "-") && !strings.HasPrefix(name, "usb") {
			continue
		}

		info, err := readSysfsDevice(filepath.Join(sysfsUsbDir, name))
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// FindDevice returns the usbfs path of the first attached device
// matching the vendor and product ID.
func (b *KernelBackend) FindDevice(vendorID, productID uint16) (string, error) {
	devices, err := b.Enumerate()
	if err != nil {
		return "", err
	}
	for _, info := range devices {
		if info.VendorID == vendorID && info.ProductID == productID {
			return info.Path, nil
		}
	}
	return "", ErrDeviceNotFound
}

func readSysfsDevice(dir string) (DeviceInfo, error) {
	var info DeviceInfo

	readUint := func(name string, base, bits int) (uint64, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return 0, err
		}
		return strconv.ParseUint(strings.TrimSpace(string(data)), base, bits)
	}
	readString := func(name string) string {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}

	bus, err := readUint("busnum", 10, 8)
	if err != nil {
		return info, err
	}
	addr, err := readUint("devnum", 10, 8)
	if err != nil {
		return info, err
	}
	vid, err := readUint("idVendor", 16, 16)
	if err != nil {
		return info, err
	}
	pid, err := readUint("idProduct", 16, 16)
	if err != nil {
		return info, err
	}

	info.Bus = uint8(bus)
	info.Address = uint8(addr)
	info.VendorID = uint16(vid)
	info.ProductID = uint16(pid)
	info.Path = fmt.Sprintf("/dev/bus/usb/%03d/%03d", info.Bus, info.Address)

	if class, err := readUint("bDeviceClass", 16, 8); err == nil {
		info.DeviceClass = uint8(class)
	}
	if ncfg, err := readUint("bNumConfigurations", 10, 8); err == nil {
		info.NumConfigurations = uint8(ncfg)
	}
	info.Manufacturer = readString("manufacturer")
	info.Product = readString("product")
	info.Serial = readString("serial")

	return info, nil
}

// IsValidDevicePath checks whether a path names a usbfs device node.
func IsValidDevicePath(path string) bool {
	if !strings.HasPrefix(path, "/dev/bus/usb/") {
		return false
	}
	parts := strings.Split(path, "/")
	if len(parts) != 6 {
		return false
	}
	busNum, err := strconv.Atoi(parts[4])
	if err != nil || busNum < 1 || busNum > 255 {
		return false
	}
	devNum, err := strconv.Atoi(parts[5])
	if err != nil || devNum < 1 || devNum > 255 {
		return false
	}
	return true
}
