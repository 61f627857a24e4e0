package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// usb.ids database locations, tried in order.
var usbIDPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/usr/share/usb.ids",
	"/var/lib/usbutils/usb.ids",
}

type idVendor struct {
	name     string
	products map[uint16]string
}

var (
	idsOnce sync.Once
	idsDB   map[uint16]idVendor
)

// lookupProduct resolves a "Vendor Product" display name from the
// system usb.ids database, degrading to the raw IDs when the database
// is missing or the IDs are unlisted.
func lookupProduct(vid, pid uint16) string {
	idsOnce.Do(loadUSBIDs)

	vendor, ok := idsDB[vid]
	if !ok {
		return fmt.Sprintf("[%04x:%04x]", vid, pid)
	}
	if product, ok := vendor.products[pid]; ok {
		return vendor.name + " " + product
	}
	return vendor.name
}

func loadUSBIDs() {
	idsDB = make(map[uint16]idVendor)
	for _, path := range usbIDPaths {
		if err := loadUSBIDFile(path); err == nil {
			return
		}
	}
}

func loadUSBIDFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var current uint16
	var inVendor bool

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Class sections and everything after them are not needed.
		if strings.HasPrefix(line, "C ") {
			break
		}

		if strings.HasPrefix(line, "\t") {
			if !inVendor {
				continue
			}
			entry := strings.TrimPrefix(line, "\t")
			if len(entry) < 6 {
				continue
			}
			pid, err := strconv.ParseUint(entry[:4], 16, 16)
			if err != nil {
				continue
			}
			idsDB[current].products[uint16(pid)] = strings.TrimSpace(entry[4:])
			continue
		}

		if len(line) < 6 {
			inVendor = false
			continue
		}
		vid, err := strconv.ParseUint(line[:4], 16, 16)
		if err != nil {
			inVendor = false
			continue
		}
		current = uint16(vid)
		idsDB[current] = idVendor{
			name:     strings.TrimSpace(line[4:]),
			products: make(map[uint16]string),
		}
		inVendor = true
	}
	return scanner.Err()
}
