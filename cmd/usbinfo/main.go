// usbinfo lists attached USB devices and dumps their descriptors,
// strings and configuration state through the libusb backend.
package main

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	usb "github.com/sbinkert/LibUsbDotNet"
	"github.com/sbinkert/LibUsbDotNet/internal/log"
)

type appContext struct {
	backend *usb.LibraryBackend
	logger  *slog.Logger
}

var cli struct {
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`

	List ListCmd `cmd:"" default:"1" help:"List attached USB devices."`
	Info InfoCmd `cmd:"" help:"Show descriptors and strings for one device."`
}

// ListCmd prints one line per attached device, lsusb style.
type ListCmd struct {
	Strings bool `short:"s" help:"Open each device and read its product string."`
}

func (c *ListCmd) Run(ctx *appContext) error {
	infos, err := ctx.backend.Enumerate()
	if err != nil {
		return err
	}

	names := make([]string, len(infos))
	if c.Strings {
		var mu sync.Mutex
		g := new(errgroup.Group)
		g.SetLimit(4)
		for i, info := range infos {
			g.Go(func() error {
				name, err := productString(ctx, info.Path)
				if err != nil {
					ctx.logger.Debug("string probe failed", "path", info.Path, "err", err)
					return nil
				}
				mu.Lock()
				names[i] = name
				mu.Unlock()
				return nil
			})
		}
		// Probe failures degrade to ID-database names only.
		_ = g.Wait()
	}

	for i, info := range infos {
		name := names[i]
		if name == "" {
			name = lookupProduct(info.VendorID, info.ProductID)
		}
		fmt.Printf("Bus %03d Device %03d: ID %04x:%04x %s\n",
			info.Bus, info.Address, info.VendorID, info.ProductID, name)
	}
	return nil
}

func productString(ctx *appContext, path string) (string, error) {
	dev, err := usb.Open(ctx.backend, path, usb.WithLogger(ctx.logger))
	if err != nil {
		return "", err
	}
	defer dev.Close()

	info, err := dev.Info()
	if err != nil {
		return "", err
	}
	if info.ProductIndex == 0 {
		return "", nil
	}
	langs, err := dev.GetLangIDs()
	if err != nil || len(langs) == 0 {
		return "", err
	}
	return dev.GetString(langs[0], info.ProductIndex)
}

// InfoCmd dumps everything the library can learn about one device.
type InfoCmd struct {
	Device string `arg:"" help:"Device identity as vid:pid, e.g. 046d:c52b."`
}

func (c *InfoCmd) Run(ctx *appContext) error {
	dev, err := usb.Open(ctx.backend, c.Device, usb.WithLogger(ctx.logger))
	if err != nil {
		return err
	}
	defer dev.Close()

	info, err := dev.Info()
	if err != nil {
		return err
	}

	fmt.Printf("Device %s (driver mode: %s)\n", c.Device, dev.DriverMode())
	fmt.Printf("  USB version:    %x.%02x\n", info.USBVersion>>8, info.USBVersion&0xff)
	fmt.Printf("  Class:          %02x/%02x/%02x\n", info.DeviceClass, info.DeviceSubClass, info.DeviceProtocol)
	fmt.Printf("  Max packet:     %d\n", info.MaxPacketSize0)
	fmt.Printf("  Configurations: %d\n", info.NumConfigurations)

	if langs, err := dev.GetLangIDs(); err == nil && len(langs) > 0 {
		printString(dev, langs[0], "Manufacturer", info.ManufacturerIndex)
		printString(dev, langs[0], "Product", info.ProductIndex)
		printString(dev, langs[0], "Serial", info.SerialNumberIndex)
	}

	if active, err := dev.GetConfiguration(); err == nil {
		fmt.Printf("  Active config:  %d\n", active)
	}

	configs, err := dev.Configs()
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		fmt.Printf("  Configuration %d: %d interface(s), %d mA\n",
			cfg.ConfigurationValue, cfg.NumInterfaces, int(cfg.MaxPower)*2)
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				fmt.Printf("    Interface %d alt %d: class %02x/%02x/%02x\n",
					alt.InterfaceNumber, alt.AlternateSetting,
					alt.InterfaceClass, alt.InterfaceSubClass, alt.InterfaceProtocol)
				for _, ep := range alt.Endpoints {
					dir := "OUT"
					if ep.IsInput() {
						dir = "IN"
					}
					fmt.Printf("      Endpoint %02x %s %s, max packet %d\n",
						ep.EndpointAddr, dir, ep.TransferType(), ep.MaxPacketSize)
				}
			}
		}
	}
	return nil
}

func printString(dev *usb.Device, lang uint16, label string, index uint8) {
	if index == 0 {
		return
	}
	if s, err := dev.GetString(lang, index); err == nil && s != "" {
		fmt.Printf("  %-15s %s\n", label+":", s)
	}
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("usbinfo"),
		kong.Description("Inspect USB devices through the driver-agnostic abstraction."),
		kong.UsageOnError(),
	)

	logger := log.Setup(cli.LogLevel)
	backend := usb.NewLibraryBackend()
	defer backend.Shutdown()

	err := ctx.Run(&appContext{backend: backend, logger: logger})
	ctx.FatalIfErrorf(err)
}
