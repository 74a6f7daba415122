// Package gpu reports the GPU devices available to the worker.
package gpu

import (
	"fmt"

	"github.com/jaypipes/ghw"
	"go.uber.org/zap"
)

// Device describes a single GPU attached to the worker
type Device struct {
	Index   int    `json:"index"`
	Address string `json:"address,omitempty"`
	Vendor  string `json:"vendor,omitempty"`
	Product string `json:"product,omitempty"`
}

// Inventory holds the GPUs discovered on the host
type Inventory struct {
	Devices []Device `json:"devices"`
}

// Count returns the number of discovered GPUs
func (inv *Inventory) Count() int {
	return len(inv.Devices)
}

// Names returns a human-readable name per device
func (inv *Inventory) Names() []string {
	names := make([]string, 0, len(inv.Devices))
	for _, d := range inv.Devices {
		switch {
		case d.Vendor != "" && d.Product != "":
			names = append(names, fmt.Sprintf("%s %s", d.Vendor, d.Product))
		case d.Product != "":
			names = append(names, d.Product)
		default:
			names = append(names, fmt.Sprintf("gpu-%d", d.Index))
		}
	}
	return names
}

// Probe discovers the GPUs on the host. A host without GPUs (or where PCI
// discovery is unavailable, e.g. inside restricted containers) yields an
// empty inventory rather than an error so the worker can still run CPU jobs.
func Probe(logger *zap.Logger) *Inventory {
	inv := &Inventory{}

	info, err := ghw.GPU()
	if err != nil {
		logger.Warn("GPU discovery unavailable", zap.Error(err))
		return inv
	}

	for i, card := range info.GraphicsCards {
		device := Device{Index: i, Address: card.Address}
		if card.DeviceInfo != nil {
			if card.DeviceInfo.Vendor != nil {
				device.Vendor = card.DeviceInfo.Vendor.Name
			}
			if card.DeviceInfo.Product != nil {
				device.Product = card.DeviceInfo.Product.Name
			}
		}
		inv.Devices = append(inv.Devices, device)
	}

	if inv.Count() == 0 {
		logger.Info("No GPUs detected, running in CPU mode")
	} else {
		logger.Info("Detected GPUs", zap.Int("count", inv.Count()), zap.Strings("devices", inv.Names()))
	}

	return inv
}
