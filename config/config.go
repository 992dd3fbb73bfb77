// Package config loads a CDC-ACM device profile (vendor/product IDs,
// descriptor strings, endpoint addresses, default line coding) from an INI
// file, so example and deployment binaries don't need the identity baked
// into source.
package config

import (
	"gopkg.in/ini.v1"

	"github.com/ardnew/cdcserial/device/class/cdc"
)

// Device describes the identity and endpoint layout of a CDC-ACM function,
// as loaded from a [device] section.
type Device struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	SerialNumber string

	NotifyEndpoint  uint8
	DataOutEndpoint uint8
	DataInEndpoint  uint8

	LineCoding cdc.LineCoding
}

// Default returns the profile used when no config file is supplied.
func Default() Device {
	return Device{
		VendorID:        0x1234,
		ProductID:       0x5678,
		Manufacturer:    "cdcserial",
		Product:         "CDC-ACM Serial Port",
		SerialNumber:    "0",
		NotifyEndpoint:  0x81,
		DataOutEndpoint: 0x02,
		DataInEndpoint:  0x82,
		LineCoding:      cdc.DefaultLineCoding,
	}
}

// Load reads a device profile from the INI file at path, filling any
// section or key it does not find from Default().
func Load(path string) (Device, error) {
	dev := Default()

	f, err := ini.Load(path)
	if err != nil {
		return Device{}, err
	}

	// Section returns an empty section when [device] is absent, so every key
	// below then falls back to its default.
	sec := f.Section("device")

	dev.VendorID = uint16(sec.Key("vendor_id").MustUint(uint(dev.VendorID)))
	dev.ProductID = uint16(sec.Key("product_id").MustUint(uint(dev.ProductID)))
	dev.Manufacturer = sec.Key("manufacturer").MustString(dev.Manufacturer)
	dev.Product = sec.Key("product").MustString(dev.Product)
	dev.SerialNumber = sec.Key("serial_number").MustString(dev.SerialNumber)

	dev.NotifyEndpoint = uint8(sec.Key("notify_endpoint").MustUint(uint(dev.NotifyEndpoint)))
	dev.DataOutEndpoint = uint8(sec.Key("data_out_endpoint").MustUint(uint(dev.DataOutEndpoint)))
	dev.DataInEndpoint = uint8(sec.Key("data_in_endpoint").MustUint(uint(dev.DataInEndpoint)))

	if f.HasSection("line_coding") {
		lc := f.Section("line_coding")
		dev.LineCoding.DTERate = uint32(lc.Key("baud_rate").MustUint(uint(dev.LineCoding.DTERate)))
		dev.LineCoding.CharFormat = uint8(lc.Key("stop_bits").MustUint(uint(dev.LineCoding.CharFormat)))
		dev.LineCoding.ParityType = uint8(lc.Key("parity").MustUint(uint(dev.LineCoding.ParityType)))
		dev.LineCoding.DataBits = uint8(lc.Key("data_bits").MustUint(uint(dev.LineCoding.DataBits)))
	}

	return dev, nil
}
