// Package cdc implements the USB Communications Device Class (CDC), Abstract
// Control Model (ACM) subclass, as a device class driver.
//
// This package provides CDC-ACM functionality for implementing USB serial
// devices: the standard class for USB-to-serial adapters and virtual COM
// ports.
//
// # Architecture
//
// A CDC-ACM device consists of two interfaces:
//
//   - Control Interface (Communications Class): handles CDC-specific
//     requests like SET_LINE_CODING and SET_CONTROL_LINE_STATE, and owns the
//     interrupt-IN notification endpoint.
//   - Data Interface (Data Class): handles bulk data transfer via the
//     data-IN and data-OUT endpoints.
//
// Class implements enumeration, control-request handling, and single-packet
// non-blocking reads and writes on the bulk endpoints (ReadPacket,
// WritePacket) through its device.Stack's HAL. The byte-stream buffering and
// ZLP discipline live one layer up, in the serialport package, which drives
// those packet-level calls.
//
// # Zero-Allocation Design
//
// Line coding and other CDC structures marshal into caller- or
// package-owned fixed-size buffers; no dynamic allocation occurs on the
// control or data paths.
//
// # Usage
//
// To build a CDC-ACM device:
//
//	builder := device.NewDeviceBuilder().
//	    WithVendorProduct(0xCAFE, 0xBABE).
//	    WithStrings("Manufacturer", "CDC Device", "12345").
//	    AddConfiguration(1)
//
//	// Add CDC-ACM interfaces (notify EP, data OUT EP, data IN EP).
//	cdc.ConfigureDevice(builder, 0x81, 0x02, 0x82)
//
//	dev, _ := builder.Build(ctx)
//	cfg := dev.GetConfiguration(1)
//
//	// Attach the bulk data path (interface 0 = control, interface 1 = data).
//	port, _ := serialport.Attach(cfg, 0, 1, buffer.NewDefault(), buffer.NewDefault())
//
//	stack := device.NewStack(dev, hal)
//	port.Class().(*cdc.Class).SetStack(stack)
//	stack.Start(ctx)
//
//	// Non-blocking reads and writes:
//	n, err := port.Read(buf)
//	n, err = port.Write(data)
//
// # CDC Descriptors
//
// The package emits the functional descriptors required by CDC-ACM:
//
//   - Header Functional Descriptor
//   - Call Management Functional Descriptor
//   - ACM Functional Descriptor
//   - Union Functional Descriptor
package cdc
