// Package serialport bridges a CDC-ACM class driver's packet-oriented bulk
// endpoints to an unbounded byte stream, implementing the zero-length-packet
// and short-packet discipline CDC-ACM hosts require to deliver buffered
// bytes to user-space without latency pathologies.
package serialport

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/cdcserial/buffer"
	"github.com/ardnew/cdcserial/device"
	"github.com/ardnew/cdcserial/device/class/cdc"
	"github.com/ardnew/cdcserial/pkg"
)

// ShortPacketInterval bounds how many consecutive full-size packets may be
// sent before a transmission is forcibly capped below maxPacketSize, so
// that a short packet reaches the host and releases its collector. The cap
// applies to the transmission immediately following ShortPacketInterval-1
// consecutive full packets.
const ShortPacketInterval = 10

type writeStateKind uint8

const (
	writeIdle writeStateKind = iota
	writeShort
	writeFull
)

// writeState is the tagged write state machine of §3.4: Idle, Short, or
// Full(count). count is only meaningful when kind is writeFull.
type writeState struct {
	kind  writeStateKind
	count int
}

// Driver is the subset of cdc.Class's behavior a Port depends on: class-
// driver delegation plus non-blocking packet transfer. It is expressed as
// an interface, rather than a concrete *cdc.Class field, so that the write
// state machine and ZLP discipline can be exercised against a fake
// endpoint without standing up a device stack.
type Driver interface {
	device.ClassDriver
	device.DescriptorProvider
	device.ClassInRequestHandler
	device.Resetter

	MaxPacketSize() int
	ReadPacket(dst []byte) (int, error)
	WritePacket(data []byte) (int, error)
	WriteEndpointAddress() uint8
}

// Port adapts a Driver to a byte-stream Read/Write/Flush interface. It owns
// the receive and transmit buffers and the write state machine; the driver
// owns only the endpoints and control-request handling.
type Port struct {
	mu sync.Mutex

	class Driver
	rx    *buffer.Buffer
	tx    *buffer.Buffer
	state writeState

	rxReady chan struct{}
	txReady chan struct{}
}

// NewPort creates a Port around driver using rx and tx as the receive and
// transmit buffers.
func NewPort(driver Driver, rx, tx *buffer.Buffer) *Port {
	return &Port{
		class:   driver,
		rx:      rx,
		tx:      tx,
		rxReady: make(chan struct{}, 1),
		txReady: make(chan struct{}, 1),
	}
}

// NewPortDefault creates a Port with default 128-byte inline buffers.
func NewPortDefault(driver Driver) *Port {
	return NewPort(driver, buffer.NewDefault(), buffer.NewDefault())
}

// Attach wires a Port into a device configuration: it prepares the CDC-ACM
// interfaces via cdc.PrepareInterfaces and registers the Port itself as
// the control interface's class driver, so that bus-reset and
// endpoint-in-complete notifications reach the buffers and write state.
func Attach(config *device.Configuration, controlNum, dataNum uint8, rx, tx *buffer.Buffer) (*Port, error) {
	class, controlIface, err := cdc.PrepareInterfaces(config, controlNum, dataNum)
	if err != nil {
		return nil, err
	}
	port := NewPort(class, rx, tx)
	if err := controlIface.SetClassDriver(port); err != nil {
		return nil, err
	}
	return port, nil
}

// Class returns the underlying CDC-ACM class driver, giving access to line
// coding and modem-control state. Callers that need the concrete *cdc.Class
// type (as opposed to the Driver interface) must type-assert the result.
func (p *Port) Class() Driver {
	return p.class
}

// Init satisfies device.ClassDriver by delegating to the underlying class.
func (p *Port) Init(iface *device.Interface) error {
	return p.class.Init(iface)
}

// HandleSetup satisfies device.ClassDriver by delegating to the underlying class.
func (p *Port) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) (bool, error) {
	return p.class.HandleSetup(iface, setup, data)
}

// HandleSetupIn satisfies device.ClassInRequestHandler by delegating to the
// underlying class.
func (p *Port) HandleSetupIn(iface *device.Interface, setup *device.SetupPacket, out []byte) (int, bool, error) {
	return p.class.HandleSetupIn(iface, setup, out)
}

// SetAlternate satisfies device.ClassDriver by delegating to the underlying class.
func (p *Port) SetAlternate(iface *device.Interface, alt uint8) error {
	return p.class.SetAlternate(iface, alt)
}

// Close satisfies device.ClassDriver by delegating to the underlying class.
func (p *Port) Close() error {
	return p.class.Close()
}

// DescriptorLength satisfies device.DescriptorProvider by delegating to the
// underlying class.
func (p *Port) DescriptorLength(iface *device.Interface) int {
	return p.class.DescriptorLength(iface)
}

// MarshalClassDescriptorsTo satisfies device.DescriptorProvider by
// delegating to the underlying class.
func (p *Port) MarshalClassDescriptorsTo(iface *device.Interface, buf []byte) int {
	return p.class.MarshalClassDescriptorsTo(iface, buf)
}

// Write appends data to the transmit buffer and drives one packet's worth
// of flush. Returns the number of bytes accepted into the buffer.
// pkg.ErrWouldBlock is returned if none were accepted because the buffer
// is full; any other transport error from flush propagates even though
// the accepted bytes remain buffered for a later retry.
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.tx.Write(data)

	if err := p.flushLocked(); err != nil && !errors.Is(err, pkg.ErrWouldBlock) {
		return n, err
	}

	if n == 0 {
		return 0, pkg.ErrWouldBlock
	}
	return n, nil
}

// Read drains available received bytes into dst, polling the bulk-OUT
// endpoint first. Returns pkg.ErrWouldBlock if no bytes are available.
func (p *Port) Read(dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pollLocked(); err != nil {
		return 0, err
	}

	if p.rx.AvailableRead() == 0 {
		return 0, pkg.ErrWouldBlock
	}

	return p.rx.Read(len(dst), func(data []byte) (int, error) {
		return copy(dst, data), nil
	})
}

// Flush drives the write state machine without appending new data. Callers
// typically invoke it after an endpoint-in-complete event rather than call
// it directly; EndpointInComplete already does so.
func (p *Port) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

// pollLocked reserves one packet's worth of RX buffer tail space and
// attempts to fill it from the bulk-OUT endpoint. Must be called with mu
// held.
func (p *Port) pollLocked() error {
	maxSize := p.class.MaxPacketSize()

	n, err := p.rx.WriteAll(maxSize, func(data []byte) (int, error) {
		k, err := p.class.ReadPacket(data)
		if err != nil {
			if errors.Is(err, pkg.ErrWouldBlock) {
				return 0, nil
			}
			return 0, err
		}
		return k, nil
	})
	if err != nil {
		return err
	}
	if n > 0 {
		p.wakeRx()
	}
	return nil
}

// flushLocked implements the packetization, ZLP-after-full-packet, and
// forced-short-packet policies of the write state machine. Must be called
// with mu held. Returns nil once the transmit buffer is drained and no ZLP
// is pending, pkg.ErrWouldBlock while draining continues or stalls on the
// endpoint, or a transport error from the endpoint.
func (p *Port) flushLocked() error {
	fullCount := 0
	if p.state.kind == writeFull {
		fullCount = p.state.count
	}

	if p.tx.AvailableRead() > 0 {
		maxWriteSize := p.class.MaxPacketSize()
		if fullCount >= ShortPacketInterval-1 {
			maxWriteSize--
		}

		var wrote int
		_, err := p.tx.Read(maxWriteSize, func(data []byte) (int, error) {
			k, err := p.class.WritePacket(data)
			if err != nil {
				return 0, err
			}
			wrote = k
			return k, nil
		})
		if err != nil {
			if errors.Is(err, pkg.ErrWouldBlock) {
				return pkg.ErrWouldBlock
			}
			return err
		}

		if wrote == p.class.MaxPacketSize() {
			p.state = writeState{kind: writeFull, count: fullCount + 1}
		} else {
			p.state = writeState{kind: writeShort}
		}
		return pkg.ErrWouldBlock
	}

	if fullCount > 0 {
		if _, err := p.class.WritePacket(nil); err != nil {
			if errors.Is(err, pkg.ErrWouldBlock) {
				return pkg.ErrWouldBlock
			}
			return err
		}
		p.state = writeState{kind: writeShort}
		return pkg.ErrWouldBlock
	}

	p.state = writeState{kind: writeIdle}
	return nil
}

// Reset satisfies device.Resetter: it discards both buffers, returns the
// write state to Idle, propagates the reset to the underlying class, and
// wakes any parked cooperative-async waiters so they observe the reset
// rather than hang.
func (p *Port) Reset() {
	p.mu.Lock()
	p.rx.Clear()
	p.tx.Clear()
	p.state = writeState{kind: writeIdle}
	p.mu.Unlock()

	p.class.Reset()
	p.wakeRx()
	p.wakeTx()

	pkg.LogDebug(pkg.ComponentSerial, "serial port reset")
}

// EndpointInComplete satisfies device.EndpointCompleter. If addr matches
// the bulk-IN endpoint, it continues draining the transmit buffer and
// wakes any parked cooperative-async writer.
func (p *Port) EndpointInComplete(addr uint8) {
	if addr != p.class.WriteEndpointAddress() {
		return
	}

	p.mu.Lock()
	_ = p.flushLocked()
	p.mu.Unlock()

	p.wakeTx()
}

// WaitReadReady blocks until a poll or endpoint event makes a received byte
// available, or ctx is cancelled. It is the suspension point a
// cooperative-async read shim parks on after Read reports
// pkg.ErrWouldBlock.
func (p *Port) WaitReadReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.rxReady:
		return nil
	}
}

// WaitWriteReady blocks until an endpoint-in-complete event signals room on
// the bulk-IN endpoint, or ctx is cancelled. It is the suspension point a
// cooperative-async write shim parks on after Write reports
// pkg.ErrWouldBlock.
func (p *Port) WaitWriteReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.txReady:
		return nil
	}
}

func (p *Port) wakeRx() {
	select {
	case p.rxReady <- struct{}{}:
	default:
	}
}

func (p *Port) wakeTx() {
	select {
	case p.txReady <- struct{}{}:
	default:
	}
}

var (
	_ device.ClassDriver           = (*Port)(nil)
	_ device.DescriptorProvider    = (*Port)(nil)
	_ device.ClassInRequestHandler = (*Port)(nil)
	_ device.Resetter              = (*Port)(nil)
	_ device.EndpointCompleter     = (*Port)(nil)
)
