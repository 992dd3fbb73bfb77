package device

import (
	"context"
	"sync"

	"github.com/ardnew/cdcserial/device/hal"
	"github.com/ardnew/cdcserial/pkg"
)

// inCompleteQueueSize bounds the number of endpoint-IN-complete
// notifications that may be queued ahead of dataPump. It is sized well
// beyond the endpoint count of any realistic configuration; a full queue
// means dataPump has stalled, and SignalEndpointInComplete drops the
// notification rather than blocking the caller.
const inCompleteQueueSize = 32

// Stack manages the USB device stack.
type Stack struct {
	device  *Device
	hal     hal.DeviceHAL
	handler *StandardRequestHandler

	// State
	running bool
	mutex   sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// inCompleteCh carries endpoint addresses whose non-blocking write just
	// completed, from the class driver's goroutine to dataPump. Signaling is
	// asynchronous because the class driver calls SignalEndpointInComplete
	// while still holding its own lock; dispatching NotifyEndpointInComplete
	// synchronously from there would re-enter that same lock through the
	// ClassDriver registered on the interface.
	inCompleteCh chan uint8

	// Reusable setup packet for zero-allocation reads
	setupBuf hal.SetupPacket

	// EP0 read buffer for control OUT data stage
	ep0ReadBuf [MaxControlDataSize]byte

	// Event callbacks
	onConnect    func()
	onDisconnect func()
}

// MaxControlDataSize is the maximum data size for control transfers.
const MaxControlDataSize = 512

// halSpeedToDeviceSpeed converts hal.Speed to device.Speed.
func halSpeedToDeviceSpeed(s hal.Speed) Speed {
	switch s {
	case hal.SpeedLow:
		return SpeedLow
	case hal.SpeedFull:
		return SpeedFull
	case hal.SpeedHigh:
		return SpeedHigh
	default:
		return SpeedFull // Default to full speed
	}
}

// NewStack creates a new device stack.
func NewStack(dev *Device, h hal.DeviceHAL) *Stack {
	s := &Stack{
		device:       dev,
		hal:          h,
		inCompleteCh: make(chan uint8, inCompleteQueueSize),
	}
	s.handler = NewStandardRequestHandler(dev)
	return s
}

// Start starts the device stack.
func (s *Stack) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mutex.Unlock()

	if err := s.hal.Init(s.ctx); err != nil {
		return err
	}

	if err := s.hal.Start(); err != nil {
		return err
	}

	s.mutex.Lock()
	s.running = true
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentStack, "device stack started")

	// Start the control transfer handler and the data-completion pump.
	go s.controlLoop()
	go s.dataPump()

	return nil
}

// Stop stops the device stack.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}

	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mutex.Unlock()

	if err := s.hal.Stop(); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return nil
}

// IsRunning returns true if the stack is running.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// Device returns the underlying device.
func (s *Stack) Device() *Device {
	return s.device
}

// HAL returns the stack's underlying hardware abstraction layer. Class
// drivers that need a non-blocking packet path type-assert the result
// against hal.PacketHAL.
func (s *Stack) HAL() hal.DeviceHAL {
	return s.hal
}

// Resetter is implemented by class drivers that need to discard buffered
// state in response to a bus reset.
type Resetter interface {
	Reset()
}

// EndpointCompleter is implemented by class drivers that need to continue
// draining buffered data after a bulk-IN transfer completes.
type EndpointCompleter interface {
	EndpointInComplete(address uint8)
}

// NotifyReset dispatches a bus-reset notification to every class driver
// attached to the active configuration's interfaces that implements
// Resetter. It must be called before the device clears its active
// configuration.
func (s *Stack) NotifyReset() {
	config := s.device.ActiveConfiguration()
	if config == nil {
		return
	}
	for _, iface := range config.Interfaces() {
		if r, ok := iface.ClassDriver().(Resetter); ok {
			r.Reset()
		}
	}
}

// NotifyEndpointInComplete dispatches an endpoint-IN-complete notification
// to every class driver attached to the active configuration's interfaces
// that implements EndpointCompleter.
func (s *Stack) NotifyEndpointInComplete(address uint8) {
	config := s.device.ActiveConfiguration()
	if config == nil {
		return
	}
	for _, iface := range config.Interfaces() {
		if c, ok := iface.ClassDriver().(EndpointCompleter); ok {
			c.EndpointInComplete(address)
		}
	}
}

// SignalEndpointInComplete queues an endpoint-IN-complete notification for
// dataPump to dispatch. Class drivers call this from their non-blocking
// WritePacket path after a write the HAL reports as fully transferred. The
// send never blocks: if the queue is full, the notification is dropped,
// since a class driver that never observes the signal simply retries its
// write (or ZLP) on the next call, same as if the queue were empty.
func (s *Stack) SignalEndpointInComplete(address uint8) {
	select {
	case s.inCompleteCh <- address:
	default:
		pkg.LogWarn(pkg.ComponentStack, "dropped endpoint-in-complete signal",
			"address", address)
	}
}

// dataPump dispatches queued endpoint-IN-complete notifications outside of
// any class driver's own lock, so EndpointCompleter implementations (such as
// serialport.Port) can safely re-enter their own synchronization from a
// different goroutine than the one that produced the completed write.
func (s *Stack) dataPump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case address := <-s.inCompleteCh:
			s.NotifyEndpointInComplete(address)
		}
	}
}

// controlLoop handles control transfers on EP0.
func (s *Stack) controlLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.hal.ReadSetup(s.ctx, &s.setupBuf); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// Handle bus reset
			if err == pkg.ErrReset {
				s.NotifyReset()
				s.device.Reset()
				continue
			}
			pkg.LogWarn(pkg.ComponentStack, "error reading setup",
				"error", err)
			continue
		}

		// Convert HAL setup packet to device setup packet
		var setup SetupPacket
		setup.RequestType = s.setupBuf.RequestType
		setup.Request = s.setupBuf.Request
		setup.Value = s.setupBuf.Value
		setup.Index = s.setupBuf.Index
		setup.Length = s.setupBuf.Length

		if err := s.handleSetup(&setup); err != nil {
			pkg.LogWarn(pkg.ComponentStack, "error handling setup",
				"error", err,
				"request", setup.String())
			s.hal.StallEP0()
		}
	}
}

// ClassInRequestHandler is implemented by class drivers that respond to
// device-to-host class-specific control requests (e.g. GET_LINE_CODING).
// It is detected via a type assertion on a class driver's value, separately
// from the host-to-device path handled by ClassDriver.HandleSetup, because
// the two directions need the data stage driven in opposite order: an IN
// request's response must be produced before the stack writes it to EP0,
// while an OUT request's payload must be read from EP0 before the driver
// sees it.
type ClassInRequestHandler interface {
	// HandleSetupIn writes the response for a device-to-host class request
	// into out (sized to min(wLength, MaxControlDataSize)) and returns the
	// number of bytes written. Returns handled=false if this driver does
	// not recognize the request.
	HandleSetupIn(iface *Interface, setup *SetupPacket, out []byte) (n int, handled bool, err error)
}

// handleSetup processes a single SETUP transaction.
func (s *Stack) handleSetup(setup *SetupPacket) error {
	pkg.LogDebug(pkg.ComponentStack, "setup received",
		"request", setup.String())

	// Try standard request handler first.
	if setup.IsStandard() {
		responseData, err := s.handler.HandleSetup(setup, nil)
		if err != nil {
			return err
		}
		return s.completeSetup(setup, responseData)
	}

	// Try class-specific handler.
	if setup.IsClass() && setup.IsInterfaceRecipient() {
		iface := s.device.GetInterface(setup.InterfaceNumber())
		if iface == nil {
			return pkg.ErrInvalidRequest
		}
		if setup.IsDeviceToHost() {
			return s.handleClassIn(iface, setup)
		}
		return s.handleClassOut(iface, setup)
	}

	return pkg.ErrInvalidRequest
}

// handleClassIn drives a device-to-host class-specific control request:
// the driver produces its response before anything is written to EP0.
func (s *Stack) handleClassIn(iface *Interface, setup *SetupPacket) error {
	handler, ok := iface.ClassDriver().(ClassInRequestHandler)
	if !ok {
		return pkg.ErrInvalidRequest
	}

	maxLen := int(setup.Length)
	if maxLen > MaxControlDataSize {
		maxLen = MaxControlDataSize
	}

	n, handled, err := handler.HandleSetupIn(iface, setup, s.ep0ReadBuf[:maxLen])
	if !handled {
		return pkg.ErrInvalidRequest
	}
	if err != nil {
		return err
	}
	return s.completeSetup(setup, s.ep0ReadBuf[:n])
}

// handleClassOut drives a host-to-device class-specific control request:
// any OUT data stage is read from EP0 before the driver sees it.
func (s *Stack) handleClassOut(iface *Interface, setup *SetupPacket) error {
	var data []byte
	if setup.Length > 0 {
		maxLen := int(setup.Length)
		if maxLen > MaxControlDataSize {
			maxLen = MaxControlDataSize
		}
		n, err := s.hal.ReadEP0(s.ctx, s.ep0ReadBuf[:maxLen])
		if err != nil {
			return err
		}
		data = s.ep0ReadBuf[:n]
	}

	handled, err := iface.HandleSetup(setup, data)
	if !handled {
		return pkg.ErrInvalidRequest
	}
	if err != nil {
		return err
	}
	return s.hal.AckEP0()
}

// completeSetup completes the control transfer.
func (s *Stack) completeSetup(setup *SetupPacket, data []byte) error {
	if setup.IsDeviceToHost() {
		// IN transfer - send data to host
		if len(data) > 0 {
			if err := s.hal.WriteEP0(s.ctx, data); err != nil {
				return err
			}
		}
		// Read status stage (zero-length OUT)
		_, err := s.hal.ReadEP0(s.ctx, s.ep0ReadBuf[:0])
		return err
	}

	// OUT transfer
	if setup.Length > 0 {
		// Read data stage
		maxLen := int(setup.Length)
		if maxLen > MaxControlDataSize {
			maxLen = MaxControlDataSize
		}
		_, err := s.hal.ReadEP0(s.ctx, s.ep0ReadBuf[:maxLen])
		if err != nil {
			return err
		}
	}
	// Send status stage
	return s.hal.AckEP0()
}

// SetOnConnect sets the connect callback.
func (s *Stack) SetOnConnect(cb func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onConnect = cb
}

// SetOnDisconnect sets the disconnect callback.
func (s *Stack) SetOnDisconnect(cb func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onDisconnect = cb
}

// Speed returns the negotiated USB connection speed.
func (s *Stack) Speed() Speed {
	return halSpeedToDeviceSpeed(s.hal.GetSpeed())
}

// IsConnected returns true if the device is connected to a host.
func (s *Stack) IsConnected() bool {
	return s.hal.IsConnected()
}

// WaitConnect blocks until the device connects to a host or the context is cancelled.
func (s *Stack) WaitConnect(ctx context.Context) error {
	return s.hal.WaitConnect(ctx)
}

// WaitDisconnect blocks until the device disconnects or the context is cancelled.
func (s *Stack) WaitDisconnect(ctx context.Context) error {
	return s.hal.WaitDisconnect(ctx)
}

