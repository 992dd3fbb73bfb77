package cdc

import (
	"sync"

	"github.com/ardnew/cdcserial/device"
	"github.com/ardnew/cdcserial/device/hal"
	"github.com/ardnew/cdcserial/pkg"
)

// NotifyMaxPacketSize is the wMaxPacketSize advertised for the interrupt-IN
// notification endpoint. The endpoint is allocated for protocol compliance;
// this implementation never queues a notification on it.
const NotifyMaxPacketSize = 8

// NotifyInterval is the polling interval, in milliseconds, advertised for
// the notification endpoint.
const NotifyInterval = 255

// DataMaxPacketSize is the wMaxPacketSize for the bulk data endpoints.
const DataMaxPacketSize = 64

// Class implements a CDC-ACM function: descriptor emission for the
// Communications and Data interfaces, class-specific control requests, and
// non-blocking packet transfer on the bulk endpoints. It holds no stream
// buffering of its own; a serial-port adapter built on top of Class owns
// the byte buffers and the ZLP/short-packet discipline.
type Class struct {
	mu sync.Mutex

	stack *device.Stack

	controlIface *device.Interface
	dataIface    *device.Interface

	notifyEP  *device.Endpoint
	dataInEP  *device.Endpoint
	dataOutEP *device.Endpoint

	lineCoding  LineCoding
	dtr, rts    bool
	breakMillis uint16

	onLineCodingChange   func(LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(durationMillis uint16)
}

// NewClass creates a CDC-ACM class driver bound to the given control and
// data interfaces. The interfaces must already carry their endpoints (see
// ConfigureDevice) before the returned Class is attached with
// AttachToInterfaces.
func NewClass(controlIface, dataIface *device.Interface) *Class {
	return &Class{
		controlIface: controlIface,
		dataIface:    dataIface,
		lineCoding:   DefaultLineCoding,
	}
}

// SetStack binds the stack whose HAL is used for non-blocking packet
// transfer. Must be called before ReadPacket/WritePacket.
func (c *Class) SetStack(s *device.Stack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = s
}

// SetOnLineCodingChange registers a callback invoked after a successful
// SET_LINE_CODING.
func (c *Class) SetOnLineCodingChange(cb func(LineCoding)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLineCodingChange = cb
}

// SetOnControlStateChange registers a callback invoked after
// SET_CONTROL_LINE_STATE.
func (c *Class) SetOnControlStateChange(cb func(dtr, rts bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onControlStateChange = cb
}

// SetOnBreak registers a callback invoked on SEND_BREAK. durationMillis is
// the raw wValue; 0xFFFF conventionally means "break until further notice"
// but this driver does not interpret it, only forwards it.
func (c *Class) SetOnBreak(cb func(durationMillis uint16)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBreak = cb
}

// LineCoding returns the currently stored line coding.
func (c *Class) LineCoding() LineCoding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineCoding
}

// SetLineCoding overrides the line coding Class starts with, in place of
// DefaultLineCoding. Intended to be called once, before the device stack is
// started, to apply a configured default (baud rate, data bits, parity,
// stop bits) without waiting for a host SET_LINE_CODING.
func (c *Class) SetLineCoding(lc LineCoding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lineCoding = lc
}

// DTR returns the Data Terminal Ready state last set by the host.
func (c *Class) DTR() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dtr
}

// RTS returns the Request To Send state last set by the host.
func (c *Class) RTS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rts
}

// MaxPacketSize returns the bulk endpoint packet size shared by the data IN
// and OUT endpoints.
func (c *Class) MaxPacketSize() int {
	return int(c.dataInEP.MaxPacketSize)
}

// WriteEndpointAddress returns the bulk-IN endpoint address, used by a
// serial-port adapter to recognize its own endpoint-in-complete events.
func (c *Class) WriteEndpointAddress() uint8 {
	return c.dataInEP.Address
}

// packetHAL returns the stack's HAL if it supports non-blocking packet
// transfer.
func (c *Class) packetHAL() (hal.PacketHAL, error) {
	c.mu.Lock()
	s := c.stack
	c.mu.Unlock()
	if s == nil {
		return nil, pkg.ErrInvalidState
	}
	ph, ok := s.HAL().(hal.PacketHAL)
	if !ok {
		return nil, pkg.ErrNotSupported
	}
	return ph, nil
}

// ReadPacket attempts a single non-blocking read from the bulk-OUT
// endpoint. Returns pkg.ErrWouldBlock if no packet is available.
func (c *Class) ReadPacket(dst []byte) (int, error) {
	ph, err := c.packetHAL()
	if err != nil {
		return 0, err
	}
	return ph.ReadPacketNonBlocking(c.dataOutEP.Address, dst)
}

// WritePacket attempts a single non-blocking write to the bulk-IN endpoint.
// Returns pkg.ErrWouldBlock if the endpoint cannot currently accept it. A
// successful write signals endpoint-in-complete on the owning stack so a
// serial-port adapter blocked in WaitWriteReady, or waiting to continue a
// ZLP sequence, is woken.
func (c *Class) WritePacket(data []byte) (int, error) {
	ph, err := c.packetHAL()
	if err != nil {
		return 0, err
	}
	n, err := ph.WritePacketNonBlocking(c.dataInEP.Address, data)
	if err == nil {
		c.signalInComplete()
	}
	return n, err
}

// signalInComplete queues an endpoint-in-complete notification for the
// bound stack's data pump. It must not call NotifyEndpointInComplete
// directly: WritePacket is typically invoked by serialport.Port while
// holding its own lock, and a direct call would re-enter that lock through
// the EndpointCompleter registered on the interface.
func (c *Class) signalInComplete() {
	c.mu.Lock()
	s := c.stack
	addr := c.dataInEP.Address
	c.mu.Unlock()
	if s != nil {
		s.SignalEndpointInComplete(addr)
	}
}

// Init satisfies device.ClassDriver. It verifies the interfaces carry the
// endpoints ConfigureDevice is expected to have allocated.
func (c *Class) Init(iface *device.Interface) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ep := range c.controlIface.Endpoints() {
		if ep.IsInterrupt() && ep.IsIn() {
			c.notifyEP = ep
		}
	}
	for _, ep := range c.dataIface.Endpoints() {
		switch {
		case ep.IsBulk() && ep.IsIn():
			c.dataInEP = ep
		case ep.IsBulk() && ep.IsOut():
			c.dataOutEP = ep
		}
	}

	if c.notifyEP == nil || c.dataInEP == nil || c.dataOutEP == nil {
		return pkg.ErrInvalidState
	}
	c.notifyEP.Interval = NotifyInterval

	pkg.LogDebug(pkg.ComponentClass, "cdc-acm class initialized",
		"control", c.controlIface.Number,
		"data", c.dataIface.Number)
	return nil
}

// HandleSetup satisfies device.ClassDriver, handling host-to-device
// class-specific requests on the Communications interface.
func (c *Class) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) (bool, error) {
	switch setup.Request {
	case RequestSetLineCoding:
		return true, c.handleSetLineCoding(data)
	case RequestSetControlLineState:
		c.handleSetControlLineState(setup.Value)
		return true, nil
	case RequestSendBreak:
		c.handleSendBreak(setup.Value)
		return true, nil
	default:
		return false, nil
	}
}

func (c *Class) handleSetLineCoding(data []byte) error {
	var lc LineCoding
	if !ParseLineCoding(data, &lc) {
		return pkg.ErrNotSupported
	}
	if !validLineCoding(lc) {
		return pkg.ErrNotSupported
	}

	c.mu.Lock()
	c.lineCoding = lc
	cb := c.onLineCodingChange
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "line coding set",
		"rate", lc.DTERate, "stop", lc.CharFormat, "parity", lc.ParityType, "bits", lc.DataBits)

	if cb != nil {
		cb(lc)
	}
	return nil
}

func validLineCoding(lc LineCoding) bool {
	switch lc.CharFormat {
	case StopBits1, StopBits1_5, StopBits2:
	default:
		return false
	}
	switch lc.ParityType {
	case ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace:
	default:
		return false
	}
	switch lc.DataBits {
	case 5, 6, 7, 8, 16:
	default:
		return false
	}
	return true
}

func (c *Class) handleSetControlLineState(value uint16) {
	dtr := value&ControlLineDTR != 0
	rts := value&ControlLineRTS != 0

	c.mu.Lock()
	c.dtr, c.rts = dtr, rts
	cb := c.onControlStateChange
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "control line state set", "dtr", dtr, "rts", rts)

	if cb != nil {
		cb(dtr, rts)
	}
}

func (c *Class) handleSendBreak(durationMillis uint16) {
	c.mu.Lock()
	c.breakMillis = durationMillis
	cb := c.onBreak
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "send break", "duration", durationMillis)

	if cb != nil {
		cb(durationMillis)
	}
}

// HandleSetupIn satisfies device.ClassInRequestHandler, handling the single
// device-to-host class request GET_LINE_CODING.
func (c *Class) HandleSetupIn(iface *device.Interface, setup *device.SetupPacket, out []byte) (int, bool, error) {
	if setup.Request != RequestGetLineCoding {
		return 0, false, nil
	}

	c.mu.Lock()
	lc := c.lineCoding
	c.mu.Unlock()

	if len(out) < LineCodingSize {
		return 0, true, pkg.ErrBufferTooSmall
	}
	return lc.MarshalTo(out), true, nil
}

// SetAlternate satisfies device.ClassDriver. CDC-ACM as specified here uses
// no alternate settings.
func (c *Class) SetAlternate(iface *device.Interface, alt uint8) error {
	return nil
}

// Close satisfies device.ClassDriver.
func (c *Class) Close() error {
	return nil
}

// Reset satisfies device.Resetter. A bus reset clears the modem-control
// lines since the host must reassert them after renumeration; the line
// coding is preserved, matching the common USB-CDC convention of retaining
// the last configured baud rate across a reset.
func (c *Class) Reset() {
	c.mu.Lock()
	c.dtr, c.rts = false, false
	c.mu.Unlock()
	pkg.LogDebug(pkg.ComponentClass, "cdc-acm class reset")
}

// DescriptorLength satisfies device.DescriptorProvider.
func (c *Class) DescriptorLength(iface *device.Interface) int {
	if iface != c.controlIface {
		return 0
	}
	return HeaderDescriptorSize + CallManagementDescriptorSize + ACMDescriptorSize + UnionDescriptorSize
}

// MarshalClassDescriptorsTo satisfies device.DescriptorProvider, writing the
// Header, Call Management, ACM, and Union functional descriptors for the
// Communications interface.
func (c *Class) MarshalClassDescriptorsTo(iface *device.Interface, buf []byte) int {
	if iface != c.controlIface {
		return 0
	}

	offset := 0
	header := HeaderDescriptor{CDCVersion: 0x0110}
	offset += header.MarshalTo(buf[offset:])

	callMgmt := CallManagementDescriptor{
		Capabilities:  0x00,
		DataInterface: c.dataIface.Number,
	}
	offset += callMgmt.MarshalTo(buf[offset:])

	acm := ACMDescriptor{Capabilities: ACMCapLineCoding}
	offset += acm.MarshalTo(buf[offset:])

	union := UnionDescriptor{
		MasterInterface: c.controlIface.Number,
		SlaveInterface0: c.dataIface.Number,
	}
	offset += union.MarshalTo(buf[offset:])

	return offset
}

// ConfigureDevice adds the CDC-ACM Communications and Data interfaces and
// their endpoints to a device under construction. Call AttachToInterfaces
// after Build to bind a Class instance to the resulting interfaces.
func ConfigureDevice(b *device.DeviceBuilder, notifyAddr, bulkOutAddr, bulkInAddr uint8) *device.DeviceBuilder {
	b = b.AddInterface(ClassCDC, SubclassACM, ProtocolAT).
		AddEndpoint(notifyAddr, device.EndpointTypeInterrupt, NotifyMaxPacketSize)
	b = b.AddInterface(ClassCDCData, SubclassNone, ProtocolNone).
		AddEndpoint(bulkOutAddr, device.EndpointTypeBulk, DataMaxPacketSize).
		AddEndpoint(bulkInAddr, device.EndpointTypeBulk, DataMaxPacketSize)
	return b
}

// PrepareInterfaces looks up the control and data interfaces by number in
// config, registers the interface association binding them, and constructs
// a Class bound to them. It does not attach the Class as either
// interface's class driver: callers that wrap Class in an adapter (such as
// a serial-port stream) attach the wrapper instead, so that notifications
// routed through device.Interface.ClassDriver reach the wrapper.
func PrepareInterfaces(config *device.Configuration, controlNum, dataNum uint8) (class *Class, controlIface *device.Interface, err error) {
	controlIface = config.GetInterface(controlNum)
	dataIface := config.GetInterface(dataNum)
	if controlIface == nil || dataIface == nil {
		return nil, nil, pkg.ErrInvalidState
	}

	if err := config.AddAssociation(&device.InterfaceAssociation{
		FirstInterface:   controlNum,
		InterfaceCount:   2,
		FunctionClass:    ClassCDC,
		FunctionSubClass: SubclassACM,
		FunctionProtocol: ProtocolAT,
	}); err != nil {
		return nil, nil, err
	}

	return NewClass(controlIface, dataIface), controlIface, nil
}

// AttachToInterfaces is PrepareInterfaces plus attaching the Class itself
// as the control interface's class driver, for callers that use Class
// directly without a serial-port adapter.
func AttachToInterfaces(config *device.Configuration, controlNum, dataNum uint8) (*Class, error) {
	class, controlIface, err := PrepareInterfaces(config, controlNum, dataNum)
	if err != nil {
		return nil, err
	}
	if err := controlIface.SetClassDriver(class); err != nil {
		return nil, err
	}
	return class, nil
}

var (
	_ device.ClassDriver           = (*Class)(nil)
	_ device.DescriptorProvider    = (*Class)(nil)
	_ device.ClassInRequestHandler = (*Class)(nil)
	_ device.Resetter              = (*Class)(nil)
)
