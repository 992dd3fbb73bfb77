package serialport

import "github.com/ardnew/cdcserial/pkg"

// ReadByte reads a single byte, satisfying io.ByteReader. It returns
// pkg.ErrWouldBlock instead of blocking when no byte is currently
// available.
func (p *Port) ReadByte() (byte, error) {
	var b [1]byte
	n, err := p.Read(b[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, pkg.ErrWouldBlock
	}
	return b[0], nil
}

// WriteByte writes a single byte, satisfying io.ByteWriter. It returns
// pkg.ErrWouldBlock instead of blocking when the transmit buffer has no
// room for it.
func (p *Port) WriteByte(c byte) error {
	_, err := p.Write([]byte{c})
	return err
}
