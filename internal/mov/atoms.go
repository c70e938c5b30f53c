package mov

import (
	"encoding/binary"
	"errors"
	"math"
)

var errShortPayload = errors.New("box payload truncated")

// payload is an append-only big-endian builder for the QuickTime-only boxes
// go-mp4 has no layout for: keys, ilst items and the mebx key table.
type payload struct {
	b []byte
}

func (p *payload) u16(v uint16) { p.b = binary.BigEndian.AppendUint16(p.b, v) }

func (p *payload) u32(v uint32) { p.b = binary.BigEndian.AppendUint32(p.b, v) }

func (p *payload) u64(v uint64) { p.b = binary.BigEndian.AppendUint64(p.b, v) }

func (p *payload) fourCC(s string) {
	var cc [4]byte
	copy(cc[:], s)
	p.b = append(p.b, cc[:]...)
}

func (p *payload) zeros(n int) { p.b = append(p.b, make([]byte, n)...) }

func (p *payload) raw(b []byte) { p.b = append(p.b, b...) }

// fullBox writes the version and 24-bit flags header.
func (p *payload) fullBox(version uint8, flags uint32) {
	p.u32(uint32(version)<<24 | flags&0xFFFFFF)
}

// box appends a complete child box of the given type.
func (p *payload) box(typ string, body []byte) {
	if len(body)+8 > math.MaxUint32 {
		p.u32(1)
		p.fourCC(typ)
		p.u64(uint64(len(body) + 16))
	} else {
		p.u32(uint32(len(body) + 8))
		p.fourCC(typ)
	}
	p.raw(body)
}

// cursor reads big-endian fields from a payload. The first short read sticks.
type cursor struct {
	b   []byte
	off int
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.off+n > len(c.b) {
		c.err = errShortPayload
		return nil
	}
	v := c.b[c.off : c.off+n]
	c.off += n
	return v
}

func (c *cursor) u32() uint32 {
	if v := c.take(4); v != nil {
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

func (c *cursor) fourCC() string {
	if v := c.take(4); v != nil {
		return string(v)
	}
	return ""
}

func (c *cursor) skip(n int) { c.take(n) }

func (c *cursor) rest() []byte {
	if c.err != nil {
		return nil
	}
	v := c.b[c.off:]
	c.off = len(c.b)
	return v
}

func (c *cursor) remaining() int { return len(c.b) - c.off }

// walkBoxes iterates over the child boxes packed in b.
func walkBoxes(b []byte, fn func(typ string, body []byte) error) error {
	for len(b) > 0 {
		if len(b) < 8 {
			return errShortPayload
		}
		size := uint64(binary.BigEndian.Uint32(b))
		typ := string(b[4:8])
		hdr := uint64(8)
		switch size {
		case 0:
			size = uint64(len(b))
		case 1:
			if len(b) < 16 {
				return errShortPayload
			}
			size = binary.BigEndian.Uint64(b[8:])
			hdr = 16
		}
		if size < hdr || size > uint64(len(b)) {
			return errShortPayload
		}
		if err := fn(typ, b[hdr:size]); err != nil {
			return err
		}
		b = b[size:]
	}
	return nil
}
