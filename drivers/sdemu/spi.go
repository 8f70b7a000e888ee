package sdemu

import (
	"sdcard-go/drivers/sdproto"
)

// spiPort is the card side of an SPI link. It is full duplex: every byte
// clocked in returns the next queued output byte, or 0xFF when idle.
type spiPort struct {
	card     *Card
	selected bool
	frame    []byte
	out      []byte

	// write data phase
	writing  bool
	wsector  uint64
	wbuf     []byte
	inWrite  bool // token seen, collecting block + crc
}

// SPIPort adapts a Card to tinygo's drivers.SPI plus a chip-select function.
type SPIPort struct{ c *Card }

// SPI returns the SPI face of the card.
func (c *Card) SPI() *SPIPort { return &SPIPort{c: c} }

// ChipSelect drives CS (active low). Deselecting drops any pending output.
func (p *SPIPort) ChipSelect(level bool) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	sel := !level
	if p.c.spi.selected && !sel {
		p.c.spi.reset()
	}
	p.c.spi.selected = sel
}

// Transfer implements drivers.SPI.
func (p *SPIPort) Transfer(b byte) (byte, error) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.spi.clock(b), nil
}

// Tx implements drivers.SPI. Missing write bytes are sent as 0xFF.
func (p *SPIPort) Tx(w, r []byte) error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		in := byte(0xFF)
		if i < len(w) {
			in = w[i]
		}
		out := p.c.spi.clock(in)
		if i < len(r) {
			r[i] = out
		}
	}
	return nil
}

func (s *spiPort) reset() {
	s.frame = s.frame[:0]
	s.out = s.out[:0]
	s.writing = false
	s.inWrite = false
	s.wbuf = s.wbuf[:0]
}

func (s *spiPort) clock(in byte) byte {
	c := s.card
	if !s.selected || !c.present || c.unresponsive {
		return 0xFF
	}

	out := byte(0xFF)
	if len(s.out) > 0 {
		out = s.out[0]
		s.out = s.out[1:]
	}

	switch {
	case s.writing:
		s.acceptWrite(in)
	case len(s.frame) > 0 || in&0xC0 == 0x40:
		s.frame = append(s.frame, in)
		if len(s.frame) == 6 {
			s.command()
			s.frame = s.frame[:0]
		}
	}
	return out
}

func (s *spiPort) command() {
	c := s.card
	f := s.frame
	if sdproto.CRC7(f[:5])<<1|1 != f[5] {
		s.out = append(s.out, 0xFF, sdproto.R1CRCError|idleR1(c))
		return
	}
	idx := f[0] & 0x3F
	arg := uint32(f[1])<<24 | uint32(f[2])<<16 | uint32(f[3])<<8 | uint32(f[4])

	res := c.exec(idx, arg, true)
	// NCR: one filler byte before R1.
	s.out = append(s.out, 0xFF, res.r1)
	if !res.ok || res.r1&sdproto.R1IllegalCmd != 0 {
		return
	}
	switch {
	case idx == sdproto.CmdSendIfCond || idx == sdproto.CmdReadOCR:
		a := res.resp.Arg
		s.out = append(s.out, byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
	case idx == sdproto.CmdSendStatus:
		s.out = append(s.out, 0x00)
	case res.regData:
		s.sendBlock(res.resp.Reg[:])
	case res.hasRead:
		buf := make([]byte, sdproto.BlockSize)
		if err := c.readSector(res.dataRead, buf); err != nil {
			s.out = append(s.out, 0xFF, 0x08) // data error token: card ECC failed
			return
		}
		s.sendBlock(buf)
	case res.hasWrite:
		s.writing = true
		s.wsector = res.write
		s.wbuf = s.wbuf[:0]
	}
}

func (s *spiPort) sendBlock(b []byte) {
	crc := sdproto.CRC16(b)
	s.out = append(s.out, 0xFF, sdproto.TokenStartBlock)
	s.out = append(s.out, b...)
	s.out = append(s.out, byte(crc>>8), byte(crc))
}

func (s *spiPort) acceptWrite(in byte) {
	if !s.inWrite {
		if in == sdproto.TokenStartBlock {
			s.inWrite = true
		}
		return
	}
	s.wbuf = append(s.wbuf, in)
	if len(s.wbuf) < sdproto.BlockSize+2 {
		return
	}
	data := s.wbuf[:sdproto.BlockSize]
	crc := uint16(s.wbuf[sdproto.BlockSize])<<8 | uint16(s.wbuf[sdproto.BlockSize+1])
	s.writing, s.inWrite = false, false
	switch {
	case crc != sdproto.CRC16(data):
		s.out = append(s.out, 0xE0|0x0B)
	case s.card.writeSector(s.wsector, data) != nil:
		s.out = append(s.out, 0xE0|0x0D)
	default:
		// accepted, then a short busy phase
		s.out = append(s.out, 0xE0|sdproto.DataAccepted, 0x00, 0x00, 0x00)
	}
}

func idleR1(c *Card) byte {
	if c.state == stIdle {
		return sdproto.R1Idle
	}
	return 0
}
