// Package card runs card identification over an initialized bus and owns
// the resulting CardInfo. A Session is Uninitialized until Probe succeeds.
package card

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sdcard-go/drivers/sdproto"
	"sdcard-go/errcode"
	"sdcard-go/types"
	"sdcard-go/x/logx"
	"sdcard-go/x/mathx"
)

// Bus is the part of the bus driver a session drives. *busdrv.Handle
// implements it.
type Bus interface {
	IsSPI() bool
	Config() types.BusConfig
	PowerUp() error
	Command(cmd uint8, arg uint32) (sdproto.Response, error)
	SetClock(khz uint32) error
	SetBusWidth(w uint8) error
	SetRCA(rca uint16)
	SetBlockAddressing(v bool)
	ReadBlock(sector uint64, dst []byte) error
	WriteBlock(sector uint64, src []byte) error
}

// Defaults for the power-up handshake.
const (
	DefaultInitTimeout  = time.Second
	DefaultPollInterval = time.Millisecond

	goIdleAttempts = 10
	mmcRCA         = 1
)

// Options tune the identification loop.
type Options struct {
	InitTimeout  time.Duration // ACMD41/CMD1 busy loop bound
	PollInterval time.Duration
}

// errRejected marks a card that does not implement ACMD41 (MMC).
var errRejected = errors.New("op cond rejected")

type Session struct {
	bus  Bus
	opts Options
	log  *logx.Logger

	probeMu sync.Mutex // one identification at a time

	mu    sync.RWMutex
	state types.CardState
	info  types.CardInfo
	err   error
}

func New(bus Bus, opts Options) *Session {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Session{bus: bus, opts: opts, log: logx.For(logx.ComponentCard)}
}

func (s *Session) State() types.CardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns the card description; ok is false unless the card is Ready.
func (s *Session) Info() (types.CardInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != types.CardReady {
		return types.CardInfo{}, false
	}
	return s.info, true
}

// Err returns the reason of the last failed probe.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) setState(st types.CardState, info types.CardInfo, err error) {
	s.mu.Lock()
	s.state, s.info, s.err = st, info, err
	s.mu.Unlock()
}

// Probe runs the identification sequence. It may be called again from
// Ready or Failed; the card is reset each time.
func (s *Session) Probe(ctx context.Context) error {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	s.setState(types.CardProbing, types.CardInfo{}, nil)
	s.log.Debug("probing", "mode", s.bus.Config().Mode.String())

	info, err := s.identify(ctx)
	if err != nil {
		s.setState(types.CardFailed, types.CardInfo{}, err)
		s.log.Error("probe failed", "err", err)
		return err
	}
	s.setState(types.CardReady, info, nil)
	s.log.Info("card ready",
		"type", info.Type.String(),
		"capacity", info.Capacity,
		"khz", info.MaxTransferKHz,
		"product", info.ProductName)
	return nil
}

// Release forgets the card. The next use needs a new Probe.
func (s *Session) Release() {
	s.setState(types.CardUninitialized, types.CardInfo{}, nil)
}

func fail(step string, err error) error {
	return &errcode.E{C: errcode.InitFailed, Op: "probe", Msg: step, Err: err}
}

func (s *Session) identify(ctx context.Context) (types.CardInfo, error) {
	b := s.bus
	spi := b.IsSPI()
	cfg := b.Config()

	if err := b.PowerUp(); err != nil {
		return types.CardInfo{}, fail("power up", err)
	}

	// CMD0
	var (
		r   sdproto.Response
		err error
	)
	for i := 0; i < goIdleAttempts; i++ {
		r, err = b.Command(sdproto.CmdGoIdleState, 0)
		if err == nil && (!spi || byte(r.Status) == sdproto.R1Idle) {
			break
		}
	}
	if err != nil {
		return types.CardInfo{}, fail("go idle", err)
	}
	if spi && byte(r.Status) != sdproto.R1Idle {
		return types.CardInfo{}, fail("go idle", fmt.Errorf("r1 %#02x", r.Status))
	}

	// CMD8: only v2 cards answer; silence (native) or illegal (SPI) means v1 or MMC.
	v2 := false
	r, err = b.Command(sdproto.CmdSendIfCond, sdproto.IfCondArg)
	switch {
	case err == nil && !r.IllegalCommand(spi):
		if r.Arg&0xFFF != sdproto.IfCondArg {
			return types.CardInfo{}, fail("if cond", fmt.Errorf("echo %#03x", r.Arg&0xFFF))
		}
		v2 = true
	case err != nil && (spi || !errcode.Has(err, errcode.Timeout)):
		return types.CardInfo{}, fail("if cond", err)
	}

	// ACMD41, or CMD1 for MMC.
	arg := uint32(0)
	if v2 {
		arg = sdproto.HCS
	}
	if !spi {
		arg |= sdproto.OCRVoltage
	}
	mmc := false
	ocr, err := s.opCond(ctx, sdproto.App|sdproto.ACmdSDSendOpCond, arg)
	if errors.Is(err, errRejected) && !v2 {
		mmc = true
		ocr, err = s.opCond(ctx, sdproto.CmdSendOpCond, sdproto.OCRVoltage|sdproto.OCRSectorMode)
	}
	if err != nil {
		return types.CardInfo{}, fail("op cond", err)
	}

	if spi {
		r, err = b.Command(sdproto.CmdReadOCR, 0)
		if err != nil {
			return types.CardInfo{}, fail("read ocr", err)
		}
		if byte(r.Status) != 0 {
			return types.CardInfo{}, fail("read ocr", fmt.Errorf("r1 %#02x", r.Status))
		}
		ocr = r.Arg
	}
	if ocr&sdproto.OCRVoltage == 0 {
		return types.CardInfo{}, fail("voltage", fmt.Errorf("ocr %#08x outside 2.7-3.6V", ocr))
	}
	hc := ocr&sdproto.OCRCCS != 0

	var csdReg, cidReg [16]byte
	var rca uint16
	if spi {
		if csdReg, err = s.register(sdproto.CmdSendCSD, 0); err != nil {
			return types.CardInfo{}, fail("send csd", err)
		}
		if cidReg, err = s.register(sdproto.CmdSendCID, 0); err != nil {
			return types.CardInfo{}, fail("send cid", err)
		}
	} else {
		if r, err = b.Command(sdproto.CmdAllSendCID, 0); err != nil {
			return types.CardInfo{}, fail("all send cid", err)
		}
		cidReg = r.Reg

		rcaArg := uint32(0)
		if mmc {
			rcaArg = mmcRCA << 16
		}
		if r, err = b.Command(sdproto.CmdSendRelativeAddr, rcaArg); err != nil {
			return types.CardInfo{}, fail("relative addr", err)
		}
		rca = uint16(r.Arg >> 16)
		if mmc {
			rca = mmcRCA
		}
		b.SetRCA(rca)

		if r, err = b.Command(sdproto.CmdSendCSD, uint32(rca)<<16); err != nil {
			return types.CardInfo{}, fail("send csd", err)
		}
		csdReg = r.Reg

		if err = s.statusCmd(sdproto.CmdSelectCard, uint32(rca)<<16); err != nil {
			return types.CardInfo{}, fail("select", err)
		}
		if cfg.Mode.Width() == 4 {
			if mmc {
				s.log.Warn("mmc card kept at 1-bit bus width")
			} else {
				if err = s.statusCmd(sdproto.App|sdproto.ACmdSetBusWidth, 2); err != nil {
					return types.CardInfo{}, fail("bus width", err)
				}
				if err = b.SetBusWidth(4); err != nil {
					return types.CardInfo{}, fail("bus width", err)
				}
			}
		}
	}

	csd, err := sdproto.ParseCSD(csdReg, mmc)
	if err != nil {
		return types.CardInfo{}, fail("csd", err)
	}
	if csd.Capacity == 0 {
		return types.CardInfo{}, fail("csd", errors.New("zero capacity"))
	}
	if !hc {
		if err = s.statusCmd(sdproto.CmdSetBlockLen, sdproto.BlockSize); err != nil {
			return types.CardInfo{}, fail("block len", err)
		}
	}
	b.SetBlockAddressing(hc)

	khz := cfg.MaxFreqKHz
	if csd.TranKHz > 0 {
		khz = mathx.Min(khz, csd.TranKHz)
	}
	if err = b.SetClock(khz); err != nil {
		return types.CardInfo{}, fail("set clock", err)
	}

	cid := sdproto.ParseCID(cidReg)
	typ := types.ClassifyCapacity(hc, csd.Capacity)
	if mmc {
		typ = types.CardMMC
	}
	return types.CardInfo{
		Type:           typ,
		Capacity:       csd.Capacity,
		SectorSize:     sdproto.BlockSize,
		Sectors:        csd.Capacity / sdproto.BlockSize,
		HighCapacity:   hc,
		MaxTransferKHz: khz,
		RCA:            rca,
		ManufacturerID: cid.ManufacturerID,
		OEMID:          cid.OEMID,
		ProductName:    cid.ProductName,
		Revision:       cid.Revision,
		Serial:         cid.Serial,
		ManufactureY:   cid.Year,
		ManufactureM:   cid.Month,
	}, nil
}

// opCond repeats an op-cond command until the card leaves its power-up
// state or the bound expires.
func (s *Session) opCond(ctx context.Context, cmd uint8, arg uint32) (uint32, error) {
	spi := s.bus.IsSPI()
	deadline := time.Now().Add(s.opts.InitTimeout)
	for {
		r, err := s.bus.Command(cmd, arg)
		if err != nil {
			// In native mode an MMC card ignores CMD55 altogether.
			if !spi && sdproto.IsApp(cmd) && errcode.Has(err, errcode.Timeout) {
				return 0, fmt.Errorf("%w: %w", errRejected, err)
			}
			return 0, err
		}
		if r.IllegalCommand(spi) {
			return 0, errRejected
		}
		if spi {
			r1 := byte(r.Status)
			if r1&^sdproto.R1Idle != 0 {
				return 0, fmt.Errorf("r1 %#02x", r1)
			}
			if r1 == 0 {
				return 0, nil
			}
		} else if r.Arg&sdproto.OCRBusy != 0 {
			return r.Arg, nil
		}
		if time.Now().After(deadline) {
			return 0, errcode.New(errcode.Timeout, "op_cond", "card stayed in power-up")
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
	}
}

// register reads CSD or CID in SPI mode.
func (s *Session) register(cmd uint8, arg uint32) ([16]byte, error) {
	r, err := s.bus.Command(cmd, arg)
	if err != nil {
		return r.Reg, err
	}
	if byte(r.Status) != 0 {
		return r.Reg, fmt.Errorf("r1 %#02x", r.Status)
	}
	return r.Reg, nil
}

// statusCmd sends a command whose only result is card status.
func (s *Session) statusCmd(cmd uint8, arg uint32) error {
	r, err := s.bus.Command(cmd, arg)
	if err != nil {
		return err
	}
	if s.bus.IsSPI() {
		if byte(r.Status) != 0 {
			return fmt.Errorf("r1 %#02x", r.Status)
		}
		return nil
	}
	if r.Status&(sdproto.StatusErrors|sdproto.StatusIllegalCmd) != 0 {
		return fmt.Errorf("status %#08x", r.Status)
	}
	return nil
}

// ReadSector reads one sector; the card must be Ready.
func (s *Session) ReadSector(sector uint64, dst []byte) error {
	if err := s.ready("read", sector); err != nil {
		return err
	}
	return s.bus.ReadBlock(sector, dst)
}

// WriteSector writes one sector; the card must be Ready.
func (s *Session) WriteSector(sector uint64, src []byte) error {
	if err := s.ready("write", sector); err != nil {
		return err
	}
	return s.bus.WriteBlock(sector, src)
}

func (s *Session) ready(op string, sector uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != types.CardReady {
		return errcode.New(errcode.CardNotReady, op, s.state.String())
	}
	if sector >= s.info.Sectors {
		return errcode.New(errcode.IOError, op, fmt.Sprintf("sector %d beyond %d", sector, s.info.Sectors))
	}
	return nil
}
