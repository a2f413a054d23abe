package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/gousb"
)

//---------------- USB Transport ----------------
// The panel takes one 512-byte header followed by the RGB565 payload split
// into 512-byte packets, last one zero-padded. It has no packet addressing,
// so everything is sent strictly in order; a failing packet is retried
// through an escalating recovery ladder before the frame is abandoned.

const (
	TRLCD_VID       = 0x0416
	TRLCD_PID       = 0x5302
	TRLCD_WIDTH     = 240
	TRLCD_HEIGHT    = 320
	TRLCD_PACK      = 512
	TRLCD_FRAME_LEN = TRLCD_WIDTH * TRLCD_HEIGHT * 2

	transferTimeout = time.Second
	sendAttempts    = 4
)

// USB standard request fields for clearing an endpoint halt.
const (
	reqClearFeature  = 0x01
	featEndpointHalt = 0x0000
)

var (
	errDeviceNotFound = errors.New("display device not found")
	errNoEndpoint     = errors.New("no usable OUT endpoint")
)

// buildFrameHeader fills the fixed 512-byte frame header. Field values were
// captured from the vendor tool's traffic; bytes 26..29 are carried verbatim.
func buildFrameHeader() []byte {
	hdr := make([]byte, TRLCD_PACK)
	hdr[0], hdr[1], hdr[2], hdr[3] = 0xDA, 0xDB, 0xDC, 0xDD // magic
	binary.LittleEndian.PutUint16(hdr[4:6], 2)              // version
	binary.LittleEndian.PutUint16(hdr[6:8], 1)              // command: frame
	binary.LittleEndian.PutUint16(hdr[8:10], TRLCD_WIDTH)
	binary.LittleEndian.PutUint16(hdr[10:12], TRLCD_HEIGHT)
	binary.LittleEndian.PutUint16(hdr[12:14], 2) // pixel format: RGB565
	binary.LittleEndian.PutUint32(hdr[22:26], TRLCD_FRAME_LEN)
	binary.LittleEndian.PutUint32(hdr[26:30], 0x08000000)
	return hdr
}

// usbPort is one attached panel: a single send attempt plus the three
// recovery actions. Production code uses gousb; tests inject fakes.
type usbPort interface {
	send(pkt []byte) error
	clearHalt() error
	reset() error
	reopen() error
	close()
}

// recoveryStep is one rung of the ladder. A fatal rung that itself fails
// (the device never came back) aborts instead of burning the remaining
// attempts.
type recoveryStep struct {
	name  string
	fatal bool
	run   func(p usbPort) error
}

var recoveryLadder = []recoveryStep{
	{name: "clear-halt", run: func(p usbPort) error { return p.clearHalt() }},
	{name: "reset", run: func(p usbPort) error { return p.reset() }},
	{name: "reopen", fatal: true, run: func(p usbPort) error { return p.reopen() }},
}

// DeviceSession owns the open panel for the life of the process. Recovery
// mutates the underlying port in place, so later packets use the updated
// interface and endpoint.
type DeviceSession struct {
	port   usbPort
	header []byte
}

func openSession(wantIface int) (*DeviceSession, error) {
	port, err := openGousbPort(wantIface)
	if err != nil {
		return nil, err
	}
	return &DeviceSession{port: port, header: buildFrameHeader()}, nil
}

func (s *DeviceSession) Close() {
	if s.port != nil {
		s.port.close()
	}
}

// SendFrame streams one packed frame: header first, then the payload in
// 512-byte packets in address order.
func (s *DeviceSession) SendFrame(pix []byte) error {
	if err := s.sendPacket(s.header); err != nil {
		return fmt.Errorf("header send failed: %w", err)
	}
	for off := 0; off < len(pix); off += TRLCD_PACK {
		end := off + TRLCD_PACK
		if end > len(pix) {
			end = len(pix)
		}
		if err := s.sendPacket(pix[off:end]); err != nil {
			return fmt.Errorf("data send failed at offset %d: %w", off, err)
		}
	}
	return nil
}

// sendPacket pushes one zero-padded 512-byte packet, climbing the recovery
// ladder between attempts. The attempt budget is shared across all rungs.
func (s *DeviceSession) sendPacket(buf []byte) error {
	pkt := make([]byte, TRLCD_PACK)
	copy(pkt, buf)

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		lastErr = s.port.send(pkt)
		if lastErr == nil {
			return nil
		}
		if attempt >= len(recoveryLadder) {
			break
		}
		step := recoveryLadder[attempt]
		log.Printf("usb send failed (%v), trying %s recovery", lastErr, step.name)
		if err := step.run(s.port); err != nil {
			if step.fatal {
				return fmt.Errorf("usb %s recovery failed: %w", step.name, err)
			}
			log.Printf("usb %s recovery failed: %v", step.name, err)
		}
	}
	return fmt.Errorf("packet send failed after %d attempts: %w", sendAttempts, lastErr)
}

//---------------- gousb Implementation ----------------

type gousbPort struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	ep   *gousb.OutEndpoint

	epDesc    gousb.EndpointDesc
	iface     int
	wantIface int
}

func openGousbPort(wantIface int) (*gousbPort, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(TRLCD_VID, TRLCD_PID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open device %04x:%04x: %w", TRLCD_VID, TRLCD_PID, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, errDeviceNotFound
	}
	p := &gousbPort{ctx: ctx, dev: dev, wantIface: wantIface}
	if err := dev.SetAutoDetach(true); err != nil {
		log.Printf("auto-detach not available: %v", err)
	}
	if err := p.claim(); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

// claim discovers the OUT endpoint on the active configuration and claims
// its interface, updating the session fields in place.
func (p *gousbPort) claim() error {
	p.releaseInterface()

	num, err := p.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("active config: %w", err)
	}
	ifNum, alt, epd, err := pickOutEndpoint(p.dev.Desc, num, p.wantIface)
	if err != nil {
		return err
	}
	cfg, err := p.dev.Config(num)
	if err != nil {
		return fmt.Errorf("select config %d: %w", num, err)
	}
	intf, err := cfg.Interface(ifNum, alt)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("claim interface %d failed: %w", ifNum, err)
	}
	ep, err := intf.OutEndpoint(epd.Number)
	if err != nil {
		intf.Close()
		cfg.Close()
		return fmt.Errorf("open endpoint %d: %w", epd.Number, err)
	}
	p.cfg, p.intf, p.ep = cfg, intf, ep
	p.epDesc = epd
	p.iface = ifNum
	return nil
}

// pickOutEndpoint scans the configuration's interfaces and alt settings:
// the first OUT interrupt endpoint wins, otherwise the first OUT bulk
// endpoint. wantIface restricts the scan to one interface index; -1 means
// any.
func pickOutEndpoint(desc *gousb.DeviceDesc, cfgNum, wantIface int) (iface, alt int, ep gousb.EndpointDesc, err error) {
	cfg, ok := desc.Configs[cfgNum]
	if !ok {
		return 0, 0, ep, fmt.Errorf("configuration %d not described", cfgNum)
	}
	haveBulk := false
	var bulkIface, bulkAlt int
	var bulkEP gousb.EndpointDesc

	for _, intf := range cfg.Interfaces {
		if wantIface != -1 && intf.Number != wantIface {
			continue
		}
		for _, setting := range intf.AltSettings {
			eps := make([]gousb.EndpointDesc, 0, len(setting.Endpoints))
			for _, e := range setting.Endpoints {
				if e.Direction == gousb.EndpointDirectionOut {
					eps = append(eps, e)
				}
			}
			sort.Slice(eps, func(i, j int) bool { return eps[i].Number < eps[j].Number })
			for _, e := range eps {
				switch e.TransferType {
				case gousb.TransferTypeInterrupt:
					return intf.Number, setting.Alternate, e, nil
				case gousb.TransferTypeBulk:
					if !haveBulk {
						haveBulk = true
						bulkIface, bulkAlt, bulkEP = intf.Number, setting.Alternate, e
					}
				}
			}
		}
	}
	if haveBulk {
		return bulkIface, bulkAlt, bulkEP, nil
	}
	if wantIface != -1 {
		return 0, 0, ep, fmt.Errorf("%w on requested interface %d", errNoEndpoint, wantIface)
	}
	return 0, 0, ep, errNoEndpoint
}

// send makes one transfer attempt. The vendor tool retries a stalled
// interrupt transfer as a bulk transfer to the same endpoint address;
// gousb derives the transfer type from the endpoint descriptor and cannot
// reissue under a different type, so the fallback is one immediate
// same-endpoint retry instead. The panel accepts the repeated packet.
func (p *gousbPort) send(pkt []byte) error {
	err := p.write(pkt)
	if err != nil && isStallOrTimeout(err) {
		err = p.write(pkt)
	}
	return err
}

func (p *gousbPort) write(pkt []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()
	n, err := p.ep.WriteContext(ctx, pkt)
	if err != nil {
		return err
	}
	if n != len(pkt) {
		return fmt.Errorf("short transfer: %d of %d bytes", n, len(pkt))
	}
	return nil
}

func isStallOrTimeout(err error) bool {
	return errors.Is(err, gousb.ErrorPipe) ||
		errors.Is(err, gousb.ErrorTimeout) ||
		errors.Is(err, gousb.TransferStall) ||
		errors.Is(err, gousb.TransferTimedOut) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p *gousbPort) clearHalt() error {
	_, err := p.dev.Control(
		gousb.ControlOut|gousb.ControlStandard|gousb.ControlEndpoint,
		reqClearFeature, featEndpointHalt, uint16(p.epDesc.Address), nil)
	time.Sleep(50 * time.Millisecond)
	return err
}

func (p *gousbPort) reset() error {
	p.releaseInterface()
	if err := p.dev.Reset(); err != nil {
		return err
	}
	time.Sleep(300 * time.Millisecond)
	if err := p.claim(); err != nil {
		return err
	}
	time.Sleep(150 * time.Millisecond)
	return nil
}

// reopen tears the whole context down and re-enumerates the device, with a
// bounded number of attempts while it re-appears on the bus.
func (p *gousbPort) reopen() error {
	p.close()
	for tries := 0; tries < 10; tries++ {
		ctx := gousb.NewContext()
		dev, err := ctx.OpenDeviceWithVIDPID(TRLCD_VID, TRLCD_PID)
		if err == nil && dev != nil {
			p.ctx, p.dev = ctx, dev
			if err := dev.SetAutoDetach(true); err != nil {
				log.Printf("auto-detach not available: %v", err)
			}
			if err := p.claim(); err == nil {
				return nil
			}
			dev.Close()
			p.dev = nil
		}
		ctx.Close()
		p.ctx = nil
		time.Sleep(200 * time.Millisecond)
	}
	return errDeviceNotFound
}

func (p *gousbPort) releaseInterface() {
	if p.intf != nil {
		p.intf.Close()
		p.intf = nil
		p.ep = nil
	}
	if p.cfg != nil {
		p.cfg.Close()
		p.cfg = nil
	}
}

func (p *gousbPort) close() {
	p.releaseInterface()
	if p.dev != nil {
		p.dev.Close()
		p.dev = nil
	}
	if p.ctx != nil {
		p.ctx.Close()
		p.ctx = nil
	}
}
