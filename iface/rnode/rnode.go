// Package rnode implements an iface.Interface over a serial-attached
// RNode radio using KISS framing: FEND (0xC0) delimited frames with
// byte-stuffed FESC/TFEND/TFESC escapes, one Reticulum packet per frame.
package rnode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/hash"
	"github.com/hexmesh/reticulum-go/iface"
)

const (
	kissFEND  = 0xC0
	kissFESC  = 0xDB
	kissTFEND = 0xDC
	kissTFESC = 0xDD

	// kissDataFrame is the KISS command nibble for a data frame on
	// port/channel 0, matching the single-channel RNode convention.
	kissDataFrame = 0x00

	// DefaultBaudRate is the RNode firmware's standard serial rate.
	DefaultBaudRate = 115200

	readBufSize = 1024
)

// Config configures an RNode serial interface.
type Config struct {
	// Port is the serial device path (e.g. "/dev/ttyUSB0").
	Port string
	// BaudRate defaults to DefaultBaudRate.
	BaudRate int
	// Name is a human-readable label for logging; defaults to Port.
	Name string
	Logger *slog.Logger
}

// Interface is an iface.Interface backed by a KISS-framed serial radio.
type Interface struct {
	cfg     Config
	addr    hash.AddressHash
	log     *slog.Logger
	port    serial.Port

	mu        sync.RWMutex
	connected bool
	handler   iface.InboundHandler
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ iface.Interface = (*Interface)(nil)

// New creates an RNode interface. Its address is derived from the
// configured name (which defaults to the port path), so the same
// configuration always maps to the same AddressHash across restarts.
func New(cfg Config) *Interface {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Port
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Interface{
		cfg:  cfg,
		addr: hash.Compute([]byte("rnode"), []byte(name)),
		log:  logger.WithGroup("rnode").With("port", cfg.Port),
	}
}

// Address implements iface.Interface.
func (i *Interface) Address() hash.AddressHash { return i.addr }

// Name implements iface.Interface.
func (i *Interface) Name() string {
	if i.cfg.Name != "" {
		return i.cfg.Name
	}
	return i.cfg.Port
}

// SetInboundHandler implements iface.Interface.
func (i *Interface) SetInboundHandler(fn iface.InboundHandler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handler = fn
}

// IsConnected implements iface.Interface.
func (i *Interface) IsConnected() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.connected
}

// Start opens the serial port and begins the KISS frame read loop.
func (i *Interface) Start(ctx context.Context) error {
	if i.cfg.Port == "" {
		return errors.New("rnode: serial port is required")
	}

	mode := &serial.Mode{BaudRate: i.cfg.BaudRate}
	port, err := serial.Open(i.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	i.mu.Lock()
	i.port = port
	i.connected = true
	i.done = make(chan struct{})
	i.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	go i.readLoop(readCtx)

	i.log.Info("rnode interface connected", "baud", i.cfg.BaudRate)
	return nil
}

// Stop closes the serial port and waits for the read loop to exit.
func (i *Interface) Stop() error {
	if i.cancel != nil {
		i.cancel()
	}

	i.mu.Lock()
	i.connected = false
	port := i.port
	i.port = nil
	done := i.done
	i.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

// Send KISS-frames pkt and writes it to the serial port.
func (i *Interface) Send(pkt *codec.Packet) error {
	i.mu.RLock()
	port := i.port
	connected := i.connected
	i.mu.RUnlock()

	if !connected || port == nil {
		return errors.New("rnode: not connected")
	}

	raw, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("encoding packet: %w", err)
	}

	_, err = port.Write(kissEncode(raw))
	return err
}

func (i *Interface) readLoop(ctx context.Context) {
	defer close(i.done)

	buf := make([]byte, readBufSize)
	var assembly []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := i.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				i.markDisconnected()
				return
			}
			i.log.Error("serial read error", "error", err)
			i.markDisconnected()
			return
		}
		if n == 0 {
			continue
		}

		assembly = append(assembly, buf[:n]...)
		assembly = i.processFrames(assembly)
	}
}

// processFrames extracts every complete FEND-delimited KISS frame from
// data, dispatching each as a decoded packet, and returns the unconsumed
// remainder.
func (i *Interface) processFrames(data []byte) []byte {
	for {
		start := bytes.IndexByte(data, kissFEND)
		if start < 0 {
			return nil
		}
		end := bytes.IndexByte(data[start+1:], kissFEND)
		if end < 0 {
			return data[start:]
		}
		frame := data[start+1 : start+1+end]
		data = data[start+1+end+1:]

		if len(frame) == 0 {
			continue
		}

		payload, err := kissDecode(frame)
		if err != nil {
			i.log.Debug("dropping malformed KISS frame", "error", err)
			continue
		}

		pkt, err := codec.Decode(payload)
		if err != nil {
			i.log.Debug("failed to decode packet from KISS frame", "error", err)
			continue
		}

		i.mu.RLock()
		handler := i.handler
		i.mu.RUnlock()
		if handler != nil {
			handler(pkt, i)
		}
	}
}

func (i *Interface) markDisconnected() {
	i.mu.Lock()
	i.connected = false
	i.mu.Unlock()
}

// kissEncode wraps raw in FEND delimiters with the command byte and
// byte-stuffs any FEND/FESC bytes found in the payload.
func kissEncode(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+4)
	out = append(out, kissFEND, kissDataFrame)
	for _, b := range raw {
		switch b {
		case kissFEND:
			out = append(out, kissFESC, kissTFEND)
		case kissFESC:
			out = append(out, kissFESC, kissTFESC)
		default:
			out = append(out, b)
		}
	}
	out = append(out, kissFEND)
	return out
}

// kissDecode reverses kissEncode on the bytes strictly between the two
// framing FENDs (the command byte still present as frame[0]).
func kissDecode(frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, errors.New("kiss: empty frame")
	}
	body := frame[1:]

	out := make([]byte, 0, len(body))
	for j := 0; j < len(body); j++ {
		b := body[j]
		if b == kissFESC {
			if j+1 >= len(body) {
				return nil, errors.New("kiss: truncated escape sequence")
			}
			j++
			switch body[j] {
			case kissTFEND:
				out = append(out, kissFEND)
			case kissTFESC:
				out = append(out, kissFESC)
			default:
				return nil, fmt.Errorf("kiss: invalid escape byte 0x%02x", body[j])
			}
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
