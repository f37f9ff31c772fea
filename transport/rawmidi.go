//go:build linux

// Package transport moves SysEx frames over a MIDI connection.
//
// RawMIDI speaks to an ALSA rawmidi character device (/dev/snd/midiC*D*
// or /dev/midi*). The read loop extracts complete F0..F7 frames from the
// byte stream; everything that is not SysEx (channel voice traffic,
// realtime status bytes interleaved mid-frame) is discarded. Outbound
// writes are paced so a burst of PE chunks cannot overrun a DIN-speed
// device behind a USB bridge.
package transport

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/go-midipe/internal/constants"
	"github.com/ehrlich-b/go-midipe/internal/interfaces"
)

const (
	// pollTimeoutMs bounds each poll so the read loop notices Close.
	pollTimeoutMs = 250

	readBufferSize = 4096
)

// RawMIDIConfig configures a rawmidi transport.
type RawMIDIConfig struct {
	// Device is the rawmidi node, e.g. /dev/snd/midiC0D0.
	Device string

	// BytesPerSecond paces outbound writes. 0 selects the DIN-MIDI wire
	// rate; negative disables pacing (virtual/loopback ports).
	BytesPerSecond int

	// FrameBuffer is the inbound channel depth. 0 selects a default.
	FrameBuffer int

	Logger interfaces.Logger
}

// RawMIDI is a Transport over a rawmidi character device.
type RawMIDI struct {
	device  string
	fd      int
	frames  chan []byte
	limiter *rate.Limiter
	log     interfaces.Logger

	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// OpenRawMIDI opens the device and starts the frame reader.
func OpenRawMIDI(cfg RawMIDIConfig) (*RawMIDI, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("rawmidi: no device path")
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("rawmidi: open %s: %w", cfg.Device, err)
	}

	bps := cfg.BytesPerSecond
	if bps == 0 {
		bps = constants.DINBytesPerSecond
	}
	var limiter *rate.Limiter
	if bps > 0 {
		// Burst of one second of wire time keeps short messages snappy
		// while still bounding sustained throughput. The burst must fit
		// the largest single frame or WaitN can never succeed.
		burst := bps
		if min := 2 * constants.MaxPropertyDataPerMessage; burst < min {
			burst = min
		}
		limiter = rate.NewLimiter(rate.Limit(bps), burst)
	}

	depth := cfg.FrameBuffer
	if depth <= 0 {
		depth = 16
	}

	t := &RawMIDI{
		device:  cfg.Device,
		fd:      fd,
		frames:  make(chan []byte, depth),
		limiter: limiter,
		log:     cfg.Logger,
		done:    make(chan struct{}),
	}

	t.wg.Add(1)
	go t.readLoop()

	if t.log != nil {
		t.log.Infof("rawmidi transport open on %s (pacing %d B/s)", cfg.Device, bps)
	}
	return t, nil
}

// Send writes one complete F0..F7 frame to the device, paced to the
// configured wire rate.
func (t *RawMIDI) Send(frame []byte) error {
	if len(frame) < 2 || frame[0] != sysexStart || frame[len(frame)-1] != sysexEnd {
		return fmt.Errorf("rawmidi: not a complete SysEx frame")
	}
	select {
	case <-t.done:
		return fmt.Errorf("rawmidi: transport closed")
	default:
	}

	if t.limiter != nil {
		if err := t.limiter.WaitN(context.Background(), len(frame)); err != nil {
			return fmt.Errorf("rawmidi: pacing: %w", err)
		}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for len(frame) > 0 {
		n, err := unix.Write(t.fd, frame)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("rawmidi: write %s: %w", t.device, err)
		}
		frame = frame[n:]
	}
	return nil
}

// Frames returns the inbound frame channel. It is closed when the
// transport closes.
func (t *RawMIDI) Frames() <-chan []byte {
	return t.frames
}

// Close stops the reader and releases the device.
func (t *RawMIDI) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		t.closeErr = unix.Close(t.fd)
		close(t.frames)
	})
	return t.closeErr
}

// readLoop pulls bytes off the device and carves out SysEx frames.
func (t *RawMIDI) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	scanner := newFrameScanner(maxFrameSize, t.log)

	for {
		select {
		case <-t.done:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if t.log != nil {
				t.log.Errorf("rawmidi: poll %s: %v", t.device, err)
			}
			return
		}
		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
				if t.log != nil {
					t.log.Warnf("rawmidi: device %s hung up", t.device)
				}
				return
			}
			continue
		}

		count, err := unix.Read(t.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if t.log != nil {
				t.log.Errorf("rawmidi: read %s: %v", t.device, err)
			}
			return
		}

		for _, f := range scanner.push(buf[:count]) {
			t.deliver(f)
		}
	}
}

// deliver hands a frame to the consumer without ever blocking the read
// loop; a consumer that stalls loses frames, logged for diagnosis.
func (t *RawMIDI) deliver(frame []byte) {
	select {
	case t.frames <- frame:
	case <-t.done:
	default:
		if t.log != nil {
			t.log.Warnf("rawmidi: inbound frame dropped, consumer not keeping up (%d bytes)", len(frame))
		}
	}
}

var _ interfaces.Transport = (*RawMIDI)(nil)
