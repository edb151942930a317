// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// pcapngMagic is the block type of a pcapng section header.
const pcapngMagic = 0x0A0D0D0A

// maxReadFailures bounds consecutive undecodable records before the file is
// treated as corrupt.
const maxReadFailures = 64

// ErrUnknownFormat is returned for a capture format other than auto, pcap
// or pcapng.
var ErrUnknownFormat = errors.New("unknown capture format")

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// fileCapturer replays a pcap or pcapng file.
type fileCapturer struct {
	baseCapturer
	f       *os.File
	packets atomic.Int64
	skipped atomic.Int64
}

func newFileCapturer(cfg *Config) *fileCapturer {
	return &fileCapturer{baseCapturer: newBase(cfg)}
}

// Start opens the file and replays it in the background. Packets are
// delivered to OnPacket callbacks in file order from a single goroutine.
func (c *fileCapturer) Start(ctx context.Context) error {
	f, err := os.Open(c.cfg.File)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	br := bufio.NewReader(f)
	r, err := openReader(br, c.cfg.Format)
	if err != nil {
		f.Close()
		return fmt.Errorf("open capture %s: %w", c.cfg.File, err)
	}
	c.f = f

	src := gopacket.NewPacketSource(r, r.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	go c.run(ctx, src)

	c.logger.Info("packet capture started",
		zap.String("file", c.cfg.File),
		zap.Stringer("link_type", r.LinkType()),
	)
	return nil
}

func (c *fileCapturer) run(ctx context.Context, src *gopacket.PacketSource) {
	defer close(c.done)
	defer c.f.Close()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		pkt, err := src.NextPacket()
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			c.logger.Info("capture file exhausted",
				zap.String("file", c.cfg.File),
				zap.Int64("packets", c.packets.Load()),
				zap.Int64("skipped", c.skipped.Load()),
			)
			return
		}
		if err != nil {
			c.skipped.Add(1)
			c.logger.Debug("capture read error", zap.Error(err))
			if failures++; failures >= maxReadFailures {
				c.logger.Error("giving up on capture file", zap.String("file", c.cfg.File), zap.Error(err))
				return
			}
			continue
		}
		failures = 0
		c.packets.Add(1)
		c.emit(pkt)
	}
}

// Stop ends the replay and waits for the read loop to exit.
func (c *fileCapturer) Stop() error {
	c.signalStop()
	if c.f != nil {
		<-c.done
	}
	return nil
}

// openReader picks the file reader for format. "auto" sniffs the magic.
func openReader(br *bufio.Reader, format string) (packetReader, error) {
	switch format {
	case "", "auto":
		magic, err := br.Peek(4)
		if err != nil {
			return nil, err
		}
		if binary.LittleEndian.Uint32(magic) == pcapngMagic {
			return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		}
		return pcapgo.NewReader(br)
	case "pcap":
		return pcapgo.NewReader(br)
	case "pcapng":
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}
