package pcapio

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/lowpan/internal/framebuf"
)

// Transmitter sends the frames of one datagram in chain order. It takes
// ownership of the chain and returns every buffer to its pool.
type Transmitter interface {
	Transmit(head *framebuf.Buffer) error
	Close() error
}

// ChainReleaser returns a frame chain to its pool.
type ChainReleaser interface {
	FreeChain(head *framebuf.Buffer)
}

// PcapSink writes each frame as one IEEE 802.15.4 packet without FCS.
type PcapSink struct {
	w      *pcapgo.Writer
	closer io.Closer
	pool   ChainReleaser
	now    func() time.Time
	frames int
}

// NewPcapSink writes the file header to w.
func NewPcapSink(w io.Writer, pool ChainReleaser) (*PcapSink, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, LinkTypeIEEE802154NoFCS); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &PcapSink{w: pw, pool: pool, now: time.Now}, nil
}

// CreatePcapSink creates the file at path and writes frames to it.
func CreatePcapSink(path string, pool ChainReleaser) (*PcapSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file %s: %w", path, err)
	}
	s, err := NewPcapSink(f, pool)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

func (s *PcapSink) Transmit(head *framebuf.Buffer) error {
	defer s.pool.FreeChain(head)
	ts := s.now()
	for b := head; b != nil; b = b.Next {
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: b.Len, Length: b.Len}
		if err := s.w.WritePacket(ci, b.Bytes()); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
		s.frames++
	}
	return nil
}

// Frames returns the number of frames written.
func (s *PcapSink) Frames() int {
	return s.frames
}

func (s *PcapSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// HexSink prints a summary line and a hex dump of every frame.
type HexSink struct {
	w         io.Writer
	pool      ChainReleaser
	datagrams int
}

func NewHexSink(w io.Writer, pool ChainReleaser) *HexSink {
	return &HexSink{w: w, pool: pool}
}

func (s *HexSink) Transmit(head *framebuf.Buffer) error {
	defer s.pool.FreeChain(head)
	s.datagrams++
	n := head.Count()
	i := 0
	for b := head; b != nil; b = b.Next {
		i++
		if _, err := fmt.Fprintf(s.w, "datagram %d frame %d/%d len=%d\n%s", s.datagrams, i, n, b.Len, hex.Dump(b.Bytes())); err != nil {
			return err
		}
	}
	return nil
}

func (s *HexSink) Close() error {
	return nil
}
