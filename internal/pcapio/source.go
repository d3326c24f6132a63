// Package pcapio reads IPv6 datagrams from capture files and writes link
// frames to them.
package pcapio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LinkTypeIEEE802154NoFCS is DLT_IEEE802_15_4_NOFCS.
const LinkTypeIEEE802154NoFCS = layers.LinkType(230)

const ipv6HdrLen = 40

// Source reads the IPv6 datagrams of a pcap file. Ethernet (with or without
// 802.1Q tags), Linux cooked, raw IP and raw IPv6 captures are supported;
// other packets are skipped.
type Source struct {
	path    string
	f       *os.File
	r       *pcapgo.Reader
	skipped int
}

func NewSource(path string) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("pcap path is required")
	}
	return &Source{path: path}, nil
}

// Start opens the capture file.
func (s *Source) Start() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open pcap file %s: %w", s.path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read pcap header of %s: %w", s.path, err)
	}
	s.f, s.r = f, r
	return nil
}

// ReadDatagram returns the next IPv6 datagram, or io.EOF at the end of file.
func (s *Source) ReadDatagram() ([]byte, gopacket.CaptureInfo, error) {
	if s.r == nil {
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("pcap source not started")
	}
	for {
		data, ci, err := s.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, gopacket.CaptureInfo{}, io.EOF
			}
			return nil, gopacket.CaptureInfo{}, fmt.Errorf("failed to read packet: %w", err)
		}
		if dg := ExtractIPv6(s.r.LinkType(), data); dg != nil {
			return dg, ci, nil
		}
		s.skipped++
	}
}

// Skipped returns the number of packets that carried no IPv6 datagram.
func (s *Source) Skipped() int {
	return s.skipped
}

// LinkType returns the link type of the open file.
func (s *Source) LinkType() layers.LinkType {
	if s.r == nil {
		return layers.LinkTypeEthernet
	}
	return s.r.LinkType()
}

func (s *Source) Stop() error {
	if s.f != nil {
		err := s.f.Close()
		s.f, s.r = nil, nil
		return err
	}
	return nil
}

// ExtractIPv6 returns the IPv6 datagram carried by a packet of the given link
// type, trimmed to its payload length, or nil.
func ExtractIPv6(lt layers.LinkType, data []byte) []byte {
	var payload []byte
	switch lt {
	case layers.LinkTypeEthernet:
		eth := &layers.Ethernet{}
		if eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback) != nil {
			return nil
		}
		payload = eth.Payload
		et := eth.EthernetType
		for et == layers.EthernetTypeDot1Q || et == layers.EthernetTypeQinQ {
			tag := &layers.Dot1Q{}
			if tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback) != nil {
				return nil
			}
			payload, et = tag.Payload, tag.Type
		}
		if et != layers.EthernetTypeIPv6 {
			return nil
		}
	case layers.LinkTypeLinuxSLL:
		sll := &layers.LinuxSLL{}
		if sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback) != nil || sll.EthernetType != layers.EthernetTypeIPv6 {
			return nil
		}
		payload = sll.Payload
	case layers.LinkTypeRaw, layers.LinkTypeIPv6:
		payload = data
	default:
		return nil
	}

	if len(payload) < ipv6HdrLen || payload[0]>>4 != 6 {
		return nil
	}
	n := ipv6HdrLen + int(binary.BigEndian.Uint16(payload[4:6]))
	if n > len(payload) {
		return nil
	}
	dg := make([]byte, n)
	copy(dg, payload)
	return dg
}
