package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"
	"golang.org/x/net/ipv6"

	"firestige.xyz/lowpan/internal/boot"
	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/pcapio"
	"firestige.xyz/lowpan/internal/sixlowpan"
)

var frameCmd = &cobra.Command{
	Use:   "frame",
	Short: "Frame one IPv6 datagram",
	Long: `Build one IPv6 datagram, queue it on the configured interface and print
the resulting frames as hex dumps.

The datagram is either synthesised (UDP, TCP or ICMPv6 echo with a payload of
--size bytes) or given verbatim with --hex. Without --src/--dst the link-local
addresses derived from the link addresses are used.

Examples:
  lowpan frame --proto udp --size 200 --dest 00:12:4b:00:00:00:00:02
  lowpan frame --proto icmp --dst ff02::1 --out frames.pcap
  lowpan frame --hex 6000000000083a40...`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runFrame(cmd.Context(), cfg, frameOpts, os.Stdout); err != nil {
			exitWithError("failed to frame datagram", err)
		}
	},
}

type frameOptions struct {
	Proto    string
	Src      string
	Dst      string
	SrcPort  int
	DstPort  int
	Size     int
	HopLimit int
	Dest     string
	Hex      string
	Out      string
}

var frameOpts frameOptions

func init() {
	f := frameCmd.Flags()
	f.StringVarP(&frameOpts.Proto, "proto", "p", "udp", "transport protocol: udp, tcp or icmp")
	f.StringVar(&frameOpts.Src, "src", "", "IPv6 source address")
	f.StringVar(&frameOpts.Dst, "dst", "", "IPv6 destination address")
	f.IntVar(&frameOpts.SrcPort, "sport", 0xf0b1, "transport source port")
	f.IntVar(&frameOpts.DstPort, "dport", 0xf0b2, "transport destination port")
	f.IntVarP(&frameOpts.Size, "size", "n", 32, "payload bytes")
	f.IntVar(&frameOpts.HopLimit, "hlim", 64, "hop limit")
	f.StringVarP(&frameOpts.Dest, "dest", "d", "", "link destination, broadcast when empty")
	f.StringVar(&frameOpts.Hex, "hex", "", "complete datagram as hex, overrides synthesis")
	f.StringVarP(&frameOpts.Out, "out", "o", "", "also write the frames to this pcap file")
}

func runFrame(ctx context.Context, cfg *config.Config, opts frameOptions, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stack, err := boot.Build(cfg)
	if err != nil {
		return err
	}

	dest, err := parseDest(opts.Dest)
	if err != nil {
		return err
	}
	dg, err := opts.datagram(stack.Interface.Addr, dest)
	if err != nil {
		return err
	}

	head, err := stack.Queue(ctx, dg, dest)
	if err != nil {
		return err
	}

	frames, onAir := 0, 0
	for b := head; b != nil; b = b.Next {
		frames++
		onAir += b.Len
	}
	fmt.Fprintf(w, "datagram %d bytes -> %d frame(s), %d bytes on air, next tag %d\n",
		len(dg), frames, onAir, stack.Interface.DatagramTag())

	if opts.Out == "" {
		return pcapio.NewHexSink(w, stack.Pool).Transmit(head)
	}

	sink, err := pcapio.CreatePcapSink(opts.Out, stack.Pool)
	if err != nil {
		stack.Pool.FreeChain(head)
		return err
	}
	if err := sink.Transmit(head); err != nil {
		sink.Close()
		return err
	}
	fmt.Fprintf(w, "wrote %d frame(s) to %s\n", sink.Frames(), opts.Out)
	return sink.Close()
}

func parseDest(s string) (*core.LinkAddr, error) {
	if s == "" {
		return nil, nil
	}
	a, err := core.ParseLinkAddr(s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// datagram returns the datagram described by o. src is the local link
// address, dest the link destination or nil for broadcast.
func (o frameOptions) datagram(src core.LinkAddr, dest *core.LinkAddr) ([]byte, error) {
	if o.Hex != "" {
		b, err := hex.DecodeString(strings.Join(strings.Fields(o.Hex), ""))
		if err != nil {
			return nil, fmt.Errorf("invalid --hex datagram: %w", err)
		}
		return b, nil
	}
	if o.Size < 0 {
		return nil, fmt.Errorf("invalid payload size %d", o.Size)
	}
	if o.HopLimit < 0 || o.HopLimit > 255 {
		return nil, fmt.Errorf("invalid hop limit %d", o.HopLimit)
	}

	srcIP, err := parseIP(o.Src, sixlowpan.LinkLocalAddr(src))
	if err != nil {
		return nil, err
	}
	dstDefault := net.IPv6linklocalallnodes
	if dest != nil {
		dstDefault = sixlowpan.LinkLocalAddr(*dest)
	}
	dstIP, err := parseIP(o.Dst, dstDefault)
	if err != nil {
		return nil, err
	}

	ip := &layers.IPv6{
		Version:  6,
		HopLimit: uint8(o.HopLimit),
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	payload := make(gopacket.Payload, o.Size)
	for i := range payload {
		payload[i] = byte(i)
	}

	var ls []gopacket.SerializableLayer
	switch strings.ToLower(o.Proto) {
	case "udp":
		ip.NextHeader = layers.IPProtocolUDP
		udp := &layers.UDP{SrcPort: layers.UDPPort(o.SrcPort), DstPort: layers.UDPPort(o.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		ls = []gopacket.SerializableLayer{ip, udp, payload}
	case "tcp":
		ip.NextHeader = layers.IPProtocolTCP
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(o.SrcPort),
			DstPort: layers.TCPPort(o.DstPort),
			Seq:     1,
			ACK:     true,
			PSH:     o.Size > 0,
			Window:  1024,
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		ls = []gopacket.SerializableLayer{ip, tcp, payload}
	case "icmp", "icmpv6":
		ip.NextHeader = layers.IPProtocolICMPv6
		icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(uint8(ipv6.ICMPTypeEchoRequest), 0)}
		if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		ls = []gopacket.SerializableLayer{ip, icmp, &layers.ICMPv6Echo{Identifier: 1, SeqNumber: 1}, payload}
	default:
		return nil, fmt.Errorf("unsupported protocol %q", o.Proto)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("failed to build datagram: %w", err)
	}
	return buf.Bytes(), nil
}

func parseIP(s string, def net.IP) (net.IP, error) {
	if s == "" {
		return def, nil
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() != nil {
		return nil, fmt.Errorf("invalid IPv6 address %q", s)
	}
	return ip, nil
}
