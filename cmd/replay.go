package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/spf13/cobra"

	"firestige.xyz/lowpan/internal/boot"
	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/framebuf"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/metrics"
	"firestige.xyz/lowpan/internal/pcapio"
	"firestige.xyz/lowpan/internal/sixlowpan"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Frame every IPv6 datagram of a capture file",
	Long: `Read IPv6 datagrams from a pcap file, queue each of them on the configured
interface and write the frames to an IEEE 802.15.4 pcap file.

With --verify every frame chain is reassembled again and compared with the
datagram it came from. Datagrams the engine rejects are counted and skipped.

Examples:
  lowpan replay -i coap.pcap -o coap-154.pcap
  lowpan replay -c lowpan.yml -i coap.pcap --verify`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runReplay(cmd.Context(), cfg, replayOpts, os.Stdout); err != nil {
			exitWithError("replay failed", err)
		}
	},
}

type replayOptions struct {
	In     string
	Out    string
	Dest   string
	Verify bool
	Limit  int
}

var replayOpts replayOptions

func init() {
	f := replayCmd.Flags()
	f.StringVarP(&replayOpts.In, "in", "i", "", "input pcap file (required)")
	f.StringVarP(&replayOpts.Out, "out", "o", "", "output pcap file, frames are discarded when empty")
	f.StringVarP(&replayOpts.Dest, "dest", "d", "", "link destination, broadcast when empty")
	f.BoolVar(&replayOpts.Verify, "verify", false, "reassemble every frame chain and compare")
	f.IntVar(&replayOpts.Limit, "limit", 0, "stop after this many datagrams (0 = all)")
	replayCmd.MarkFlagRequired("in")
}

// datagramReader yields IPv6 datagrams until io.EOF.
type datagramReader interface {
	ReadDatagram() ([]byte, gopacket.CaptureInfo, error)
}

type replayStats struct {
	Datagrams  int
	Frames     int
	Rejected   int
	Verified   int
	Mismatched int
}

func runReplay(ctx context.Context, cfg *config.Config, opts replayOptions, w io.Writer) error {
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

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	src, err := pcapio.NewSource(opts.In)
	if err != nil {
		return err
	}
	if err := src.Start(); err != nil {
		return err
	}
	defer src.Stop()

	var tx pcapio.Transmitter = discard{stack.Pool}
	if opts.Out != "" {
		sink, err := pcapio.CreatePcapSink(opts.Out, stack.Pool)
		if err != nil {
			return err
		}
		tx = sink
	}

	var r *sixlowpan.Reassembler
	if opts.Verify {
		r = stack.NewReassembler()
		defer r.Close()
	}

	st, err := replay(ctx, stack, src, tx, r, dest, opts.Limit)
	if cerr := tx.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "datagrams: %d, frames: %d, rejected: %d, skipped packets: %d\n",
		st.Datagrams, st.Frames, st.Rejected, src.Skipped())
	if opts.Verify {
		fmt.Fprintf(w, "verified: %d, mismatched: %d\n", st.Verified, st.Mismatched)
		if st.Mismatched > 0 {
			return fmt.Errorf("%d datagram(s) did not survive reassembly", st.Mismatched)
		}
	}
	return nil
}

// replay queues every datagram of in and hands the frames to tx. When r is
// set each chain is reassembled before transmission.
func replay(ctx context.Context, stack *boot.Stack, in datagramReader, tx pcapio.Transmitter,
	r *sixlowpan.Reassembler, dest *core.LinkAddr, limit int) (replayStats, error) {
	var st replayStats
	logger := log.GetLogger().WithField("module", "replay")

	for limit <= 0 || st.Datagrams+st.Rejected < limit {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		dg, ci, err := in.ReadDatagram()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, err
		}

		head, err := stack.Queue(ctx, dg, dest)
		if err != nil {
			st.Rejected++
			logger.WithError(err).WithField("len", len(dg)).Warn("datagram rejected")
			continue
		}
		st.Datagrams++

		var got []byte
		for b := head; b != nil; b = b.Next {
			st.Frames++
			if r == nil {
				continue
			}
			out, done, err := r.Process(b.Bytes(), ci.Timestamp)
			if err != nil {
				logger.WithError(err).Warn("reassembly failed")
			}
			if done {
				got = out
			}
		}
		if r != nil {
			if bytes.Equal(got, dg) {
				st.Verified++
			} else {
				st.Mismatched++
				logger.WithField("len", len(dg)).Warn("reassembled datagram differs")
			}
		}

		if err := tx.Transmit(head); err != nil {
			return st, err
		}
	}
	return st, nil
}

// discard drops frames.
type discard struct {
	pool pcapio.ChainReleaser
}

func (d discard) Transmit(head *framebuf.Buffer) error {
	d.pool.FreeChain(head)
	return nil
}

func (d discard) Close() error { return nil }
