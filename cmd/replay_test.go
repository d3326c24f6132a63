package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/boot"
	"firestige.xyz/lowpan/internal/framebuf"
)

// MockReader is a mock implementation of datagramReader
type MockReader struct {
	mock.Mock
}

func (m *MockReader) ReadDatagram() ([]byte, gopacket.CaptureInfo, error) {
	args := m.Called()
	dg, _ := args.Get(0).([]byte)
	return dg, args.Get(1).(gopacket.CaptureInfo), args.Error(2)
}

// MockTransmitter is a mock implementation of pcapio.Transmitter
type MockTransmitter struct {
	mock.Mock
	pool *framebuf.Pool
}

func (m *MockTransmitter) Transmit(head *framebuf.Buffer) error {
	args := m.Called(head.Count())
	m.pool.FreeChain(head)
	return args.Error(0)
}

func (m *MockTransmitter) Close() error {
	args := m.Called()
	return args.Error(0)
}

func udpDatagram(t *testing.T, size int) []byte {
	t.Helper()
	ip := &layers.IPv6{Version: 6, NextHeader: layers.IPProtocolUDP, HopLimit: 64,
		SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")}
	udp := &layers.UDP{SrcPort: 5683, DstPort: 5683}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	payload := make(gopacket.Payload, size)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, payload))
	return append([]byte(nil), buf.Bytes()...)
}

func newStack(t *testing.T) *boot.Stack {
	t.Helper()
	s, err := boot.Build(defaultConfig(t))
	require.NoError(t, err)
	return s
}

func TestReplay_Success(t *testing.T) {
	stack := newStack(t)
	reader := new(MockReader)
	tx := &MockTransmitter{pool: stack.Pool}
	ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0)}

	reader.On("ReadDatagram").Return(udpDatagram(t, 10), ci, nil).Once()
	reader.On("ReadDatagram").Return(udpDatagram(t, 500), ci, nil).Once()
	reader.On("ReadDatagram").Return(nil, gopacket.CaptureInfo{}, io.EOF).Once()
	tx.On("Transmit", 1).Return(nil).Once()
	tx.On("Transmit", mock.MatchedBy(func(n int) bool { return n > 1 })).Return(nil).Once()

	r := stack.NewReassembler()
	defer r.Close()
	st, err := replay(context.Background(), stack, reader, tx, r, nil, 0)

	require.NoError(t, err)
	assert.Equal(t, 2, st.Datagrams)
	assert.Equal(t, 2, st.Verified)
	assert.Zero(t, st.Mismatched)
	assert.Zero(t, st.Rejected)
	assert.Greater(t, st.Frames, 2)
	assert.Equal(t, stack.Pool.Capacity(), stack.Pool.Available())
	reader.AssertExpectations(t)
	tx.AssertExpectations(t)
}

func TestReplay_RejectedDatagramSkipped(t *testing.T) {
	stack := newStack(t)
	reader := new(MockReader)
	tx := &MockTransmitter{pool: stack.Pool}

	reader.On("ReadDatagram").Return(udpDatagram(t, 1300), gopacket.CaptureInfo{}, nil).Once()
	reader.On("ReadDatagram").Return(udpDatagram(t, 8), gopacket.CaptureInfo{}, nil).Once()
	reader.On("ReadDatagram").Return(nil, gopacket.CaptureInfo{}, io.EOF).Once()
	tx.On("Transmit", 1).Return(nil).Once()

	st, err := replay(context.Background(), stack, reader, tx, nil, nil, 0)

	require.NoError(t, err)
	assert.Equal(t, 1, st.Rejected)
	assert.Equal(t, 1, st.Datagrams)
	reader.AssertExpectations(t)
	tx.AssertExpectations(t)
}

func TestReplay_Limit(t *testing.T) {
	stack := newStack(t)
	reader := new(MockReader)
	tx := &MockTransmitter{pool: stack.Pool}

	reader.On("ReadDatagram").Return(udpDatagram(t, 8), gopacket.CaptureInfo{}, nil).Twice()
	tx.On("Transmit", 1).Return(nil).Twice()

	st, err := replay(context.Background(), stack, reader, tx, nil, nil, 2)

	require.NoError(t, err)
	assert.Equal(t, 2, st.Datagrams)
	reader.AssertExpectations(t)
	tx.AssertExpectations(t)
}

func TestReplay_TransmitError(t *testing.T) {
	stack := newStack(t)
	reader := new(MockReader)
	tx := &MockTransmitter{pool: stack.Pool}

	reader.On("ReadDatagram").Return(udpDatagram(t, 8), gopacket.CaptureInfo{}, nil).Once()
	tx.On("Transmit", 1).Return(errors.New("radio down")).Once()

	_, err := replay(context.Background(), stack, reader, tx, nil, nil, 0)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "radio down")
	assert.Equal(t, stack.Pool.Capacity(), stack.Pool.Available())
}

func TestReplay_Cancelled(t *testing.T) {
	stack := newStack(t)
	reader := new(MockReader)
	tx := &MockTransmitter{pool: stack.Pool}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := replay(ctx, stack, reader, tx, nil, nil, 0)

	assert.ErrorIs(t, err, context.Canceled)
	reader.AssertNotCalled(t, "ReadDatagram")
}

func writeRawCapture(t *testing.T, packets ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeRaw))
	for _, p := range packets {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: len(p), Length: len(p)}
		require.NoError(t, w.WritePacket(ci, p))
	}
	return path
}

func TestRunReplay(t *testing.T) {
	in := writeRawCapture(t, udpDatagram(t, 20), udpDatagram(t, 700), udpDatagram(t, 1300))
	out := filepath.Join(t.TempDir(), "out.pcap")
	cfg := defaultConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"

	var buf bytes.Buffer
	err := runReplay(context.Background(), cfg, replayOptions{In: in, Out: out, Dest: peer, Verify: true}, &buf)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "datagrams: 2,")
	assert.Contains(t, buf.String(), "rejected: 1,")
	assert.Contains(t, buf.String(), "verified: 2, mismatched: 0")

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(24))
}

func TestRunReplay_MissingInput(t *testing.T) {
	var buf bytes.Buffer
	err := runReplay(context.Background(), defaultConfig(t),
		replayOptions{In: filepath.Join(t.TempDir(), "missing.pcap")}, &buf)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open pcap file")
}
