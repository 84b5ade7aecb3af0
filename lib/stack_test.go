package lib

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/Clouded-Sabre/inetcore/config"
	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	clientAddr = netip.MustParseAddr("10.0.0.1")
	serverAddr = netip.MustParseAddr("10.0.0.2")
)

func testConfig(name string) *config.Config {
	cfg := config.Default()
	cfg.Stack.Name = name
	cfg.Pool.Size = 512
	cfg.TCP.InitialRTO = 200 * time.Millisecond
	cfg.TCP.MinRTO = 100 * time.Millisecond
	cfg.TCP.MaxRTO = time.Second
	cfg.TCP.MSL = 50 * time.Millisecond
	cfg.TCP.AckDelay = 20 * time.Millisecond
	cfg.TCP.FinTimeout = time.Second
	return cfg
}

// testNet is two stacks joined by a pipe: the client at 10.0.0.1 and the
// server at 10.0.0.2. Their initial sequence numbers are fixed at 100 and
// 300.
type testNet struct {
	client, server         *Stack
	clientLink, serverLink *PipeEnd
}

func newTestNet(t *testing.T, tweak func(*config.Config)) *testNet {
	t.Helper()
	ccfg, scfg := testConfig("client"), testConfig("server")
	if tweak != nil {
		tweak(ccfg)
		tweak(scfg)
	}
	client, err := NewStack(ccfg, WithISNGenerator(func() uint32 { return 100 }))
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewStack(scfg, WithISNGenerator(func() uint32 { return 300 }))
	if err != nil {
		client.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	cl, sl := NewPipe(1500)
	if _, err := client.AddInterface("eth0", netip.PrefixFrom(clientAddr, 24), cl, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := server.AddInterface("eth0", netip.PrefixFrom(serverAddr, 24), sl, nil); err != nil {
		t.Fatal(err)
	}
	return &testNet{client: client, server: server, clientLink: cl, serverLink: sl}
}

// connect opens a listener on the server port and returns both ends of one
// connection to it.
func (n *testNet) connect(t *testing.T, port uint16) (*Connection, *Connection) {
	t.Helper()
	l, err := n.server.Listen(netip.AddrPortFrom(serverAddr, port))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := n.client.Dial(ctx, netip.AddrPort{}, netip.AddrPortFrom(serverAddr, port))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	srv, err := l.AcceptContext(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return cli, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func icmpEcho(t *testing.T, id uint32, body string) []byte {
	t.Helper()
	m := header.ICMPv4{Type: header.ICMPEcho, Rest: id, Body: []byte(body)}
	b := make([]byte, header.ICMPv4MinimumSize+len(body))
	if _, err := m.Marshal(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func readICMP(t *testing.T, e *RawEndpoint) (header.IPv4, header.ICMPv4) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := make([]byte, 2048)
	n, h, err := e.ReadFrom(ctx, b)
	if err != nil {
		t.Fatalf("reading icmp: %v", err)
	}
	m, err := header.ParseICMPv4(b[:n])
	if err != nil {
		t.Fatal(err)
	}
	return h, m
}

func TestICMPEcho(t *testing.T) {
	n := newTestNet(t, nil)
	e, err := n.client.ListenRaw(header.ProtocolICMP)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if _, err := e.WriteTo(icmpEcho(t, 0x12340001, "ping"), serverAddr); err != nil {
		t.Fatal(err)
	}
	h, m := readICMP(t, e)
	if h.Src != serverAddr || m.Type != header.ICMPEchoReply {
		t.Fatalf("got type %d from %s, want an echo reply from %s", m.Type, h.Src, serverAddr)
	}
	if m.Rest != 0x12340001 || string(m.Body) != "ping" {
		t.Errorf("reply rest %#x body %q", m.Rest, m.Body)
	}
	if got := testutil.ToFloat64(n.server.Stats().ICMPOutMsgs.WithLabelValues("echo_reply")); got != 1 {
		t.Errorf("server sent %v echo replies, want 1", got)
	}
}

func TestUnknownProtocolUnreachable(t *testing.T) {
	n := newTestNet(t, nil)
	e, err := n.client.ListenRaw(header.ProtocolICMP)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if _, err := e.WriteProtocol(99, []byte("anyone there?"), serverAddr); err != nil {
		t.Fatal(err)
	}
	_, m := readICMP(t, e)
	if m.Type != header.ICMPDestUnreachable || m.Code != header.ICMPProtoUnreachable {
		t.Fatalf("got type %d code %d, want protocol unreachable", m.Type, m.Code)
	}
	inner, err := header.ParseIPv4(m.Body)
	if err != nil {
		t.Fatal(err)
	}
	if inner.Protocol != 99 || inner.Src != clientAddr {
		t.Errorf("quoted datagram: protocol %d from %s", inner.Protocol, inner.Src)
	}
	if got := testutil.ToFloat64(n.server.Stats().IPInUnknownProtos); got != 1 {
		t.Errorf("IPInUnknownProtos = %v, want 1", got)
	}
}

func TestFragmentedDatagramReassembles(t *testing.T) {
	n := newTestNet(t, nil)
	srv, err := n.server.ListenUDP(netip.AddrPortFrom(serverAddr, 5000))
	if err != nil {
		t.Fatal(err)
	}
	cli, err := n.client.ListenUDP(netip.AddrPortFrom(clientAddr, 0))
	if err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if _, err := cli.WriteTo(payload, srv.AddrPort()); err != nil {
		t.Fatal(err)
	}

	srv.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 8192)
	got, from, err := srv.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if from != cli.AddrPort() {
		t.Errorf("datagram from %s, want %s", from, cli.AddrPort())
	}
	if !bytes.Equal(buf[:got], payload) {
		t.Fatalf("reassembled %d bytes that differ from the %d sent", got, len(payload))
	}

	// 4008 bytes of UDP in 1480 byte pieces
	if got := testutil.ToFloat64(n.client.Stats().IPFragCreates); got != 3 {
		t.Errorf("IPFragCreates = %v, want 3", got)
	}
	if got := testutil.ToFloat64(n.server.Stats().IPReasmReqds); got != 3 {
		t.Errorf("IPReasmReqds = %v, want 3", got)
	}
	if got := testutil.ToFloat64(n.server.Stats().IPReasmOKs); got != 1 {
		t.Errorf("IPReasmOKs = %v, want 1", got)
	}
}

func TestPacketCapture(t *testing.T) {
	n := newTestNet(t, nil)
	var out bytes.Buffer
	if err := n.client.OpenPacketCapture(&out); err != nil {
		t.Fatal(err)
	}
	e, err := n.client.ListenRaw(header.ProtocolICMP)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.WriteTo(icmpEcho(t, 7, "pcap"), serverAddr); err != nil {
		t.Fatal(err)
	}
	readICMP(t, e)
	n.client.Close()

	r, err := pcapgo.NewReader(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if r.LinkType() != layers.LinkTypeRaw {
		t.Errorf("link type %v, want raw", r.LinkType())
	}
	var types []uint8
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok {
			t.Fatalf("captured packet is not ICMP: %v", pkt)
		}
		types = append(types, icmp.TypeCode.Type())
	}
	want := []uint8{layers.ICMPv4TypeEchoRequest, layers.ICMPv4TypeEchoReply}
	if !bytes.Equal(types, want) {
		t.Errorf("captured icmp types %v, want %v", types, want)
	}
}

func TestNewStackRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TCP.MaxWindow = 0
	if _, err := NewStack(cfg); err == nil {
		t.Fatal("expected an invalid config to be rejected")
	}
}
