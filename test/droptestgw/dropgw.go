// Command droptestgw runs two in-process stacks over a lossy pipe and pushes a
// bulk transfer through them, so retransmission and reordering can be watched
// without touching the host network.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/Clouded-Sabre/inetcore/config"
	"github.com/Clouded-Sabre/inetcore/lib"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "optional config file")
	dropRate   = flag.Float64("droprate", 0.1, "frame drop rate (0.0-1.0)")
	size       = flag.Int("bytes", 4<<20, "bytes to transfer")
	port       = flag.Int("port", 8901, "server port")
)

var (
	gwClient = netip.MustParseAddr("192.168.77.1")
	gwServer = netip.MustParseAddr("192.168.77.2")
)

func main() {
	flag.Parse()
	if *dropRate < 0 || *dropRate >= 1 {
		log.Fatalf("droprate %v out of range", *dropRate)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("Configuration file error: %v", err)
		}
	}
	cfg.Log.Apply()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ccfg, scfg := *cfg, *cfg
	ccfg.Stack.Name, scfg.Stack.Name = "drop-client", "drop-server"
	client, err := lib.NewStack(&ccfg)
	if err != nil {
		return err
	}
	defer client.Close()
	server, err := lib.NewStack(&scfg)
	if err != nil {
		return err
	}
	defer server.Close()

	cl, sl := lib.NewPipe(1500)
	var dropped, passed atomic.Int64
	lossy := func(datagram []byte) bool {
		if rand.Float64() < *dropRate {
			dropped.Add(1)
			return false
		}
		passed.Add(1)
		return true
	}
	cl.SetTap(lossy)
	sl.SetTap(lossy)

	if _, err := client.AddInterface("drop0", netip.PrefixFrom(gwClient, 24), cl, nil); err != nil {
		return err
	}
	if _, err := server.AddInterface("drop0", netip.PrefixFrom(gwServer, 24), sl, nil); err != nil {
		return err
	}

	raddr := netip.AddrPortFrom(gwServer, uint16(*port))
	ln, err := server.Listen(raddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Infof("Transferring %d bytes to %s with %.1f%% frame loss", *size, raddr, *dropRate*100)

	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(rand.Uint32())
	}
	want := sha256.Sum256(payload)

	g, gctx := errgroup.WithContext(ctx)
	var got [sha256.Size]byte
	g.Go(func() error {
		conn, err := ln.AcceptContext(gctx)
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		defer conn.Close()
		h := sha256.New()
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.ReadContext(gctx, buf)
			h.Write(buf[:n])
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("server read: %w", err)
			}
		}
		copy(got[:], h.Sum(nil))
		return nil
	})
	g.Go(func() error {
		conn, err := client.Dial(gctx, netip.AddrPort{}, raddr)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer conn.Close()
		if _, err := conn.WriteContext(gctx, payload); err != nil {
			return fmt.Errorf("client write: %w", err)
		}
		return conn.CloseWrite()
	})
	if err := g.Wait(); err != nil {
		return err
	}

	st := client.Stats()
	log.WithFields(log.Fields{
		"frames_passed":  passed.Load(),
		"frames_dropped": dropped.Load(),
		"out_segs":       testutil.ToFloat64(st.TCPOutSegs),
		"retrans_segs":   testutil.ToFloat64(st.TCPRetransSegs),
		"server_in_segs": testutil.ToFloat64(server.Stats().TCPInSegs),
	}).Info("Transfer finished")

	if !bytes.Equal(got[:], want[:]) {
		return errors.New("payload digest mismatch")
	}
	log.Info("Payload verified")
	return nil
}
