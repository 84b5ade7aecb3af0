//go:build linux || darwin || windows

// Command client sends numbered messages to the echo server and checks the
// replies, redialing whenever the connection breaks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/inetcore/config"
	"github.com/Clouded-Sabre/inetcore/filter"
	"github.com/Clouded-Sabre/inetcore/lib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	cfg.Log.Apply()
	cc := cfg.Client

	local, err := netip.ParseAddr(cc.LocalAddr)
	if err != nil {
		log.Fatalln("Invalid local address:", err)
	}
	server, err := netip.ParseAddr(cc.ServerAddr)
	if err != nil {
		log.Fatalln("Invalid server address:", err)
	}
	var gateway netip.Addr
	if cc.Gateway != "" {
		if gateway, err = netip.ParseAddr(cc.Gateway); err != nil {
			log.Fatalln("Invalid gateway:", err)
		}
	}

	var opts []lib.Option
	if cfg.Filter.Enabled {
		f, err := filter.NewFilter(cfg.Filter.Identifier)
		if err != nil {
			log.Fatalln("Packet filter error:", err)
		}
		opts = append(opts, lib.WithFilter(f))
	}
	stack, err := lib.NewStack(cfg, opts...)
	if err != nil {
		log.Fatalln(err)
	}
	defer stack.Close()

	if _, err := stack.AttachHost("raw0", local, cc.MTU, gateway); err != nil {
		log.Fatalln("Attaching to the host network:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	raddr := netip.AddrPortFrom(server, uint16(cc.ServerPort))
	r := stack.NewRedialer(netip.AddrPortFrom(local, 0), raddr, cfg.Redial)
	r.OnReconnect = func(c *lib.Connection) {
		log.Infof("[RECONNECT] Reconnected to echo server from %s", c.LocalAddr())
	}
	conn, err := r.Dial(ctx)
	if err != nil {
		log.Fatalln("Error connecting:", err)
	}
	log.Infof("Echo client connected to %s", raddr)

	var success, failure int
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Stack.MetricsAddr != "" {
		metrics := &http.Server{
			Addr:    cfg.Stack.MetricsAddr,
			Handler: promhttp.HandlerFor(stack.Stats().Registry(), promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer stop()
		ticker := time.NewTicker(cc.Interval)
		defer ticker.Stop()
		buf := make([]byte, conn.MaxSegmentSize())
		for i := 1; cc.Messages <= 0 || i <= cc.Messages; i++ {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			msg := fmt.Sprintf("Echo message %d", i)
			reply, err := exchange(gctx, r.Connection(), msg, buf, cc.Interval)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				failure++
				var te interface{ Timeout() bool }
				if errors.As(err, &te) && te.Timeout() {
					log.Warnf("[%d] No reply yet", i)
					continue
				}
				if errors.Is(err, io.EOF) {
					err = lib.ErrConnectionReset
				}
				log.Warnf("[%d] %v", i, err)
				if _, err := r.HandleError(gctx, err); err != nil {
					return err
				}
				continue
			}
			if reply != msg {
				log.Warnf("[%d] Echo mismatch: sent %q, got %q", i, msg, reply)
				failure++
				continue
			}
			log.Infof("[%d] Echo match", i)
			success++
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorln(err)
	}
	if c := r.Connection(); c != nil {
		c.Close()
	}
	log.Infof("Done: %d echoed, %d failed", success, failure)
}

// exchange sends msg and waits for it to come back.
func exchange(ctx context.Context, c *lib.Connection, msg string, buf []byte, timeout time.Duration) (string, error) {
	if c == nil {
		return "", lib.ErrNotConnected
	}
	if _, err := c.WriteContext(ctx, []byte(msg)); err != nil {
		return "", err
	}
	c.SetReadDeadline(time.Now().Add(timeout + time.Second))
	got := buf[:0]
	for len(got) < len(msg) {
		n, err := c.ReadContext(ctx, buf[len(got):len(msg)])
		if err != nil {
			return "", err
		}
		got = buf[:len(got)+n]
	}
	return string(got), nil
}
