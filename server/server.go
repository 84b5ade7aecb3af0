//go:build linux || darwin || windows

// Command server is an echo server running on an inetcore stack attached to
// the host through a raw socket.
package main

import (
	"context"
	"errors"
	"flag"
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

	addr, err := netip.ParseAddr(cfg.Server.Addr)
	if err != nil {
		log.Fatalln("Invalid server address:", err)
	}
	var gateway netip.Addr
	if cfg.Server.Gateway != "" {
		if gateway, err = netip.ParseAddr(cfg.Server.Gateway); err != nil {
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

	if _, err := stack.AttachHost("raw0", addr, cfg.Server.MTU, gateway); err != nil {
		log.Fatalln("Attaching to the host network:", err)
	}

	srv, err := stack.Listen(netip.AddrPortFrom(addr, uint16(cfg.Server.Port)))
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	log.Infof("Echo server listening on %s", srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Stack.MetricsAddr != "" {
		metrics := &http.Server{
			Addr:    cfg.Stack.MetricsAddr,
			Handler: promhttp.HandlerFor(stack.Stats().Registry(), promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			log.Infof("Serving metrics on %s", cfg.Stack.MetricsAddr)
			if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Infoln("Shutting down...")
		return srv.Close()
	})

	g.Go(func() error {
		for {
			conn, err := srv.AcceptContext(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, lib.ErrClosed) {
					return nil
				}
				return err
			}
			log.Infof("New connection from %s", conn.RemoteAddr())
			g.Go(func() error {
				handleConn(ctx, conn)
				return nil
			})
		}
	})

	if err := g.Wait(); err != nil {
		log.Errorln(err)
	}
}

func handleConn(ctx context.Context, c *lib.Connection) {
	defer c.Close()
	buf := make([]byte, c.MaxSegmentSize())
	for {
		n, err := c.ReadContext(ctx, buf)
		if err != nil {
			if err == io.EOF {
				log.Infof("Connection closed by %s", c.RemoteAddr())
				return
			}
			log.Warnln("Read error:", err)
			return
		}
		log.Debugf("Echo server got: %s", buf[:n])
		if _, err := c.WriteContext(ctx, buf[:n]); err != nil {
			log.Warnln("Write error:", err)
			return
		}
	}
}
