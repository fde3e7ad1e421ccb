// Package main is the command-line entry point of the trojan relay.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/go-co-op/gocron"

	"github.com/relaywire/trojan/internal/admin"
	"github.com/relaywire/trojan/internal/config"
	"github.com/relaywire/trojan/internal/relay"
	"github.com/relaywire/trojan/internal/resolver"
	"github.com/relaywire/trojan/internal/stats"
	"github.com/relaywire/trojan/internal/trojan"
)

func main() {
	configPath := flag.String("config", "config.yaml", "yaml configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DEBUG)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("trojan: %s", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Error("trojan: %s", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log.Info("trojan: starting relay, listening on %s", cfg.LocalAddr)

	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return fmt.Errorf("loading tls certificate: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpnOrDefault(cfg.ALPN),
		MinVersion:   tls.VersionTLS12,
	}

	ln, err := net.Listen("tcp", cfg.LocalAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.LocalAddr, err)
	}

	res := resolver.New(resolver.Config{
		CacheTTL:       cfg.DNSCacheDuration,
		ResolveTimeout: cfg.ResolveTimeout,
		MaxWorkers:     cfg.MaxResolverWorkers,
	})
	defer res.Close()

	relayCfg := relay.Config{
		Secret:             trojan.Secret(cfg.Secret),
		FallbackAddr:       cfg.BackAddr,
		Mark:               cfg.Mark,
		TCPIdle:            cfg.TCPIdleDuration,
		UDPIdle:            cfg.UDPIdleDuration,
		DialTimeout:        cfg.ResolveTimeout,
		MaxResolverWorkers: cfg.MaxResolverWorkers,
		AcceptRate:         int(cfg.AcceptRate),
	}
	server := relay.NewServer(ln, tlsConf, relayCfg, res)

	metrics := stats.New()
	if cfg.StatsFile != "" {
		metrics.Load(cfg.StatsFile)
	}

	sched := gocron.NewScheduler(time.UTC)
	if cfg.StatsFile != "" {
		_, err := sched.Every(cfg.StatsInterval).Do(func() {
			metrics.Save(cfg.StatsFile)
		})
		if err != nil {
			log.Error("trojan: can't start stats periodic save: %v", err)
		}
	}
	sched.StartAsync()

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		adminSrv = &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: admin.Handler(metrics, server.Registry(), res),
		}
		go func() {
			log.Info("trojan: admin surface listening on %s", cfg.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("trojan: admin server: %v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("trojan: relay server stopped: %v", err)
		}
	case <-sigCh:
		log.Info("trojan: shutting down...")
	}

	sched.Stop()
	if adminSrv != nil {
		_ = adminSrv.Close()
	}
	_ = server.Close()

	if cfg.StatsFile != "" {
		metrics.Save(cfg.StatsFile)
	}

	return nil
}

func alpnOrDefault(alpn []string) []string {
	if len(alpn) > 0 {
		return alpn
	}
	return []string{"http/1.1"}
}
