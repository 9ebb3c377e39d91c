// Package main provides the entry point for lightway-server, a
// point-to-point VPN server implementing the Lightway protocol.
//
// Usage:
//
//	lightway-server [flags]
//
// Flags:
//
//	-config string   Path to the configuration file (YAML/TOML/JSON)
//	-debug           Enable debug logging (overrides config file)
//	-help            Show help message
//
// Every setting in the config file may also be overridden by a
// LIGHTWAY_-prefixed environment variable, e.g. LIGHTWAY_DEBUG=1.
package main

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/lightwayio/lightway-server/lib/auth"
	"github.com/lightwayio/lightway-server/lib/config"
	"github.com/lightwayio/lightway-server/lib/inside"
	"github.com/lightwayio/lightway-server/lib/ippool"
	"github.com/lightwayio/lightway-server/lib/lwerrors"
	"github.com/lightwayio/lightway-server/lib/manager"
	"github.com/lightwayio/lightway-server/lib/metrics"
	"github.com/lightwayio/lightway-server/lib/outside"
	"github.com/lightwayio/lightway-server/lib/session"
	"github.com/lightwayio/lightway-server/lib/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showHelp := flag.Bool("help", false, "Show help message")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showHelp {
		fmt.Println("lightway-server - Lightway VPN protocol server")
		fmt.Println()
		fmt.Println("Usage: lightway-server [flags]")
		fmt.Println()
		flag.PrintDefaults()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("lightway-server %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lightway-server: %v\n", err)
		os.Exit(lwerrors.ExitConfigError)
	}
	if *debug {
		cfg.Debug = true
	}

	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	entry := log.WithField("version", Version)
	entry.Info("starting lightway-server")

	if err := run(cfg, entry); err != nil {
		entry.WithError(err).Error("fatal startup error")
		os.Exit(lwerrors.ToExitCode(err))
	}
	entry.Info("lightway-server stopped")
}

func run(cfg config.Config, log *logrus.Entry) error {
	backend, err := buildAuthBackend(cfg, log)
	if err != nil {
		return err
	}

	prefix, err := netip.ParsePrefix(cfg.InsidePrefix)
	if err != nil {
		return lwerrors.NewConfigError("inside_prefix", err.Error())
	}
	network := prefix.Masked().Addr()
	insideIP := network.Next() // first usable address is the server's own tun IP
	reserved := []netip.Addr{network, insideIP}
	if network.Is4() {
		// The last address of an IPv4 prefix is its broadcast address.
		a := network.As4()
		v := binary.BigEndian.Uint32(a[:]) | (uint32(1)<<(32-prefix.Bits()) - 1)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		reserved = append(reserved, netip.AddrFrom4(b))
	}
	pool, err := ippool.New(prefix, reserved, 0)
	if err != nil {
		return fmt.Errorf("ippool.New: %w", err)
	}

	dns := insideIP // default to the server's own tun address if unset
	if cfg.DNS != "" {
		dns, err = netip.ParseAddr(cfg.DNS)
		if err != nil {
			return lwerrors.NewConfigError("dns", err.Error())
		}
	}

	table := session.NewTable()
	mgr := manager.New(manager.Config{
		MaxSessions: cfg.MaxSessions,
		AuthTimeout: cfg.AuthTimeout,
		IdleTimeout: cfg.IdleTimeout,
		DNS:         dns,
		InsideMask:  cfg.InsideMask,
		MTU:         cfg.MTU,
	}, table, pool, backend, insideIP, log)

	tun, err := inside.New(inside.Config{Name: cfg.TunName}, pool, log)
	if err != nil {
		return fmt.Errorf("inside.New: %w", err)
	}
	mgr.SetInsideIo(tun)

	dataIo, err := outside.ListenUDP(cfg.DataListenAddr, table, log)
	if err != nil {
		return lwerrors.NewBindError(cfg.DataListenAddr, err)
	}
	mgr.SetDataIo(dataIo)

	listener, err := buildControlListener(cfg)
	if err != nil {
		return err
	}
	controlIo := outside.NewControlIo(listener, mgr, log)

	metricsSrv := metrics.NewServer(cfg.MetricsListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 4)
	go func() { errs <- tun.Serve(ctx.Done()) }()
	go func() { errs <- dataIo.Serve(ctx) }()
	go func() { errs <- controlIo.Serve(ctx) }()
	go func() {
		log.WithField("addr", cfg.MetricsListenAddr).Info("metrics listening")
		errs <- metricsSrv.ListenAndServe()
	}()

	log.WithFields(logrus.Fields{
		"control_addr": listener.Addr().String(),
		"data_addr":    dataIo.Addr().String(),
		"inside":       prefix.String(),
	}).Info("lightway-server ready")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.WithField("signal", sig.String()).Info("received shutdown signal")
	case err := <-errs:
		log.WithError(err).Error("server component failed")
	}

	cancel()
	_ = controlIo.Close()
	_ = dataIo.Close()
	_ = tun.Close()
	_ = metricsSrv.Shutdown(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.IdleTimeout)
	defer shutdownCancel()
	return mgr.Shutdown(shutdownCtx)
}

func buildAuthBackend(cfg config.Config, log *logrus.Entry) (auth.Backend, error) {
	var dispatcher auth.Dispatcher
	if cfg.PasswordFile != "" {
		backend, err := auth.LoadPasswordFile(cfg.PasswordFile)
		if err != nil {
			return nil, lwerrors.NewConfigError("password_file", err.Error())
		}
		log.WithField("users", backend.UserCount()).Info("loaded password file")
		dispatcher.Password = backend
	}
	if cfg.TokenKeyFile != "" {
		backend, err := auth.LoadTokenBackend(cfg.TokenKeyFile)
		if err != nil {
			return nil, lwerrors.NewConfigError("token_key_file", err.Error())
		}
		dispatcher.Token = backend
	}
	return dispatcher, nil
}

func buildControlListener(cfg config.Config) (*transport.Listener, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, lwerrors.NewConfigError("tls_cert_file/tls_key_file", err.Error())
	}
	var ln *transport.Listener
	switch cfg.Transport {
	case "dtls":
		ln, err = transport.ListenDTLS(cfg.ControlListenAddr, cert)
	default:
		ln, err = transport.ListenTLS(cfg.ControlListenAddr, cert)
	}
	if err != nil {
		return nil, lwerrors.NewBindError(cfg.ControlListenAddr, err)
	}
	return ln, nil
}
