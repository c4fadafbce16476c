//go:build linux

// Command halmon attaches a dispatch context to the nl80211 family, lists the
// wireless interfaces and logs configured events until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdlayher/netlink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/machinefabric/halcmd-go"
	"github.com/machinefabric/halcmd-go/config"
	"github.com/machinefabric/halcmd-go/metrics"
	"github.com/machinefabric/halcmd-go/nl"
	"github.com/machinefabric/halcmd-go/wire"
)

// nl80211 commands and attributes used here.
const (
	cmdGetInterface   halcmd.MessageKind = 5
	cmdNewScanResults halcmd.MessageKind = 34
	cmdScanAborted    halcmd.MessageKind = 35
	cmdRegChange      halcmd.MessageKind = 36
	cmdConnect        halcmd.MessageKind = 46
	cmdDisconnect     halcmd.MessageKind = 48

	attrWiphy  uint16 = 0x01
	attrIfname uint16 = 0x04
)

const interfaceDumpWindow = 5 * time.Second

var watched = []halcmd.MessageKind{
	cmdNewScanResults, cmdScanAborted, cmdRegChange, cmdConnect, cmdDisconnect,
}

func main() {
	configPath := flag.String("config", "", "JSON configuration file")
	socketPath := flag.String("socket", "", "unix socket of a framed device; nl80211 is used when empty")
	flag.Parse()

	if err := run(*configPath, *socketPath); err != nil {
		slog.Error("halmon failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, socketPath string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(cfg.Family)
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	t, codec, err := dial(cfg, socketPath, logger)
	if err != nil {
		return err
	}
	dc := halcmd.New(t, codec, cfg.DispatchOptions(logger, m))
	defer dc.Close()

	events := halcmd.HandlerFunc(func(msg *halcmd.Message) error {
		logger.Info("event", "key", msg.Key(), "len", len(msg.Attributes))
		return nil
	})
	for _, kind := range watched {
		if _, err := dc.AddListener(halcmd.CommandKey(kind), events); err != nil {
			return err
		}
	}
	for _, ev := range cfg.VendorEvents {
		if _, err := dc.AddListener(ev.Key(), events); err != nil {
			return err
		}
		logger.Info("watching vendor event", "event", ev.String())
	}

	dc.Start(ctx)

	if socketPath == "" {
		if err := listInterfaces(ctx, dc, logger); err != nil {
			logger.Warn("interface dump failed", "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-dc.Done():
		return dc.Err()
	}
	return nil
}

// dial opens the nl80211 socket, or the framed stream at socketPath when set.
func dial(cfg *config.Config, socketPath string, logger *slog.Logger) (halcmd.Transport, halcmd.Codec, error) {
	if socketPath == "" {
		t, err := nl.Dial(cfg.Family, cfg.Groups, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Codec(), nil
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, nil, err
	}
	t, err := wire.Dial(conn, cfg.WireLimits(), logger)
	if err != nil {
		return nil, nil, err
	}
	return t, wire.Codec{}, nil
}

// interfaceDump logs every interface of a GET_INTERFACE dump.
type interfaceDump struct {
	logger *slog.Logger
	count  int
}

func (d *interfaceDump) Create(req *halcmd.Request) error {
	req.Kind = cmdGetInterface
	req.Flags = halcmd.FlagDump
	return nil
}

func (d *interfaceDump) HandleResponse(msg *halcmd.Message) error {
	ad, err := netlink.NewAttributeDecoder(msg.Attributes)
	if err != nil {
		return err
	}
	var (
		name  string
		index uint32
		wiphy uint32
	)
	for ad.Next() {
		switch ad.Type() {
		case attrIfname:
			name = ad.String()
		case nl.AttrIfindex:
			index = ad.Uint32()
		case attrWiphy:
			wiphy = ad.Uint32()
		}
	}
	if err := ad.Err(); err != nil {
		return err
	}
	d.count++
	d.logger.Info("interface", "name", name, "index", index, "wiphy", wiphy)
	return nil
}

func listInterfaces(ctx context.Context, dc *halcmd.DispatchContext, logger *slog.Logger) error {
	d := &interfaceDump{logger: logger}
	cmd := halcmd.NewCommand(dc, dc.NextRequestID(), d)
	defer cmd.Release()

	ctx, cancel := context.WithTimeout(ctx, interfaceDumpWindow)
	defer cancel()
	if err := cmd.RequestResponse(ctx); err != nil {
		return err
	}
	logger.Info("interfaces listed", "count", d.count)
	return nil
}
