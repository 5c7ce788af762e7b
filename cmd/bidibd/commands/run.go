package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/config"
	"github.com/openrail/go-bidib/controller"
	"github.com/openrail/go-bidib/event"
	"github.com/openrail/go-bidib/logger"
	"github.com/openrail/go-bidib/nettrans"
	"github.com/openrail/go-bidib/node"
	"github.com/openrail/go-bidib/serial"
	"github.com/openrail/go-bidib/server"
)

// defaultUID identifies this system as a bridge-class command station with
// occupancy feedback. The serial bytes can be overridden with --uid.
var defaultUID = bidib.UID{
	bidib.ClassBridge | bidib.ClassOccupancy | bidib.ClassDCCMain,
	0x00, 0x0D, 0x68, 0x00, 0x01, 0x00,
}

// NewRunCmd returns the command that starts the daemon.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the command station daemon",
		RunE:  runDaemon,
	}
	addRunFlags(cmd)

	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("listen", "l", ":"+strconv.Itoa(nettrans.DefaultPort), "network listen address (host:port)")
	cmd.Flags().StringP("serial", "s", "", "bus device node; empty runs without a physical bus")
	cmd.Flags().StringP("config", "c", "bidib.yaml", "path of the persisted configuration store")
	cmd.Flags().String("log-level", "info", "debug, info, warn, error")
	cmd.Flags().String("uid", "", "system UID as 14 hex digits")
	cmd.Flags().Int("baud", serial.DefaultBaudRate, "bus line speed")
	cmd.Flags().Int("feedback-groups", 1, "number of virtual feedback nodes")
	cmd.Flags().Bool("announce", true, "announce the endpoint over mDNS")

	_ = viper.BindPFlags(cmd.Flags())
}

func runDaemon(_ *cobra.Command, _ []string) error {
	if err := setLogLevel(viper.GetString("log-level")); err != nil {
		return err
	}
	log := logger.GetLogger()

	uid, err := parseUIDFlag(viper.GetString("uid"))
	if err != nil {
		return err
	}

	store, err := config.Open(viper.GetString("config"), log)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}

	bus := event.NewBus()
	tree := node.NewTree(uid, bus)

	master, err := startBus(viper.GetString("serial"), viper.GetInt("baud"), log)
	if err != nil {
		return err
	}

	var down server.Sink
	if master != nil {
		down = master
	}

	srv, err := server.New(tree, store, bus, server.Options{
		FeedbackGroups: viper.GetInt("feedback-groups"),
		Down:           down,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	var ctrl *controller.Controller
	if master != nil {
		ctrlCfg, err := controller.NewConfig(controller.WithLogger(log))
		if err != nil {
			return err
		}
		ctrl = controller.New(tree, master, bus, ctrlCfg)

		master.OnMessage(func(m *bidib.Message) {
			if srv.Controlled() {
				srv.FromBus(m)
				return
			}
			ctrl.Handle(m)
		})
		master.OnNodeNew(ctrl.Attach)
		master.OnNodeLost(ctrl.Detach)

		if err := master.Start(); err != nil {
			return fmt.Errorf("start bus master: %w", err)
		}
		defer func() { _ = master.Close() }()

		if err := ctrl.Start(); err != nil {
			return err
		}
		defer ctrl.Close()
	}

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Close()

	netCfg, err := netConfig(log)
	if err != nil {
		return err
	}
	listener := nettrans.NewListener(tree, store, srv, bus, netCfg)
	if err := listener.Start(); err != nil {
		return fmt.Errorf("start network transport: %w", err)
	}
	defer listener.Close()

	log.Info("bidibd running", "uid", uid, "listen", listener.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	if err := store.Save(); err != nil {
		log.Error("saving config store failed", "error", err)
	}

	return nil
}

// startBus opens the bus device and builds the master, or returns nil when
// no device is configured.
func startBus(device string, baud int, log logger.Logger) (*serial.Master, error) {
	if device == "" {
		log.Warn("no bus device configured, serving virtual nodes only")
		return nil, nil
	}

	tr, err := serial.OpenFile(device)
	if err != nil {
		return nil, err
	}

	cfg, err := serial.NewConfig(serial.WithBaudRate(baud), serial.WithLogger(log))
	if err != nil {
		return nil, err
	}

	return serial.NewMaster(tr, cfg), nil
}

func netConfig(log logger.Logger) (*nettrans.Config, error) {
	host, portStr, err := net.SplitHostPort(viper.GetString("listen"))
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse listen port: %w", err)
	}

	return nettrans.NewConfig(
		nettrans.WithHost(host),
		nettrans.WithPort(port),
		nettrans.WithAnnounce(viper.GetBool("announce")),
		nettrans.WithLogger(log),
	)
}

func setLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(logger.DebugLevel)
	case "info":
		logger.SetLevel(logger.InfoLevel)
	case "warn":
		logger.SetLevel(logger.WarnLevel)
	case "error":
		logger.SetLevel(logger.ErrorLevel)
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	return nil
}

// parseUIDFlag decodes a 14-hex-digit UID, falling back to the default.
func parseUIDFlag(s string) (bidib.UID, error) {
	if s == "" {
		return defaultUID, nil
	}

	raw, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil || len(raw) != bidib.UIDSize {
		return bidib.UID{}, fmt.Errorf("uid must be %d hex bytes: %q", bidib.UIDSize, s)
	}

	var uid bidib.UID
	copy(uid[:], raw)

	return uid, nil
}
