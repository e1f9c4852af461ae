// Command mqttagent hosts the device connection manager as a system
// service and serves the control socket used by mqttctl.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vitalvas/mqttv3"
	"github.com/vitalvas/mqttv3/extensions/spooler"
	"github.com/vitalvas/mqttv3/internal/config"
	"github.com/vitalvas/mqttv3/internal/control"
	"github.com/vitalvas/mqttv3/internal/logging"
)

type program struct {
	configPath string

	logger    *logging.LogrusLogger
	logCloser io.Closer
	manager   *mqttv3.ConnectionManager
	control   *control.Server
	cancel    context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	cfg, err := config.LoadOrDefault(p.configPath)
	if err != nil {
		return err
	}
	if cfg.Device.ID == "" {
		return errors.New("device.id is required (set MQTTV3_DEVICE_ID or the config file)")
	}

	p.logger, p.logCloser, err = logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	p.logger.Info("starting agent", mqttv3.LogFields{
		"config":                 p.configPath,
		mqttv3.LogFieldDeviceID: cfg.Device.ID,
		mqttv3.LogFieldBroker:   cfg.Broker.URL,
	})

	p.manager = mqttv3.NewConnectionManager(cfg.Device.ID,
		mqttv3.WithBrokerConfig(cfg.ManagerBroker()),
		mqttv3.WithBearer(&mqttv3.StaticBearer{}),
		mqttv3.WithManagerLogger(p.logger),
		mqttv3.WithManagerMetrics(mqttv3.NewMemoryMetrics()),
		mqttv3.WithSessionOptions(cfg.SessionOptions()...),
	)
	p.manager.AddConnectionStateHandler(func(ev mqttv3.ConnectionStateEvent) {
		p.logger.Info("connection state", mqttv3.LogFields{mqttv3.LogFieldState: ev.String()})
	})

	ln, err := control.Listen(cfg.Control.Socket)
	if err != nil {
		p.manager.Close()
		return fmt.Errorf("control socket: %w", err)
	}
	p.control = control.NewServer(ln, p.manager, p.logger)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	go func() {
		if err := p.control.Serve(); err != nil && !errors.Is(err, control.ErrServerClosed) {
			p.logger.Error("control server stopped", mqttv3.LogFields{mqttv3.LogFieldError: err.Error()})
		}
	}()

	if cfg.Spooler.Enabled {
		sp, err := spooler.New(p.manager, &spooler.Options{
			OutboundDir: cfg.Spooler.OutboundDir,
			InboundDir:  cfg.Spooler.InboundDir,
			Interval:    time.Duration(cfg.Spooler.Interval) * time.Second,
			MaxEntries:  cfg.Spooler.MaxEntries,
			Rate:        rate.Limit(cfg.Spooler.Rate),
			Logger:      p.logger,
		})
		if err != nil {
			p.shutdown()
			return err
		}
		p.manager.AddIncomingMessageHandler(sp.HandleIncoming)
		go sp.Run(ctx)
	}

	if cfg.Device.AutoConnect {
		if err := p.manager.Connect("", cfg.Device.Secret); err != nil {
			p.logger.Error("connect failed", mqttv3.LogFields{mqttv3.LogFieldError: err.Error()})
		}
	}
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.shutdown()
	return nil
}

func (p *program) shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.control != nil {
		p.control.Close()
	}
	if p.manager != nil {
		p.manager.Close()
	}
	if p.logger != nil {
		p.logger.Info("agent stopped", nil)
	}
	if p.logCloser != nil {
		p.logCloser.Close()
	}
}

func main() {
	svcFlag := flag.String("service", "", "Control the system service.")
	cnfFlag := flag.String("c", config.DefaultPath, "Path of config file.")
	flag.Parse()

	prg := &program{configPath: *cnfFlag}
	svcConfig := service.Config{
		Name:        "mqttagent",
		DisplayName: "MQTT device agent",
		Description: "Keeps the device MQTT connection and spools telemetry.",
		Arguments:   []string{"-c", *cnfFlag},
	}

	s, err := service.New(prg, &svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	if len(*svcFlag) != 0 {
		if err := service.Control(s, *svcFlag); err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}

	if err := s.Run(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
