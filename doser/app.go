package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/dose"
	"github.com/itohio/godoser/pkg/journal"
	"github.com/itohio/godoser/pkg/motor"
	"github.com/itohio/godoser/pkg/scale"
	"github.com/itohio/godoser/pkg/sim"
	"github.com/itohio/godoser/pkg/transport"
	"go.uber.org/zap"
)

const firstSampleTimeout = 5 * time.Second

// app holds the state shared by all commands.
type app struct {
	configPath string
	envFile    string
	motorPort  string
	scalePort  string
	mock       bool

	cfg    *config.Config
	logger *zap.Logger

	sim      *sim.Controller
	commands *journal.Ring
	closers  []func() error
}

// load reads the configuration, applies environment and flag overrides and
// builds the logger.
func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	var envFiles []string
	if a.envFile != "" {
		envFiles = append(envFiles, a.envFile)
	}
	if err := cfg.LoadEnv(envFiles...); err != nil {
		return err
	}

	if a.motorPort != "" {
		cfg.Motor.Serial.Port = a.motorPort
	}
	if a.scalePort != "" {
		cfg.Scale.Serial.Port = a.scalePort
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.commands = journal.NewRing(cfg.Journal.Capacity)
	return nil
}

// close releases everything opened by the command, newest first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Debug("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// openMotor connects the motor controller, or its simulator in mock mode.
func (a *app) openMotor() (*motor.Channel, error) {
	var port *transport.Port
	if a.mock {
		a.sim, port = sim.NewController(a.cfg.Pumps, a.cfg.Mock, a.logger)
		a.closers = append(a.closers, a.sim.Close)
	} else {
		var err error
		port, err = transport.Open(a.cfg.Motor.Serial, a.logger)
		if err != nil {
			return nil, fmt.Errorf("motor: %w", err)
		}
	}

	ch := motor.NewChannel(port, a.cfg.Motor, a.logger, motor.WithRecorder(a.commands))
	a.closers = append(a.closers, ch.Close)
	return ch, nil
}

// openScale connects the scale, or its simulator in mock mode. The
// simulated scale weighs what the simulated controller pumps.
func (a *app) openScale() (*scale.Protocol, error) {
	var port *transport.Port
	if a.mock {
		var source func() float64
		if a.sim != nil {
			source = a.sim.DispensedMl
		}
		var s *sim.Scale
		s, port = sim.NewScale(a.cfg.Scale, a.cfg.Mock, source, a.logger)
		a.closers = append(a.closers, s.Close)
	} else {
		var err error
		port, err = transport.Open(a.cfg.Scale.Serial, a.logger)
		if err != nil {
			return nil, fmt.Errorf("scale: %w", err)
		}
	}
	a.closers = append(a.closers, port.Close)
	return scale.New(port, a.cfg.Scale, a.logger), nil
}

// openHistory opens the dose history database, or returns nil when no
// journal path is configured.
func (a *app) openHistory() (*journal.SQLite, error) {
	if a.cfg.Journal.Path == "" {
		return nil, nil
	}
	db, err := journal.OpenSQLite(a.cfg.Journal.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// doser connects the hardware and starts a dose controller. The scale is
// only connected when withScale is set.
func (a *app) doser(ctx context.Context, withScale bool) (*dose.Controller, error) {
	ch, err := a.openMotor()
	if err != nil {
		return nil, err
	}

	var s dose.Scale
	if withScale {
		p, err := a.openScale()
		if err != nil {
			return nil, err
		}
		first, unsubscribe := p.Subscribe(1)
		go func() {
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("Scale stopped", zap.Error(err))
			}
		}()

		// weight doses need a fresh reading to start
		select {
		case <-first:
			unsubscribe()
		case <-time.After(firstSampleTimeout):
			unsubscribe()
			return nil, fmt.Errorf("scale: %w", scale.ErrNoWeightParsed)
		case <-ctx.Done():
			unsubscribe()
			return nil, ctx.Err()
		}
		s = p
	}

	opts := []dose.Option{dose.WithPumps(a.cfg.Pumps)}
	history, err := a.openHistory()
	if err != nil {
		return nil, err
	}
	if history != nil {
		opts = append(opts, dose.WithStore(history))
	}

	d := dose.New(ch, s, a.cfg.Dose, a.logger, opts...)
	go func() {
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Dose controller stopped", zap.Error(err))
		}
	}()
	return d, nil
}
