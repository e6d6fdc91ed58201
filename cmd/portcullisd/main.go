/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command portcullisd is the protocol-terminating jump host daemon: it
// loads its configuration, opens the grant store, and brings up the SSH
// proxy data plane and the grant-expiry monitor under a single supervisor.
// The RDP access-control shim (lib/rdpshim) is not started by this binary.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/audit"
	"github.com/pawelmojski/portcullis/lib/config"
	"github.com/pawelmojski/portcullis/lib/expiry"
	"github.com/pawelmojski/portcullis/lib/metrics"
	"github.com/pawelmojski/portcullis/lib/policy"
	"github.com/pawelmojski/portcullis/lib/srv"
	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/supervisor"
)

func main() {
	app := kingpin.New("portcullisd", "Protocol-terminating SSH/RDP jump host.")
	configPath := app.Flag("config", "Path to the YAML configuration file.").Default("/etc/portcullis/portcullis.yaml").String()
	app.Version(portcullis.Version)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*configPath); err != nil {
		logrus.WithError(err).Error("portcullisd exited with an error")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	configureLogging(cfg.Logging)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return trace.Wrap(err, "opening grant store")
	}
	defer st.Close()

	engine, err := policy.New(policy.Config{Store: st})
	if err != nil {
		return trace.Wrap(err)
	}
	auditSink := audit.New(st, nil)

	hostKeyBytes, err := os.ReadFile(cfg.SSHProxy.HostKeyPath)
	if err != nil {
		return trace.Wrap(err, "reading host key %q", cfg.SSHProxy.HostKeyPath)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostKeyBytes)
	if err != nil {
		return trace.Wrap(err, "parsing host key %q", cfg.SSHProxy.HostKeyPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// proxy is wired up below; the expiry monitor's callbacks close over
	// it so a warning or teardown reaches the client in-band instead of
	// only appearing in the server log.
	var proxy *srv.Proxy

	monitor, err := expiry.New(expiry.Config{
		OnWarn: func(sessionID string, remaining time.Duration) {
			logrus.WithFields(logrus.Fields{"session_id": sessionID, "remaining": remaining}).Info("grant nearing expiry")
			if proxy != nil {
				proxy.Notify(sessionID, fmt.Sprintf("Access grant expires in %s.", remaining.Round(time.Second)))
			}
		},
		OnTeardown: func(ctx context.Context, sessionID string) {
			logrus.WithField("session_id", sessionID).Warn("grant expired; session torn down by monitor")
			if proxy != nil {
				proxy.ExpireSession(sessionID)
			}
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}

	listener, err := net.Listen("tcp", cfg.SSHProxy.ListenAddress)
	if err != nil {
		return trace.Wrap(err, "listening on %q", cfg.SSHProxy.ListenAddress)
	}

	proxy, err = srv.New(srv.Config{
		HostSigner:     hostSigner,
		PolicyEngine:   engine,
		Store:          st,
		Audit:          auditSink,
		ExpiryMonitor:  monitor,
		BackendDialer:  &srv.AgentDialer{AgentSocket: cfg.SSHProxy.AgentSocket},
		RecordingDir:   cfg.Recording.Directory,
		ProxyAddress:   cfg.SSHProxy.ListenAddress,
		LegacyFallback: cfg.SSHProxy.EnableLegacyGrants,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sup, err := supervisor.New(supervisor.Config{
		Store:         st,
		Proxy:         proxy,
		ExpiryMonitor: monitor,
		Listener:      listener,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddress); err != nil {
				logrus.WithError(err).Error("metrics server exited")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("received shutdown signal")
		cancel()
	}()

	logrus.WithField("listen_address", cfg.SSHProxy.ListenAddress).Info("portcullisd starting")
	return trace.Wrap(sup.Run(ctx))
}

func configureLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	switch cfg.Output {
	case "", "stderr":
		logrus.SetOutput(os.Stderr)
	case "stdout":
		logrus.SetOutput(os.Stdout)
	default:
		logrus.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 5,
			Compress:   true,
		})
	}
}
