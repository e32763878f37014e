package main

import (
	"context"
	"fmt"
	stdlog "log"
	"log/syslog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/op/go-logging"

	"github.com/paterkleomenis/connected/core"
	"github.com/paterkleomenis/connected/discovery"
	"github.com/paterkleomenis/connected/transfer"
	"github.com/paterkleomenis/connected/wire"
)

var syslogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.6s} ▶ %{message}`,
)
var stderrFormat = logging.MustStringFormatter(
	`%{color}connectedd ▶ %{message}%{color:reset}`,
)

func useSyslog() bool {
	env := os.Getenv("CONNECTED_LOG_SYSLOG")
	if env != "" {
		return env == "true"
	}
	return false
}

func setupLogging(defaultLevel logging.Level) *logging.Logger {
	log := logging.MustGetLogger("")

	var backend logging.Backend
	if useSyslog() {
		var err error
		backend, err = logging.NewSyslogBackendPriority("connectedd", syslog.LOG_NOTICE)
		if err == nil {
			logging.SetFormatter(syslogFormat)
			if sb, ok := backend.(*logging.SyslogBackend); ok {
				stdlog.SetOutput(sb.Writer)
			}
		} else {
			backend = nil
		}
	}
	if backend == nil {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
		logging.SetFormatter(stderrFormat)
	}

	leveled := logging.AddModuleLevel(backend)
	switch os.Getenv("CONNECTED_LOG_LEVEL") {
	case "CRITICAL":
		leveled.SetLevel(logging.CRITICAL, "")
	case "ERROR":
		leveled.SetLevel(logging.ERROR, "")
	case "WARNING":
		leveled.SetLevel(logging.WARNING, "")
	case "NOTICE":
		leveled.SetLevel(logging.NOTICE, "")
	case "DEBUG":
		leveled.SetLevel(logging.DEBUG, "")
	default:
		leveled.SetLevel(defaultLevel, "")
	}
	logging.SetBackend(leveled)
	return log
}

func storagePath() string {
	if p := os.Getenv("CONNECTED_STORAGE_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".connected"
	}
	return home + "/.connected"
}

func main() {
	log := setupLogging(logging.INFO)

	defer func() {
		if x := recover(); x != nil {
			log.Error(fmt.Sprintf("run time panic: %v", x))
			log.Error(string(debug.Stack()))
			panic(x)
		}
	}()

	cfg := core.DefaultConfig(storagePath())
	if name := os.Getenv("CONNECTED_DEVICE_NAME"); name != "" {
		cfg.DeviceName = name
	}

	events := core.Events{
		OnPairingRequest: func(deviceName, fingerprint, deviceID string) {
			log.Notice("pairing request from", deviceName, fingerprint, deviceID)
		},
		OnDeviceUnpaired: func(deviceID, deviceName string, reason wire.UnpairReason) {
			log.Notice(deviceName, "unpaired:", reason)
		},
		Discovery: discovery.Callback{
			OnDeviceFound: func(d discovery.DiscoveredDevice) { log.Debug("discovered", d.Name, d.IP, d.Port) },
			OnDeviceLost:  func(deviceID string) { log.Debug("lost", deviceID) },
			OnError:       func(err error) { log.Warning("discovery error:", err) },
		},
		Transfer: transfer.Callbacks{
			OnTransferRequest: func(job *transfer.Job) { log.Notice("incoming transfer", job.Name, "from", job.PeerID) },
			OnTransferFailed:  func(jobID, reason string) { log.Warning("transfer failed", jobID, reason) },
		},
	}

	c, err := core.Initialize(cfg, events, log)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Shutdown()

	if err := c.StartDiscovery(context.Background()); err != nil {
		log.Error("failed to start discovery:", err)
	}

	log.Notice("connectedd launched, fingerprint", c.LocalFingerprint(), "port", c.BoundPort())

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM)
	sig, ok := <-stopSignal
	if ok {
		log.Notice("stopping with signal", sig)
	}
}
