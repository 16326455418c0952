// Command filtermail runs one of the two before-queue SMTP listener
// daemons: filtermail <config_file> <mode>, where mode is "incoming" or
// "outgoing".
package main

import (
	"fmt"
	"os"

	"github.com/chatmail/filtermail/config"
	"github.com/chatmail/filtermail/daemon/filtermaild"
	"github.com/chatmail/filtermail/lalog"
	"github.com/chatmail/filtermail/metrics"
)

var logger = &lalog.Logger{ComponentName: "main", ComponentID: []lalog.LoggerIDField{{Key: "PID", Value: os.Getpid()}}}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: filtermail <config_file> <incoming|outgoing>")
		os.Exit(1)
	}
	configFile, mode := os.Args[1], os.Args[2]

	var direction filtermaild.Direction
	switch mode {
	case "incoming":
		direction = filtermaild.Incoming
	case "outgoing":
		direction = filtermaild.Outgoing
	default:
		fmt.Fprintf(os.Stderr, "unrecognised mode %q, want incoming or outgoing\n", mode)
		os.Exit(1)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Warning(configFile, err, "failed to load configuration")
		os.Exit(1)
	}

	metrics.Register()

	port := cfg.SMTPPortOutgoing
	expositionPort := metrics.OutgoingExpositionPort
	if direction == filtermaild.Incoming {
		port = cfg.SMTPPortIncoming
		expositionPort = metrics.IncomingExpositionPort
	}
	metrics.Serve(expositionPort, func(err error) {
		logger.Warning(mode, err, "metrics listener failed")
	})

	daemon := &filtermaild.Daemon{
		Direction: direction,
		Address:   "127.0.0.1",
		Port:      port,
		Config:    cfg,
	}
	if err := daemon.Initialise(); err != nil {
		logger.Warning(mode, err, "failed to initialise daemon")
		os.Exit(1)
	}
	if err := daemon.StartAndBlock(); err != nil {
		logger.Warning(mode, err, "listener failed")
		os.Exit(1)
	}
}
