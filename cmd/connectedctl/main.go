package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/paterkleomenis/connected/core"
)

// splitHostPort parses "ip" or "ip:port", falling back to defaultPort
// when no port is given or the port fails to parse.
func splitHostPort(addr string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

func printErr(msg string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color.RedString(msg, args...))
}

func printOK(msg string, args ...interface{}) {
	fmt.Fprintln(os.Stdout, color.GreenString(msg, args...))
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

// openCore wires a Core with no host callbacks, suitable for the
// one-shot CLI operations below; connectedd is the long-lived process
// that actually reacts to incoming events.
func openCore() (*core.Core, error) {
	log := logging.MustGetLogger("connectedctl")
	logging.SetBackend(logging.NewLogBackend(os.Stderr, "", 0))
	cfg := core.DefaultConfig(storagePath())
	cfg.BindPort = 0
	return core.Initialize(cfg, core.Events{}, log)
}

func discoverCommand(c *cli.Context) error {
	cc, err := openCore()
	if err != nil {
		return err
	}
	defer cc.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag(c))
	defer cancel()
	if err := cc.StartDiscovery(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	devices := cc.GetDiscoveredDevices()
	if len(devices) == 0 {
		printOK("No devices found.")
		return nil
	}
	for _, d := range devices {
		printOK("%-20s %s:%d  (%s, %s)", d.Name, d.IP, d.Port, d.Type, d.DeviceID)
	}
	return nil
}

func pairCommand(c *cli.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return cli.NewExitError("usage: connectedctl pair <ip[:port]>", 1)
	}
	ip, port := splitHostPort(args.Get(0), core.DefaultPort)

	cc, err := openCore()
	if err != nil {
		return err
	}
	defer cc.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag(c))
	defer cancel()
	sess, err := cc.PairDevice(ctx, ip, port)
	if err != nil {
		printErr("pairing failed: %v", err)
		return cli.NewExitError("", 1)
	}
	printOK("paired with %s (%s)", sess.Name, sess.Fingerprint)
	return nil
}

func trustCommand(c *cli.Context) error {
	args := c.Args()
	if len(args) < 3 {
		return cli.NewExitError("usage: connectedctl trust <fingerprint> <device-id> <name>", 1)
	}
	cc, err := openCore()
	if err != nil {
		return err
	}
	defer cc.Shutdown()
	if err := cc.TrustDevice(args.Get(0), args.Get(1), args.Get(2)); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	printOK("trusted %s", args.Get(2))
	return nil
}

func blockCommand(c *cli.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return cli.NewExitError("usage: connectedctl block <fingerprint>", 1)
	}
	cc, err := openCore()
	if err != nil {
		return err
	}
	defer cc.Shutdown()
	if err := cc.BlockDevice(args.Get(0)); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	printOK("blocked %s", args.Get(0))
	return nil
}

func forgetCommand(c *cli.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return cli.NewExitError("usage: connectedctl forget <device-id>", 1)
	}
	cc, err := openCore()
	if err != nil {
		return err
	}
	defer cc.Shutdown()
	if err := cc.ForgetDevice(args.Get(0)); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	printOK("forgot %s", args.Get(0))
	return nil
}

func sendFileCommand(c *cli.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return cli.NewExitError("usage: connectedctl send-file <ip[:port]> <path>", 1)
	}
	ip, port := splitHostPort(args.Get(0), core.DefaultPort)
	path := args.Get(1)

	cc, err := openCore()
	if err != nil {
		return err
	}
	defer cc.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag(c))
	defer cancel()
	sess, err := cc.PairDevice(ctx, ip, port)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("connect failed: %v", err), 1)
	}
	job, err := cc.SendFile(ctx, sess, path)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("send failed: %v", err), 1)
	}
	printOK("sending %s as job %s", job.Name, job.ID)
	return nil
}

func timeoutFlag(c *cli.Context) (d time.Duration) {
	secs := c.GlobalInt("timeout")
	if secs <= 0 {
		secs = 5
	}
	return time.Duration(secs) * time.Second
}

func main() {
	app := cli.NewApp()
	app.Name = "connectedctl"
	app.Usage = "control a connected daemon's identity, pairing, and transfers"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "timeout", Value: 5, Usage: "seconds to wait for network operations"},
	}
	app.Commands = []cli.Command{
		{
			Name:   "discover",
			Usage:  "browse the LAN for connected devices",
			Action: discoverCommand,
		},
		{
			Name:   "pair",
			Usage:  "dial a device and begin the handshake",
			Action: pairCommand,
		},
		{
			Name:   "trust",
			Usage:  "mark a fingerprint as trusted",
			Action: trustCommand,
		},
		{
			Name:   "block",
			Usage:  "block a fingerprint",
			Action: blockCommand,
		},
		{
			Name:   "forget",
			Usage:  "forget a device (a blocked device stays blocked)",
			Action: forgetCommand,
		},
		{
			Name:   "send-file",
			Usage:  "send a file to a device",
			Action: sendFileCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		printErr("%v", err)
		os.Exit(1)
	}
}
