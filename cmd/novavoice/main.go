// Command novavoice runs one end of a peer-to-peer voice call.
//
// Two invocation shapes are accepted. The peer-to-peer form gives
// everything explicitly:
//
//	novavoice <REMOTE_IP> <LOCAL_PORT> <REMOTE_PORT> [-d DEVICE]
//
// The classic form picks a role:
//
//	novavoice -s|--server [PORT] [-d DEVICE]
//	novavoice -c|--client IP [PORT] [-d DEVICE]
//	novavoice -h|--help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice"
	"github.com/opd-ai/novavoice/config"
)

func printUsage(program string) {
	fmt.Fprintf(os.Stderr, `Usage:
  %[1]s <REMOTE_IP> <LOCAL_PORT> <REMOTE_PORT> [-d DEVICE]
  %[1]s -s, --server [PORT]     listen for a peer (default port: %[2]d)
  %[1]s -c, --client IP [PORT]  call a listening peer
  %[1]s -h, --help              show this help

Options:
  -d DEVICE   PCM device name (default: %[3]q)

Examples:
  %[1]s --server                 listen on port %[2]d
  %[1]s --client 192.168.1.100   call a listener on its default port
  %[1]s 192.168.1.100 9000 9001  explicit ports on both sides
`, program, config.DefaultPort, config.DefaultDevice)
}

// cliArgs is the parsed command line.
type cliArgs struct {
	remoteIP   string
	localPort  int
	remotePort int
	device     string
	help       bool
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

// parseArgs handles both invocation shapes. The peer-to-peer form is
// selected when the first argument contains a dot.
func parseArgs(args []string) (cliArgs, error) {
	parsed := cliArgs{device: config.DefaultDevice}

	if len(args) == 0 {
		return parsed, fmt.Errorf("no arguments")
	}

	if len(args) >= 3 && strings.Contains(args[0], ".") {
		parsed.remoteIP = args[0]
		var err error
		if parsed.localPort, err = parsePort(args[1]); err != nil {
			return parsed, err
		}
		if parsed.remotePort, err = parsePort(args[2]); err != nil {
			return parsed, err
		}
		return parsed, parseTrailing(args[3:], &parsed)
	}

	i := 0
	for i < len(args) {
		switch arg := args[i]; arg {
		case "-h", "--help":
			parsed.help = true
			return parsed, nil
		case "-s", "--server":
			parsed.localPort = config.DefaultPort
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				port, err := parsePort(args[i])
				if err != nil {
					return parsed, err
				}
				parsed.localPort = port
			}
		case "-c", "--client":
			if i+1 >= len(args) {
				return parsed, fmt.Errorf("%s requires an IP address", arg)
			}
			i++
			parsed.remoteIP = args[i]
			parsed.remotePort = config.DefaultPort
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				port, err := parsePort(args[i])
				if err != nil {
					return parsed, err
				}
				parsed.remotePort = port
			}
		case "-d":
			if i+1 >= len(args) {
				return parsed, fmt.Errorf("-d requires a device name")
			}
			i++
			parsed.device = args[i]
		default:
			return parsed, fmt.Errorf("unknown argument %q", arg)
		}
		i++
	}

	if parsed.remoteIP == "" && parsed.localPort == 0 {
		return parsed, fmt.Errorf("pick a mode: --server, --client, or the peer-to-peer form")
	}
	return parsed, nil
}

func parseTrailing(args []string, parsed *cliArgs) error {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-d":
			if i+1 >= len(args) {
				return fmt.Errorf("-d requires a device name")
			}
			i++
			parsed.device = args[i]
		default:
			return fmt.Errorf("unknown argument %q", args[i])
		}
	}
	return nil
}

// printStats emits one statistics block to standard error.
func printStats(e *novavoice.Endpoint) {
	s := e.Stats()

	fmt.Fprintln(os.Stderr, "=== Statistics ===")
	fmt.Fprintf(os.Stderr, "Buffer  - Input: %d, Output: %d, Dropped: %d\n",
		s.InputQueueLen, s.OutputQueueLen, s.DroppedPackets)
	fmt.Fprintf(os.Stderr, "Network - Sent: %d, Received: %d, Failed: %d\n",
		s.SentPackets, s.ReceivedPackets, s.FailedSends)
	fmt.Fprintf(os.Stderr, "Capture - Frames: %d, Overruns: %d\n",
		s.CapturedFrames, s.BufferOverruns)
	fmt.Fprintf(os.Stderr, "Player  - Frames: %d, Underruns: %d\n",
		s.PlayedFrames, s.BufferUnderruns)
	fmt.Fprintf(os.Stderr, "Codec   - Bitrate: %d bps, Loss: %.1f%%, Latency: %d ms\n",
		s.Bitrate, s.Network.PacketLossRate*100, s.Network.AverageLatencyMs)
	fmt.Fprintln(os.Stderr, "==================")
}

// statsLoop prints every stats interval, re-checking for shutdown
// every 100ms so Ctrl-C feels immediate.
func statsLoop(ctx context.Context, e *novavoice.Endpoint) {
	steps := int(config.StatsInterval / (100 * time.Millisecond))
	for {
		for i := 0; i < steps; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		printStats(e)
	}
}

func run() int {
	program := os.Args[0]

	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n\n", program, err)
		printUsage(program)
		return 1
	}
	if args.help {
		printUsage(program)
		return 0
	}

	endpoint, err := novavoice.New(novavoice.Options{
		RemoteIP:   args.remoteIP,
		LocalPort:  args.localPort,
		RemotePort: args.remotePort,
		Device:     args.device,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("Failed to create endpoint")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := endpoint.Start(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("Failed to start endpoint")
		endpoint.Stop()
		return 1
	}

	if args.remoteIP == "" {
		fmt.Fprintf(os.Stderr, "Listening on port %d, waiting for a peer...\n", args.localPort)
	} else {
		fmt.Fprintf(os.Stderr, "Calling %s:%d...\n", args.remoteIP, args.remotePort)
	}

	go statsLoop(ctx, endpoint)

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "Shutting down...")
	endpoint.Stop()
	return 0
}

func main() {
	os.Exit(run())
}
