// Command vpncore connects to an OpenVPN server, either through an OS TUN
// interface (which needs privileges) or through a SOCKS5 proxy backed by a
// userspace TCP/IP stack.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ooni/vpncore/internal/runtimex"
	"github.com/ooni/vpncore/pkg/client"
	"github.com/ooni/vpncore/pkg/config"
	"github.com/ooni/vpncore/pkg/ping"
	"github.com/ooni/vpncore/pkg/profiles"
	"github.com/ooni/vpncore/pkg/tracex"
	"github.com/ooni/vpncore/pkg/tunnel"
)

var startTime = time.Now()

type cmdConfig struct {
	command    string
	configPath string
	dns        string
	profile    string
	save       string
	socksAddr  string
	storeDir   string
	timeout    int
	tracePath  string
	alwaysOn   bool
	target     string
	count      int
}

func printUsage() {
	fmt.Println("usage: vpncore [options] tun|socks|ping|list")
	getopt.Usage()
	os.Exit(0)
}

func main() {
	cfg := &cmdConfig{
		dns:       "8.8.8.8",
		socksAddr: "127.0.0.1:8080",
		storeDir:  defaultStoreDir(),
		timeout:   60,
		count:     3,
	}
	getopt.FlagLong(&cfg.configPath, "config", 'c', "Profile file to load")
	getopt.FlagLong(&cfg.profile, "profile", 'p', "Stored profile to use, by name or ID")
	getopt.FlagLong(&cfg.save, "save", 0, "Save the --config profile in the store under this name")
	getopt.FlagLong(&cfg.alwaysOn, "always-on", 0, "Make the selected profile the default one")
	getopt.FlagLong(&cfg.storeDir, "store", 0, "Profile store directory")
	getopt.FlagLong(&cfg.socksAddr, "socks", 0, "Listen address of the SOCKS5 proxy")
	getopt.FlagLong(&cfg.dns, "dns", 0, "DNS server used by the SOCKS5 proxy")
	getopt.FlagLong(&cfg.timeout, "timeout", 't', "Connect timeout in seconds")
	getopt.FlagLong(&cfg.tracePath, "trace", 0, "Write a handshake trace to this file")
	getopt.FlagLong(&cfg.target, "target", 0, "Target of the ping command, the tunnel gateway by default")
	getopt.FlagLong(&cfg.count, "count", 'n', "Echo requests sent by the ping command")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")
	helpFlag := getopt.BoolLong("help", 'h', "Display help")

	getopt.Parse()
	args := getopt.Args()
	if *helpFlag || len(args) != 1 {
		printUsage()
	}
	cfg.command = args[0]

	log.SetHandler(newLogHandler(os.Stderr, startTime))
	log.SetLevel(verbosityLevel(*optVerbosity))

	if err := run(cfg); err != nil {
		log.WithError(err).Error("vpncore")
		os.Exit(exitCode(err))
	}
}

// exitCode tells the error classes apart for scripts.
func exitCode(err error) int {
	switch {
	case errors.Is(err, client.ErrUnreachable):
		return 2
	case errors.Is(err, client.ErrNegotiationFailed):
		return 3
	case errors.Is(err, client.ErrAuthenticationFailed):
		return 4
	case errors.Is(err, client.ErrTimeout):
		return 5
	default:
		return 1
	}
}

func run(cfg *cmdConfig) error {
	store, err := profiles.Open(cfg.storeDir, log.Log)
	if err != nil {
		return err
	}
	if cfg.command == "list" {
		listProfiles(store)
		return nil
	}
	switch cfg.command {
	case "tun", "socks", "ping":
	default:
		printUsage()
	}

	entry, profile, err := selectProfile(store, cfg)
	if err != nil {
		return err
	}
	if err := askCredentials(profile); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := []config.Option{config.WithLogger(log.Log)}
	if cfg.tracePath != "" {
		tracer := tracex.NewTracer(startTime)
		options = append(options, config.WithHandshakeTracer(tracer))
		defer writeTrace(cfg.tracePath, tracer)
	}

	var (
		c      *client.Client
		socks  *tunnel.NetstackOpener
		memory *tunnel.MemoryOpener
		routes = &routeConfigurator{logger: log.Log, remote: func() string { return c.Status().Endpoint }}
	)
	switch cfg.command {
	case "tun":
		options = append(options, config.WithTunOpener(&tunnel.WaterOpener{Configure: routes.configure}))
	case "socks":
		dns, err := netip.ParseAddr(cfg.dns)
		if err != nil {
			return fmt.Errorf("bad --dns: %w", err)
		}
		socks = tunnel.NewNetstackOpener(dns)
		options = append(options, config.WithTunOpener(socks))
	case "ping":
		memory = tunnel.NewMemoryOpener()
		options = append(options, config.WithTunOpener(memory))
	}
	c = client.New(options...)

	group, ctx := errgroup.WithContext(ctx)
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()
	group.Go(func() error {
		logEvents(ctx, events)
		return nil
	})

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.timeout)*time.Second)
	err = c.Connect(connectCtx, profile)
	cancel()
	if err != nil {
		stop()
		group.Wait()
		return err
	}
	fmt.Println("initialization-sequence-completed")
	fmt.Printf("elapsed: %v\n", time.Since(startTime))
	if entry != nil {
		if err := store.SetLastConnected(entry.ID); err != nil {
			log.WithError(err).Warn("cannot save the last connected profile")
		}
	}

	if memory != nil {
		defer c.Disconnect()
		return runPing(ctx, memory, cfg)
	}

	if socks != nil {
		device, err := socks.Wait(ctx)
		if err != nil {
			c.Disconnect()
			return err
		}
		listener, err := net.Listen("tcp", cfg.socksAddr)
		if err != nil {
			c.Disconnect()
			return err
		}
		group.Go(func() error {
			return serveSocks(listener, device, log.Log)
		})
		group.Go(func() error {
			<-ctx.Done()
			return listener.Close()
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		c.Disconnect()
		return nil
	})
	group.Go(func() error {
		err := c.Wait(context.Background())
		stop()
		return err
	})
	return group.Wait()
}

// runPing pings the target through the tunnel and prints the statistics.
func runPing(ctx context.Context, opener *tunnel.MemoryOpener, cfg *cmdConfig) error {
	device, err := opener.Wait(ctx)
	if err != nil {
		return err
	}
	target := cfg.target
	if target == "" {
		target = device.RemoteAddr().String()
	}
	pinger := ping.New(target, device)
	pinger.Count = cfg.count
	err = pinger.Run(ctx)
	st := pinger.Statistics()
	fmt.Print(st)
	if err != nil {
		return err
	}
	if st.PacketsRecv == 0 {
		return fmt.Errorf("no replies from %s", target)
	}
	return nil
}

// selectProfile loads the profile from --config, optionally saving it, or
// from the store.
func selectProfile(store *profiles.Store, cfg *cmdConfig) (*profiles.Entry, *config.Profile, error) {
	var (
		entry   *profiles.Entry
		profile *config.Profile
		err     error
	)
	switch {
	case cfg.configPath != "" && cfg.save != "":
		if entry, err = importProfile(store, cfg.save, cfg.configPath); err != nil {
			return nil, nil, err
		}
		profile, err = store.Profile(entry)
	case cfg.configPath != "":
		profile, err = config.ReadProfile(cfg.configPath)
	default:
		entry, profile, err = storedProfile(store, cfg.profile)
	}
	if err != nil {
		return nil, nil, err
	}
	if cfg.alwaysOn {
		if entry == nil {
			return nil, nil, errors.New("--always-on needs a stored profile")
		}
		if err := store.SetAlwaysOn(entry.ID); err != nil {
			return nil, nil, err
		}
	}
	return entry, profile, nil
}

// askCredentials prompts for the credentials the profile leaves to us.
func askCredentials(p *config.Profile) error {
	if !p.AskPass || (p.Username != "" && p.Password != "") {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("the profile needs credentials but stdin is not a terminal")
	}
	if p.Username == "" {
		fmt.Fprint(os.Stderr, "Username: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return err
		}
		p.Username = strings.TrimSpace(line)
	}
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	p.Password = string(password)
	return nil
}

func logEvents(ctx context.Context, events <-chan client.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case client.EventStateChange:
				log.Infof("state: %s", ev.State)
			case client.EventByteCount:
				log.Debugf("bytecount: in=%d out=%d", ev.Stats.BytesIn, ev.Stats.BytesOut)
			case client.EventError:
				log.WithError(ev.Err).Warn("recoverable error")
			}
		}
	}
}

func writeTrace(path string, tracer *tracex.Tracer) {
	jsonData, err := json.MarshalIndent(tracer.Trace(), "", "  ")
	runtimex.PanicOnError(err, "cannot serialize trace")
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		log.WithError(err).Warn("cannot write trace")
		return
	}
	fmt.Println("trace written to", path)
}
