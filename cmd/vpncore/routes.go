package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/apex/log"
	"github.com/jackpal/gateway"

	"github.com/ooni/vpncore/pkg/client"
)

func runCmd(binaryPath string, args ...string) error {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w", binaryPath, args, err)
	}
	return nil
}

func runIP(args ...string) error {
	return runCmd("/sbin/ip", args...)
}

// routeConfigurator assigns the pushed address to the OS interface and
// sends the default route through it. The route to the server keeps
// going through the current default gateway.
type routeConfigurator struct {
	logger log.Interface
	remote func() string
}

func (r *routeConfigurator) configure(name string, info *client.TunnelInfo) error {
	mask := net.IPMask(net.ParseIP(info.NetMask).To4())
	ones, _ := mask.Size()
	if err := runIP("addr", "add", fmt.Sprintf("%s/%d", info.IP, ones), "dev", name); err != nil {
		return err
	}
	if err := runIP("link", "set", "dev", name, "up"); err != nil {
		return err
	}
	r.routeServer()
	if info.GW == "" {
		r.logger.Warn("no route-gateway pushed, keeping the default route")
		return nil
	}
	return runIP("route", "add", "default", "via", info.GW, "dev", name, "metric", "1")
}

// routeServer pins the route to the server to the physical interface.
// Failures are logged since the tunnel may still work.
func (r *routeConfigurator) routeServer() {
	host, err := serverIP(r.remote())
	if err != nil {
		r.logger.WithError(err).Warn("unknown server address, routes might be broken")
		return
	}
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		r.logger.WithError(err).Warn("could not discover default gateway IP, routes might be broken")
		return
	}
	ifaceIP, err := gateway.DiscoverInterface()
	if err != nil {
		r.logger.WithError(err).Warn("could not discover default route interface IP, routes might be broken")
		return
	}
	iface, err := getInterfaceByIP(ifaceIP)
	if err != nil {
		r.logger.WithError(err).Warn("could not get default route interface, routes might be broken")
		return
	}
	r.logger.Infof("route add %s via %s dev %s", host, gw, iface.Name)
	if err := runIP("route", "add", host, "via", gw.String(), "dev", iface.Name); err != nil {
		r.logger.WithError(err).Warn("cannot route the server")
	}
}

// serverIP resolves the host of an endpoint in the proto://host:port form.
func serverIP(endpoint string) (string, error) {
	_, address, ok := strings.Cut(endpoint, "://")
	if !ok {
		address = endpoint
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return "", err
	}
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return "", err
	}
	return addr.IP.String(), nil
}

func getInterfaceByIP(ip net.IP) (*net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.Equal(ip) {
				return &iface, nil
			}
		}
	}
	return nil, fmt.Errorf("interface with IP %s not found", ip)
}
