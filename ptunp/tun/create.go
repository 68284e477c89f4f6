package tun

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/songgao/water"
	log "github.com/sirupsen/logrus"
)

// ErrPermission is returned when the process lacks the privileges to create a TUN device
var ErrPermission = errors.New("creating a tun device requires root privileges")

// Create creates a TUN interface and configures it according to cfg.
func Create(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Create: invalid interface configuration: %w", err)
	}
	if cfg.RequireRoot {
		if err := ensureRoot(); err != nil {
			return nil, fmt.Errorf("Create: %w", err)
		}
	}
	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
	})
	if err != nil {
		return nil, fmt.Errorf("Create: failed creating TUN device: %w", err)
	}
	for _, args := range configureCommands(runtime.GOOS, ifce.Name(), cfg) {
		if err := runCmd(exec.Command(args[0], args[1:]...)); err != nil {
			_ = ifce.Close()
			return nil, fmt.Errorf("Create: failed to configure interface %s: %w", ifce.Name(), err)
		}
	}
	log.WithFields(log.Fields{
		"interface":   ifce.Name(),
		"address":     cfg.Address.String(),
		"destination": cfg.Destination.String(),
		"mtu":         cfg.MTU,
	}).Info("created tun interface")
	return NewDevice(ifce, ifce.Name(), cfg.MTU), nil
}

// configureCommands returns the commands that assign the addresses and MTU of cfg to
// the interface name on goos.
func configureCommands(goos string, name string, cfg Config) [][]string {
	mtu := strconv.Itoa(cfg.MTU)
	if goos == "linux" {
		cmds := [][]string{
			{"ip", "addr", "add", cfg.Address.String(), "peer", fmt.Sprintf("%s/%d", cfg.Destination, cfg.PrefixLength()), "dev", name},
			{"ip", "link", "set", "dev", name, "mtu", mtu},
		}
		if cfg.Up {
			cmds = append(cmds, []string{"ip", "link", "set", "dev", name, "up"})
		}
		return cmds
	}
	cmds := [][]string{
		{"ifconfig", name, "inet", cfg.Address.String(), cfg.Destination.String(), "netmask", maskString(cfg), "mtu", mtu},
	}
	if cfg.Up {
		cmds = append(cmds, []string{"ifconfig", name, "up"})
	}
	return cmds
}

func maskString(cfg Config) string {
	m := cfg.Netmask
	if len(m) != 4 {
		return m.String()
	}
	return fmt.Sprintf("%d.%d.%d.%d", m[0], m[1], m[2], m[3])
}

func runCmd(cmd *exec.Cmd) error {
	buf := new(bytes.Buffer)
	cmd.Stderr = buf
	err := cmd.Run()
	if err != nil {
		return fmt.Errorf("runCmd: failed to execute command '%s' (stderr: %s): %w", cmd.String(), buf.String(), err)
	}
	return nil
}
