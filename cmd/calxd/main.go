// calxd runs the CalX device core on a workstation, with simulated radio,
// keypad, battery and panel.
//
// Usage:
//
//	calxd [flags]
//
// Flags:
//
//	-device string  Embedded config to start from (default "host")
//	-config string  YAML or TOML file overlaid on the embedded config
//	-data string    State directory (overrides data_dir)
//	-ssid string    Network the simulated radio can join
//	-pass string    Passphrase for -ssid
//	-tui            Mirror the panel in the terminal (default: when stdout is a terminal)
//	-verbose        Enable debug logging
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"calx-go/platform/host"
	"calx-go/platform/host/tui"
	"calx-go/services/cache"
	"calx-go/services/config"
	"calx-go/services/device"
	"calx-go/services/ota"
	"calx-go/services/storage"
)

func main() {
	var (
		deviceName = flag.String("device", "host", "Embedded config to start from")
		configPath = flag.String("config", "", "YAML or TOML file overlaid on the embedded config")
		dataDir    = flag.String("data", "", "State directory (overrides data_dir)")
		ssid       = flag.String("ssid", "CalX-Lab", "Network the simulated radio can join")
		pass       = flag.String("pass", "calx1234", "Passphrase for -ssid")
		runTUI     = flag.Bool("tui", isatty.IsTerminal(os.Stdout.Fd()), "Mirror the panel in the terminal")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*deviceName, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "data dir: %v\n", err)
		os.Exit(1)
	}

	// The TUI owns the terminal, so logs go to a file beside the state.
	var logOut io.Writer = os.Stderr
	if *runTUI {
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, "calxd.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, *ssid, *pass, *runTUI, logger); err != nil {
		logger.Error("exit", slog.Any("err", err))
		fmt.Fprintf(os.Stderr, "calxd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, ssid, pass string, withTUI bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenFileStore(filepath.Join(cfg.DataDir, "prefs.yaml"))
	if err != nil {
		return err
	}
	contentCache, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"))
	if err != nil {
		return err
	}
	defer contentCache.Close()
	slots, err := ota.OpenFileSlots(filepath.Join(cfg.DataDir, "firmware"))
	if err != nil {
		return err
	}
	// After an update the running slot carries the installed version.
	if v := slots.Version(); v != "" {
		cfg.FirmwareVersion = v
	}

	panel := host.NewFramebuffer(cfg.Display.Width, cfg.Display.Height)
	keys := host.NewKeypad(32, logger)
	radio := host.NewSimRadio(hostMAC(), host.SimNetwork{SSID: ssid, Password: pass, RSSI: -48})

	// A reboot ends the process; the next start boots the selected slot.
	rebooter := host.NewRebooter(stop, logger)

	dev, err := device.New(cfg, device.Platform{
		Radio:  radio,
		Panel:  panel,
		Keypad: keys,
		Cell:   host.NewSimCell(cfg.Battery.FullMV - 100),
		Slots:  slots,
		Reboot: rebooter,
		Store:  store,
		Cache:  contentCache,
	}, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(ctx) })
	if withTUI {
		g.Go(func() error {
			p := tea.NewProgram(tui.New(panel, keys, dev.Status), tea.WithAltScreen(), tea.WithContext(ctx))
			_, err := p.Run()
			stop()
			if ctx.Err() != nil || errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		})
	} else {
		// Stdin reads do not observe ctx, so this reader is not joined.
		go func() {
			if err := keys.ReadKeys(ctx, os.Stdin); err != nil && ctx.Err() == nil {
				logger.Warn("stdin keys", slog.Any("err", err))
			}
		}()
	}
	err = g.Wait()
	if rebooter.Requested() {
		logger.Info("reboot requested, restart calxd to boot the selected image", slog.String("slot", slots.Running()))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// hostMAC borrows the first hardware address on the machine so the device id
// is stable across runs.
func hostMAC() net.HardwareAddr {
	ifs, err := net.Interfaces()
	if err == nil {
		for _, ifc := range ifs {
			if ifc.Flags&net.FlagLoopback == 0 && len(ifc.HardwareAddr) == 6 {
				return ifc.HardwareAddr
			}
		}
	}
	return net.HardwareAddr{0x02, 0xca, 0x1c, 0x00, 0x00, 0x01}
}
