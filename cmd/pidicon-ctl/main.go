// SPDX-License-Identifier: MIT

// Package main implements pidicon-ctl, the operator console for a
// running pidicond daemon. It talks to the daemon's REST API; without
// a subcommand it opens an interactive menu.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pidicon/pidicon/internal/menu"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	defaultAPIURL = "http://127.0.0.1:8080"
	exitSuccess   = 0
	exitError     = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the main entry point, extracted for testability.
func run(args []string) error {
	apiURL := defaultAPIURL
	if env := os.Getenv("PIXOO_CTL_API"); env != "" {
		apiURL = env
	}

	var rest []string
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--api="):
			apiURL = strings.TrimPrefix(args[i], "--api=")
		case args[i] == "--api" && i+1 < len(args):
			apiURL = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}

	client := newClient(apiURL)

	if len(rest) == 0 {
		return runInteractive(client)
	}

	cmd := rest[0]
	cmdArgs := rest[1:]
	switch cmd {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "status":
		return runStatus(client)
	case "devices":
		return runDevices(client)
	case "scenes":
		return runScenes(client)
	case "scene":
		return runScene(client, cmdArgs)
	case "brightness":
		return runBrightness(client, cmdArgs)
	case "display":
		return runDisplay(client, cmdArgs)
	case "driver":
		return runDriver(client, cmdArgs)
	case "reset":
		return runReset(client, cmdArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'pidicon-ctl help' for usage)", cmd)
	}
}

// runHelp displays usage information.
func runHelp() error {
	fmt.Printf(`pidicon-ctl v%s

USAGE:
    pidicon-ctl [OPTIONS] [COMMAND]

With no command, an interactive menu is opened.

COMMANDS:
    help                          Show this help message
    version                       Show version information
    status                        Show daemon status
    devices                       List devices with health and scene state
    scenes                        List registered scenes
    scene DEVICE NAME [KEY=VAL..] Switch a device to a scene
    scene DEVICE pause|resume|stop
    brightness DEVICE LEVEL       Set brightness (0-100)
    display DEVICE on|off         Set display power
    driver DEVICE real|mock       Switch driver mode
    reset DEVICE                  Clear screen, reset metrics and health counters

OPTIONS:
    --api URL        Daemon API base URL (default: %s,
                     or PIXOO_CTL_API)

EXAMPLES:
    # Interactive console
    pidicon-ctl

    # Switch the panel to the clock scene
    pidicon-ctl scene 192.168.1.100 clock

    # Fill red at 40%% brightness
    pidicon-ctl scene 192.168.1.100 fill color=#FF0000
    pidicon-ctl brightness 192.168.1.100 40
`, Version, defaultAPIURL)
	return nil
}

// runVersion displays version information.
func runVersion() error {
	fmt.Printf("pidicon-ctl\n")
	fmt.Printf("  Version:    %s\n", Version)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Built:      %s\n", BuildDate)
	return nil
}

func runStatus(client *apiClient) error {
	status, err := client.Status()
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", client.baseURL, err)
	}
	fmt.Println("PIDICON Daemon Status")
	fmt.Println("=====================")
	fmt.Printf("  Version:    %s\n", status.Version)
	fmt.Printf("  Uptime:     %ds\n", status.UptimeSeconds)
	fmt.Printf("  Devices:    %d\n", status.Devices)
	heartbeat := "ok"
	if status.StaleHeartbeat {
		heartbeat = "STALE"
	}
	fmt.Printf("  Heartbeat:  %s\n", heartbeat)
	return nil
}

func runDevices(client *apiClient) error {
	devices, err := client.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices configured")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for _, dev := range devices {
		fmt.Printf("Device: %s\n", dev.DeviceID)
		fmt.Printf("  Scene:      %s (%s, generation %d)\n", orNone(dev.Scene), dev.Status, dev.Generation)
		fmt.Printf("  Driver:     %s\n", dev.Driver)
		if dev.Health != nil {
			fmt.Printf("  Health:     %s (last seen: %s)\n", dev.Health.Status, formatLastSeen(dev.Health.LastSeenTs))
		}
		fmt.Printf("  Frames:     %d pushed, %d skipped, %.1f fps\n",
			dev.Metrics.Pushes, dev.Metrics.Skipped, dev.Metrics.FPS)
		fmt.Println()
	}
	return nil
}

func runScenes(client *apiClient) error {
	scenes, err := client.Scenes()
	if err != nil {
		return err
	}
	fmt.Printf("Registered scenes (%d):\n\n", len(scenes))
	for _, s := range scenes {
		loop := "one-shot"
		if s.WantsLoop {
			loop = "looping"
		}
		kinds := "any device"
		if len(s.DeviceTypes) > 0 {
			kinds = strings.Join(s.DeviceTypes, ", ")
		}
		fmt.Printf("  %-20s %-9s %s\n", s.Name, loop, kinds)
	}
	return nil
}

func runScene(client *apiClient, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: scene DEVICE NAME [KEY=VAL..] | scene DEVICE pause|resume|stop")
	}
	deviceID := args[0]

	switch args[1] {
	case "pause", "resume", "stop":
		return client.SceneAction(deviceID, args[1])
	}

	payload := map[string]any{}
	for _, kv := range args[2:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("payload values must be KEY=VAL, got %q", kv)
		}
		payload[parts[0]] = coerce(parts[1])
	}
	if err := client.SetScene(deviceID, args[1], payload); err != nil {
		return err
	}
	fmt.Printf("✓ %s now running %s\n", deviceID, args[1])
	return nil
}

func runBrightness(client *apiClient, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: brightness DEVICE LEVEL")
	}
	level, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("level must be an integer 0-100: %w", err)
	}
	if err := client.SetBrightness(args[0], level); err != nil {
		return err
	}
	fmt.Printf("✓ %s brightness set to %d\n", args[0], level)
	return nil
}

func runDisplay(client *apiClient, args []string) error {
	if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
		return fmt.Errorf("usage: display DEVICE on|off")
	}
	if err := client.SetDisplay(args[0], args[1] == "on"); err != nil {
		return err
	}
	fmt.Printf("✓ %s display %s\n", args[0], args[1])
	return nil
}

func runDriver(client *apiClient, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: driver DEVICE real|mock")
	}
	if err := client.SetDriver(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("✓ %s driver set to %s\n", args[0], args[1])
	return nil
}

func runReset(client *apiClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: reset DEVICE")
	}
	if err := client.Reset(args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ %s reset\n", args[0])
	return nil
}

// runInteractive opens the menu console.
func runInteractive(client *apiClient) error {
	if _, err := client.Status(); err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", client.baseURL, err)
	}

	main := menu.New("PIDICON Control Console")
	main.Add(menu.Item{Key: "1", Label: "Daemon Status", Action: func() error {
		err := runStatus(client)
		menu.WaitForKey(os.Stdin, os.Stdout, "")
		return err
	}})
	main.Add(menu.Item{Key: "2", Label: "List Devices", Action: func() error {
		err := runDevices(client)
		menu.WaitForKey(os.Stdin, os.Stdout, "")
		return err
	}})
	main.Add(menu.Item{Key: "3", Label: "List Scenes", Action: func() error {
		err := runScenes(client)
		menu.WaitForKey(os.Stdin, os.Stdout, "")
		return err
	}})
	main.Add(menu.Item{Key: "4", Label: "Control a Device", Action: func() error {
		return controlDevice(client)
	}})
	main.Add(menu.Item{Key: "0", Label: "Exit"})
	return main.Display()
}

// controlDevice picks a device, then opens its action menu.
func controlDevice(client *apiClient) error {
	devices, err := client.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices configured")
		menu.WaitForKey(os.Stdin, os.Stdout, "")
		return nil
	}

	labels := make([]string, len(devices))
	for i, dev := range devices {
		health := "unknown"
		if dev.Health != nil {
			health = dev.Health.Status
		}
		labels[i] = fmt.Sprintf("%s  [%s, scene: %s]", dev.DeviceID, health, orNone(dev.Scene))
	}
	idx := menu.Select(os.Stdin, os.Stdout, "Select device", labels)
	if idx < 0 {
		return nil
	}
	return deviceMenu(client, devices[idx].DeviceID).Display()
}

// deviceMenu builds the per-device action menu.
func deviceMenu(client *apiClient, deviceID string) *menu.Menu {
	m := menu.New("Device " + deviceID)

	m.Add(menu.Item{Key: "1", Label: "Switch Scene", Action: func() error {
		scenes, err := client.Scenes()
		if err != nil {
			return err
		}
		names := make([]string, len(scenes))
		for i, s := range scenes {
			names[i] = s.Name
		}
		idx := menu.Select(os.Stdin, os.Stdout, "Select scene", names)
		if idx < 0 {
			return nil
		}
		payload := map[string]any{}
		if raw := menu.Input(os.Stdin, os.Stdout, "Payload (KEY=VAL, space separated, empty for none)"); raw != "" {
			for _, kv := range strings.Fields(raw) {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) == 2 {
					payload[parts[0]] = coerce(parts[1])
				}
			}
		}
		return client.SetScene(deviceID, names[idx], payload)
	}})
	m.Add(menu.Item{Key: "2", Label: "Pause Scene", Action: func() error {
		return client.SceneAction(deviceID, "pause")
	}})
	m.Add(menu.Item{Key: "3", Label: "Resume Scene", Action: func() error {
		return client.SceneAction(deviceID, "resume")
	}})
	m.Add(menu.Item{Key: "4", Label: "Stop Scene", Action: func() error {
		return client.SceneAction(deviceID, "stop")
	}})
	m.Add(menu.Item{Key: "5", Label: "Set Brightness", Action: func() error {
		raw := menu.Input(os.Stdin, os.Stdout, "Brightness (0-100)")
		if raw == "" {
			return nil
		}
		level, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("brightness must be an integer: %w", err)
		}
		return client.SetBrightness(deviceID, level)
	}})
	m.Add(menu.Item{Key: "6", Label: "Display On", Action: func() error {
		return client.SetDisplay(deviceID, true)
	}})
	m.Add(menu.Item{Key: "7", Label: "Display Off", Action: func() error {
		return client.SetDisplay(deviceID, false)
	}})
	m.Add(menu.Item{Key: "8", Label: "Switch Driver (real/mock)", Action: func() error {
		idx := menu.Select(os.Stdin, os.Stdout, "Driver mode", []string{"real", "mock"})
		if idx < 0 {
			return nil
		}
		return client.SetDriver(deviceID, []string{"real", "mock"}[idx])
	}})
	m.Add(menu.Item{Key: "9", Label: "Reset Device", Action: func() error {
		if !menu.Confirm(os.Stdin, os.Stdout, "Clear the screen and reset counters?") {
			return nil
		}
		return client.Reset(deviceID)
	}})
	m.Add(menu.Item{Key: "0", Label: "Back"})
	return m
}

// coerce turns a KEY=VAL string value into a JSON-friendly type.
func coerce(v string) any {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func formatLastSeen(ts *int64) string {
	if ts == nil {
		return "N/A"
	}
	return time.UnixMilli(*ts).Format(time.RFC3339)
}
