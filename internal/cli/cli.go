package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/pmlog/internal/commands"
	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/export"
	"github.com/vitaminmoo/pmlog/internal/firmware"
	"github.com/vitaminmoo/pmlog/internal/ota"
	"github.com/vitaminmoo/pmlog/internal/store"
	"github.com/vitaminmoo/pmlog/internal/tui"
)

// CLI is the root command structure for pmlog.
type CLI struct {
	Verbose    bool   `short:"v" help:"Enable verbose debug output"`
	ConfigFile string `name:"config" short:"c" type:"path" help:"Config file (default ~/.pmlog/config.yaml)"`
	Device     string `short:"d" help:"Match this advertised name instead of the configured filter"`

	// Default command - TUI
	Tui TuiCmd `cmd:"" default:"withargs" help:"Launch interactive TUI (default)"`

	Status StatusCmd `cmd:"" help:"Show battery telemetry"`
	Logs   LogsCmd   `cmd:"" help:"Battery log operations"`
	Cmd    CmdCmd    `cmd:"" help:"Raw logger commands"`
	Fw     FwCmd     `cmd:"" help:"Firmware operations"`
	Serve  ServeCmd  `cmd:"" help:"Run the HTTP bridge and telemetry exporters"`
	Debug  DebugCmd  `cmd:"" help:"Debug and development tools"`
	Config ConfigCmd `cmd:"" help:"Configuration"`
}

// Load reads the config file and applies the global flags to it.
func (c *CLI) Load() (*config.Config, error) {
	config.Verbose = c.Verbose

	path := c.ConfigFile
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.Device != "" {
		cfg.Device.NameFilter = c.Device
	}
	return cfg, nil
}

// --- TUI Command ---

type TuiCmd struct{}

func (c *TuiCmd) Run(globals *CLI, cfg *config.Config) error {
	// Log lines would tear the alt screen; send them to a file when
	// verbose and drop them otherwise.
	var out io.Writer = io.Discard
	if globals.Verbose {
		f, err := os.OpenFile("pmlog-debug.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	config.SetupLoggingTo(out, cfg.Log.Level)

	deps := tui.Deps{Config: cfg}
	if st, err := store.Open(cfg.Store.Path); err == nil {
		deps.Store = st
	} else {
		log.Warn().Err(err).Msg("Log archive unavailable")
	}
	if cache, err := firmware.NewCache(cfg.Store.FirmwareCache); err == nil {
		deps.Cache = cache
	} else {
		log.Warn().Err(err).Msg("Firmware cache unavailable")
	}
	sinks, err := export.FromConfig(cfg.Export, nil)
	if err != nil {
		return err
	}
	defer sinks.Close()
	deps.Sinks = sinks

	return tui.Run(deps)
}

// --- Status Command ---

type StatusCmd struct {
	Watch    bool          `short:"w" help:"Keep polling until interrupted"`
	JSON     bool          `name:"json" help:"Print records as JSON"`
	Interval time.Duration `help:"Poll interval for --watch (default from config)"`
}

func (c *StatusCmd) Run(ctx context.Context, cfg *config.Config) error {
	if c.Interval > 0 {
		cfg.Poll.Interval = c.Interval
	}
	client, err := commands.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	return commands.Status(ctx, client, os.Stdout, c.Watch, c.JSON)
}

// --- Log Commands ---

type LogsCmd struct {
	Fetch  LogsFetchCmd  `cmd:"" help:"Download the log file from the logger"`
	Clear  LogsClearCmd  `cmd:"" help:"Delete the logs stored on the logger"`
	List   LogsListCmd   `cmd:"" help:"List archived logs"`
	Show   LogsShowCmd   `cmd:"" help:"Show details of an archived log"`
	Export LogsExportCmd `cmd:"" help:"Export an archived log to a file"`
	Import LogsImportCmd `cmd:"" help:"Import a CSV log file into the archive"`
}

type LogsFetchCmd struct {
	Output    string        `short:"o" help:"Also write the log to this file (- prints it)"`
	NoArchive bool          `help:"Do not add the log to the archive"`
	Timeout   time.Duration `default:"30s" help:"How long to wait for the end of the file"`
}

func (c *LogsFetchCmd) Run(ctx context.Context, cfg *config.Config) error {
	var st *store.Store
	if !c.NoArchive {
		var err error
		if st, err = store.Open(cfg.Store.Path); err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
	}
	client, err := commands.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	client.SetTimeout(c.Timeout)

	_, err = commands.FetchLog(ctx, client, st, os.Stdout, c.Output)
	return err
}

type LogsClearCmd struct {
	Yes bool `short:"y" help:"Do not ask for confirmation"`
}

func (c *LogsClearCmd) Run(ctx context.Context, cfg *config.Config) error {
	if !c.Yes && !commands.ConfirmAction(os.Stdin, os.Stdout, "Delete all logs on the logger? Type 'yes' to continue: ") {
		fmt.Println("Aborted.")
		return nil
	}
	client, err := commands.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	return commands.ClearLogs(ctx, client, os.Stdout)
}

type LogsListCmd struct{}

func (c *LogsListCmd) Run(cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	return commands.ListLogs(st, os.Stdout)
}

type LogsShowCmd struct {
	Hash string `arg:"" help:"Log hash (full or prefix)"`
}

func (c *LogsShowCmd) Run(cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	return commands.ShowLog(st, os.Stdout, c.Hash)
}

type LogsExportCmd struct {
	Hash   string `arg:"" help:"Log hash (full or prefix)"`
	Output string `arg:"" optional:"" help:"Output file path (default battery_log.csv)"`
}

func (c *LogsExportCmd) Run(cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	return commands.ExportLog(st, os.Stdout, c.Hash, c.Output)
}

type LogsImportCmd struct {
	File string `arg:"" type:"existingfile" help:"CSV log file to import"`
}

func (c *LogsImportCmd) Run(cfg *config.Config) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	return commands.ImportLog(st, os.Stdout, c.File)
}

// --- Raw Commands ---

type CmdCmd struct {
	Send CmdSendCmd `cmd:"" help:"Write a command name to the command characteristic"`
}

type CmdSendCmd struct {
	Name string `arg:"" help:"Command name, e.g. send_log or clear_logs"`
}

func (c *CmdSendCmd) Run(ctx context.Context, cfg *config.Config) error {
	client, err := commands.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	return commands.SendCommand(ctx, client, os.Stdout, c.Name)
}

// --- Firmware Commands ---

type FwCmd struct {
	Update FwUpdateCmd `cmd:"" help:"Upload firmware from a file or the cache"`
	Import FwImportCmd `cmd:"" help:"Copy a firmware file into the cache"`
	List   FwListCmd   `cmd:"" help:"List cached firmware"`
	Plan   FwPlanCmd   `cmd:"" help:"Show how an image would be split into sectors and packets"`
}

type FwUpdateCmd struct {
	File string `arg:"" help:"Firmware file or cached image name"`
	Yes  bool   `short:"y" help:"Do not ask for confirmation"`
}

func (c *FwUpdateCmd) Run(ctx context.Context, cfg *config.Config) error {
	cache, _ := firmware.NewCache(cfg.Store.FirmwareCache)
	img, err := commands.LoadFirmware(cache, c.File)
	if err != nil {
		return err
	}
	if img.ESP32 == nil {
		fmt.Printf("Warning: %s has no ESP32 app header\n", c.File)
	}
	if !c.Yes && !commands.ConfirmAction(os.Stdin, os.Stdout, "Flash "+img.Name+"? Type 'yes' to continue: ") {
		fmt.Println("Aborted.")
		return nil
	}

	client, err := commands.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	return commands.FirmwareUpdate(ctx, client, os.Stdout, img, func(p ota.Progress) {
		switch p.Phase {
		case ota.AwaitingStartAck:
			log.Debug().Str("session", p.Session.String()).Int64("bytes", p.Total).Msg("OTA started")
		case ota.Complete, ota.Error:
			log.Debug().Str("session", p.Session.String()).Str("phase", p.Phase.String()).Msg("OTA finished")
		}
	})
}

type FwImportCmd struct {
	File string `arg:"" type:"existingfile" help:"Firmware file to import"`
}

func (c *FwImportCmd) Run(cfg *config.Config) error {
	cache, err := firmware.NewCache(cfg.Store.FirmwareCache)
	if err != nil {
		return err
	}
	return commands.FirmwareImport(cache, os.Stdout, c.File)
}

type FwListCmd struct{}

func (c *FwListCmd) Run(cfg *config.Config) error {
	cache, err := firmware.NewCache(cfg.Store.FirmwareCache)
	if err != nil {
		return err
	}
	return commands.FirmwareList(cache, os.Stdout)
}

type FwPlanCmd struct {
	File string `arg:"" help:"Firmware file or cached image name"`
	MTU  int    `name:"mtu" default:"23" help:"Channel MTU"`
}

func (c *FwPlanCmd) Run(cfg *config.Config) error {
	cache, _ := firmware.NewCache(cfg.Store.FirmwareCache)
	img, err := commands.LoadFirmware(cache, c.File)
	if err != nil {
		return err
	}
	return commands.FirmwarePlan(os.Stdout, img, c.MTU)
}

// --- Serve Command ---

type ServeCmd struct {
	Listen string `short:"l" help:"Listen address (default from config)"`
}

func (c *ServeCmd) Run(ctx context.Context, cfg *config.Config) error {
	if c.Listen != "" {
		cfg.Server.Listen = c.Listen
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	client, err := commands.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	return commands.Serve(ctx, cfg, client, st)
}

// --- Debug Commands ---

type DebugCmd struct {
	Explore DebugExploreCmd `cmd:"" help:"List all BLE services and characteristics"`
	Frames  DebugFramesCmd  `cmd:"" help:"Hex dump the OTA frames for an image"`
	Decode  DebugDecodeCmd  `cmd:"" help:"Decode captured OTA traffic from a TSV file"`
}

type DebugExploreCmd struct{}

func (c *DebugExploreCmd) Run(ctx context.Context, cfg *config.Config) error {
	client, err := commands.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	return commands.Explore(client, os.Stdout)
}

type DebugFramesCmd struct {
	File   string `arg:"" type:"existingfile" help:"Firmware file"`
	MTU    int    `name:"mtu" default:"23" help:"Channel MTU"`
	Sector int    `default:"0" help:"Sector to dump"`
}

func (c *DebugFramesCmd) Run() error {
	img, err := firmware.Load(c.File)
	if err != nil {
		return err
	}
	return commands.Frames(os.Stdout, img, c.MTU, c.Sector)
}

type DebugDecodeCmd struct {
	File string `arg:"" type:"existingfile" help:"TSV file of frame, direction, hex"`
}

func (c *DebugDecodeCmd) Run() error {
	f, err := os.Open(c.File)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return commands.DecodeCapture(f, os.Stdout)
}

// --- Config Commands ---

type ConfigCmd struct {
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration"`
	Path ConfigPathCmd `cmd:"" help:"Print the default config file path"`
}

type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(cfg *config.Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

type ConfigPathCmd struct{}

func (c *ConfigPathCmd) Run() error {
	path, err := config.DefaultPath()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
