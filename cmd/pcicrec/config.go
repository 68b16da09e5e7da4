package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/danmuck/pcicrec/internal/config"
	"github.com/danmuck/pcicrec/internal/container"
	"github.com/danmuck/pcicrec/internal/protocol/session"
	"github.com/danmuck/pcicrec/internal/recorder"
)

type appConfig struct {
	Recorder    recorder.Config
	RPCPort     int
	StatusAddr  string
	CorsOrigins []string
	LogLevel    string
}

func defaultAppConfig() appConfig {
	return appConfig{Recorder: recorder.DefaultConfig()}
}

type fileConfig struct {
	IP                             string   `toml:"ip"`
	RPCPort                        int      `toml:"rpc_port"`
	Sources                        []string `toml:"sources"`
	Filename                       string   `toml:"filename"`
	Duration                       string   `toml:"duration"`
	Timeout                        string   `toml:"timeout"`
	MaxFrames                      uint64   `toml:"max_frames"`
	QueueSize                      int      `toml:"queue_size"`
	Autostart                      bool     `toml:"autostart"`
	AppAutoSource                  bool     `toml:"app_auto_source"`
	ForceDisableMotionCompensation bool     `toml:"force_disable_motion_compensation"`
	NoMotionCompensationGuard      bool     `toml:"no_motion_compensation_guard"`
	Strategy                       string   `toml:"strategy"`
	CloseOnTimeout                 bool     `toml:"close_on_timeout"`
	AutoReconnect                  bool     `toml:"auto_reconnect"`
	MissingOnceWorkaround          bool     `toml:"missing_once_workaround"`
	OnceEvery                      int      `toml:"once_every"`
	OnceFramesAfterStart           int      `toml:"once_frames_after_start"`
	Compression                    string   `toml:"compression"`
	SyncEvery                      int      `toml:"sync_every"`
	Overwrite                      bool     `toml:"overwrite"`
	Catalog                        string   `toml:"catalog"`
	StatusAddr                     string   `toml:"status_addr"`
	CorsOrigins                    []string `toml:"cors_origins"`
	LogLevel                       string   `toml:"log_level"`
}

// loadFileConfig overlays the keys present in path onto cfg.
func loadFileConfig(path string, cfg *appConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load pcicrec config: %w", err)
	}
	rc := &cfg.Recorder

	if meta.IsDefined("ip") {
		if ip := strings.TrimSpace(raw.IP); ip != "" {
			rc.Host = ip
		}
	}
	if meta.IsDefined("rpc_port") {
		cfg.RPCPort = raw.RPCPort
	}
	if meta.IsDefined("sources") {
		rc.Sources = normalizeSources(raw.Sources)
	}
	if meta.IsDefined("filename") {
		rc.Filename = strings.TrimSpace(raw.Filename)
	}
	if meta.IsDefined("duration") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Duration))
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		rc.Duration = d
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
		rc.Timeout = d
	}
	if meta.IsDefined("max_frames") {
		rc.MaxFrames = raw.MaxFrames
	}
	if meta.IsDefined("queue_size") {
		rc.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("autostart") {
		rc.Autostart = raw.Autostart
	}
	if meta.IsDefined("app_auto_source") {
		rc.AppAutoSource = raw.AppAutoSource
	}
	if meta.IsDefined("force_disable_motion_compensation") {
		rc.ForceDisableMotionCompensation = raw.ForceDisableMotionCompensation
	}
	if meta.IsDefined("no_motion_compensation_guard") {
		rc.NoMotionCompensationGuard = raw.NoMotionCompensationGuard
	}
	if meta.IsDefined("strategy") {
		s, err := parseStrategy(raw.Strategy)
		if err != nil {
			return err
		}
		rc.Session.Strategy = s
	}
	if meta.IsDefined("close_on_timeout") {
		rc.Session.CloseOnTimeout = raw.CloseOnTimeout
	}
	if meta.IsDefined("auto_reconnect") {
		rc.Session.AutoReconnect = raw.AutoReconnect
	}
	if meta.IsDefined("missing_once_workaround") {
		rc.Session.MissingOnceWorkaround = raw.MissingOnceWorkaround
	}
	if meta.IsDefined("once_every") {
		rc.Session.OnceRepetition.Every = raw.OnceEvery
	}
	if meta.IsDefined("once_frames_after_start") {
		rc.OnceFramesAfterStart = raw.OnceFramesAfterStart
	}
	if meta.IsDefined("compression") {
		c, err := container.ParseCodec(raw.Compression)
		if err != nil {
			return err
		}
		rc.Container.Compression = c
	}
	if meta.IsDefined("sync_every") {
		rc.Container.SyncEvery = raw.SyncEvery
	}
	if meta.IsDefined("overwrite") {
		rc.Container.Overwrite = raw.Overwrite
	}
	if meta.IsDefined("catalog") {
		p := strings.TrimSpace(raw.Catalog)
		if p != "" && !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		cat, err := config.LoadCatalog(p)
		if err != nil {
			return err
		}
		rc.Catalog = cat
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeSources(raw.CorsOrigins)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return nil
}

type cliFlags struct {
	set *pflag.FlagSet

	configPath     string
	catalogPath    string
	ip             string
	rpcPort        int
	timeout        float64
	seconds        float64
	filename       string
	maxFrames      uint64
	queueSize      int
	autostart      bool
	noAppAuto      bool
	forceDisableMC bool
	noMCGuard      bool
	strategy       string
	closeOnTimeout bool
	autoReconnect  bool
	onceWorkaround bool
	onceEvery      int
	onceAfterStart int
	compression    string
	overwrite      bool
	statusAddr     string
	logLevel       string
}

func newFlags() *cliFlags {
	f := &cliFlags{set: pflag.NewFlagSet("pcicrec", pflag.ContinueOnError)}
	fs := f.set
	fs.StringVar(&f.configPath, "config", "", "TOML config file applied before flags")
	fs.StringVar(&f.catalogPath, "catalog", "", "sensor catalog TOML file")
	fs.StringVar(&f.ip, "ip", "192.168.0.69", "IP address of the device")
	fs.IntVar(&f.rpcPort, "rpc-port", 0, "port of the configuration RPC service (default 80)")
	fs.Float64Var(&f.timeout, "timeout", 3, "timeout in seconds for receiving frames and RPC calls")
	fs.Float64Var(&f.seconds, "seconds", 0, "seconds to record, 0 records until interrupted")
	fs.StringVar(&f.filename, "filename", "", `target file name, "null" disables writing (default O3R_AD_<timestamp>)`)
	fs.Uint64Var(&f.maxFrames, "max-frames", 0, "stop after this many frames, 0 is unlimited")
	fs.IntVar(&f.queueSize, "queue-size", 10, "frames buffered between receivers and the writer")
	fs.BoolVar(&f.autostart, "autostart", false, "set ports to RUN state before recording")
	fs.BoolVar(&f.noAppAuto, "no-app-auto-source", false, "do not add the ports an application depends on")
	fs.BoolVar(&f.forceDisableMC, "force-disable-motion-compensation", false, "disable motion compensation regardless of firmware")
	fs.BoolVar(&f.noMCGuard, "no-motion-compensation-guard", false, "leave motion compensation untouched")
	fs.StringVar(&f.strategy, "strategy", "threaded", "receive strategy: threaded or pull")
	fs.BoolVar(&f.closeOnTimeout, "close-on-timeout", false, "treat a receive timeout as a lost connection")
	fs.BoolVar(&f.autoReconnect, "auto-reconnect", false, "reconnect once when the connection is lost")
	fs.BoolVar(&f.onceWorkaround, "missing-once-workaround", false, "cycle algo debug until calibration data arrives")
	fs.IntVar(&f.onceEvery, "once-every", 0, "append calibration channels to every Nth frame, 0 disables")
	fs.IntVar(&f.onceAfterStart, "once-frames-after-start", 0, "append calibration channels to the first N frames of each source")
	fs.StringVar(&f.compression, "compression", "none", "frame compression: none, lz4 or zstd")
	fs.BoolVar(&f.overwrite, "overwrite", false, "replace an existing recording")
	fs.StringVar(&f.statusAddr, "status-addr", "", "serve /health, /status and /metrics on this address")
	fs.StringVar(&f.logLevel, "log-level", "", "trace, debug, info, warn or error")
	fs.BoolP("help", "h", false, "show help")
	return f
}

// parseArgs resolves defaults, the optional config file, then flags that
// were set explicitly.
func parseArgs(args []string) (appConfig, error) {
	f := newFlags()
	if err := f.set.Parse(args); err != nil {
		return appConfig{}, err
	}
	if help, _ := f.set.GetBool("help"); help {
		return appConfig{}, pflag.ErrHelp
	}

	cfg := defaultAppConfig()
	if f.configPath != "" {
		if err := loadFileConfig(f.configPath, &cfg); err != nil {
			return appConfig{}, err
		}
	}
	if err := f.apply(&cfg); err != nil {
		return appConfig{}, err
	}
	if sources := normalizeSources(f.set.Args()); len(sources) > 0 {
		cfg.Recorder.Sources = sources
	}
	finalize(&cfg)
	return cfg, nil
}

func (f *cliFlags) apply(cfg *appConfig) error {
	rc := &cfg.Recorder
	changed := f.set.Changed
	if changed("catalog") {
		cat, err := config.LoadCatalog(f.catalogPath)
		if err != nil {
			return err
		}
		rc.Catalog = cat
	}
	if changed("ip") {
		rc.Host = strings.TrimSpace(f.ip)
	}
	if changed("rpc-port") {
		cfg.RPCPort = f.rpcPort
	}
	if changed("timeout") {
		rc.Timeout = seconds(f.timeout)
	}
	if changed("seconds") {
		rc.Duration = seconds(f.seconds)
	}
	if changed("filename") {
		rc.Filename = strings.TrimSpace(f.filename)
	}
	if changed("max-frames") {
		rc.MaxFrames = f.maxFrames
	}
	if changed("queue-size") {
		rc.QueueSize = f.queueSize
	}
	if changed("autostart") {
		rc.Autostart = f.autostart
	}
	if changed("no-app-auto-source") {
		rc.AppAutoSource = !f.noAppAuto
	}
	if changed("force-disable-motion-compensation") {
		rc.ForceDisableMotionCompensation = f.forceDisableMC
	}
	if changed("no-motion-compensation-guard") {
		rc.NoMotionCompensationGuard = f.noMCGuard
	}
	if changed("strategy") {
		s, err := parseStrategy(f.strategy)
		if err != nil {
			return err
		}
		rc.Session.Strategy = s
	}
	if changed("close-on-timeout") {
		rc.Session.CloseOnTimeout = f.closeOnTimeout
	}
	if changed("auto-reconnect") {
		rc.Session.AutoReconnect = f.autoReconnect
	}
	if changed("missing-once-workaround") {
		rc.Session.MissingOnceWorkaround = f.onceWorkaround
	}
	if changed("once-every") {
		rc.Session.OnceRepetition.Every = f.onceEvery
	}
	if changed("once-frames-after-start") {
		rc.OnceFramesAfterStart = f.onceAfterStart
	}
	if changed("compression") {
		c, err := container.ParseCodec(f.compression)
		if err != nil {
			return err
		}
		rc.Container.Compression = c
	}
	if changed("overwrite") {
		rc.Container.Overwrite = f.overwrite
	}
	if changed("status-addr") {
		cfg.StatusAddr = strings.TrimSpace(f.statusAddr)
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	return nil
}

// finalize spreads the recorder timeout over the session timeouts.
func finalize(cfg *appConfig) {
	rc := &cfg.Recorder
	if rc.Timeout <= 0 {
		rc.Timeout = recorder.DefaultConfig().Timeout
	}
	rc.Session.RPCTimeout = rc.Timeout
	rc.Session.ConnectTimeout = rc.Timeout
	rc.Session.ReadTimeout = rc.Timeout
}

// parseStrategy rejects push: it needs an in-process delivery backend.
func parseStrategy(raw string) (session.Strategy, error) {
	s, err := session.ParseStrategy(raw)
	if err != nil {
		return "", err
	}
	if s == session.StrategyPush {
		return "", fmt.Errorf("%w: push is not available from the command line", session.ErrInvalidStrategy)
	}
	return s, nil
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func normalizeSources(in []string) []string {
	out := make([]string, 0, len(in))
	for _, src := range in {
		v := strings.TrimSpace(src)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
