package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/fincode/auditwatch/internal/log"
	"github.com/fincode/auditwatch/internal/model"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configName = "auditwatch.yaml"

var (
	userConfigPath string // /default/config/path/auditwatch on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "auditwatch")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		slog.Error("auditwatch failed", "error", err)
	}
	if cerr := closeLog(); cerr != nil {
		fmt.Fprintf(os.Stderr, "closing log: %v\n", cerr)
	}
	if err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "auditwatch",
		Short:        "Client for the financial document audit backend",
		SilenceUsage: true,
		// never print messages
		SilenceErrors: true,
		// parse or create a config, setup logging
		PersistentPreRunE: initAuditwatch,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.AddCommand(
		newAuditCmd(),
		newRunCmd(),
		newStatusCmd(),
		newAskCmd(),
		newHistoryCmd(),
		newBackendCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "version provide version of an auditwatch",
		Run:   printVersion,
	}
}

func printVersion(cmd *cobra.Command, _ []string) {
	out := cmd.OutOrStdout()
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintln(out, "auditwatch: version info not available")
		return
	}

	if configPath != "" {
		fmt.Fprintf(out, "config:     %s\n", configPath)
	}
	fmt.Fprintf(out, "auditwatch: %s\n", info.Main.Version)
	fmt.Fprintf(out, "go:         %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			fmt.Fprintf(out, "commit:     %s\n", s.Value)
		case "vcs.time":
			fmt.Fprintf(out, "date:       %s\n", s.Value)
		case "vcs.modified":
			fmt.Fprintf(out, "dirty:      %s\n", s.Value)
		}
	}
}

func initAuditwatch(cmd *cobra.Command, _ []string) error {
	// .env is optional, real environment wins
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}

	configPath = ""
	if envConfig, ok := os.LookupEnv("AUDITWATCH_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	if configPath == "" {
		config, configPath, err = storeDefault(cmd.Context())
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = &flagVerbose
	}

	w, closeFn, err := log.Open(config.Service.LogDest())
	if err != nil {
		return err
	}
	closeLog = closeFn
	slog.SetDefault(log.New(w, config.Service.IsVerbose()))

	slog.Debug("auditwatch run", "config_path", configPath)
	slog.Debug("auditwatch run", "config", config)
	return nil
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.ConfigErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func storeDefault(ctx context.Context) (model.Config, string, error) {
	cfg := model.DefaultConfig(ctx)
	path := filepath.Join(userConfigPath, configName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cfg, path, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, path, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return cfg, path, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, path, enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
