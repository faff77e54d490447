package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dpcsec/sentinelx/pkg/anomaly"
	"github.com/dpcsec/sentinelx/pkg/auditlog"
	"github.com/dpcsec/sentinelx/pkg/cache"
	"github.com/dpcsec/sentinelx/pkg/config"
	"github.com/dpcsec/sentinelx/pkg/dna"
	"github.com/dpcsec/sentinelx/pkg/engine"
	"github.com/dpcsec/sentinelx/pkg/feed"
	"github.com/dpcsec/sentinelx/pkg/monitor"
	"github.com/dpcsec/sentinelx/pkg/quarantine"
	"github.com/dpcsec/sentinelx/pkg/scanner"
	"github.com/dpcsec/sentinelx/pkg/signature"
	"github.com/dpcsec/sentinelx/pkg/suite"
	"github.com/dpcsec/sentinelx/pkg/vault"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var conf = &config.Config{
	Config:      config.DefaultConfigPath,
	Quarantine:  config.DefaultQuarantineLocation,
	Vault:       config.DefaultVaultLocation,
	AuditLog:    config.DefaultAuditLogLocation,
	Workers:     config.DefaultWorkers,
	MaxFileSize: config.DefaultMaxFileSize,
	ScanMode:    config.DefaultScanMode,
	Password:    "sentinelx",
}

var debug bool

func initConfig() {
	if conf.Config == "" {
		location, err := config.GetConfigFile()
		if err != nil {
			logger.Error("could not locate config file", slog.String("location", location))
		}
		conf.Config = location
	}
	viper.SetConfigFile(conf.Config)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		logger.Error("can't read config", slog.String("error", err.Error()))
		return
	}
	if err := viper.Unmarshal(conf, viper.DecodeHook(config.DurationMapstructureHook())); err != nil {
		logger.Error("can't unmarshal config", slog.String("error", err.Error()))
	}
}

func initRoot(rootCmd *cobra.Command) {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&conf.Config, "config", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().StringVar(&conf.SignatureDB, "signature-db", conf.SignatureDB, "Path to the signature rule database (YAML)")
	rootCmd.PersistentFlags().StringVar(&conf.Corpus, "corpus", conf.Corpus, "Path to the DNA fingerprint corpus (YAML)")
	rootCmd.PersistentFlags().IntVar(&conf.Workers, "workers", config.DefaultWorkers, "Number of concurrent scan workers")
	rootCmd.PersistentFlags().IntVar(&conf.ExtractWorkers, "extract-workers", config.DefaultExtractWorkers, "Number of concurrent workers for archive extraction (deep scans)")
	rootCmd.PersistentFlags().StringVar(&conf.MaxFileSize, "max-file-size", config.DefaultMaxFileSize, "Maximum file size to score directly (e.g. '32MiB')")
	rootCmd.PersistentFlags().StringVar(&conf.Quarantine, "quarantine", config.DefaultQuarantineLocation, "Directory where quarantined files are stored as sealed blobs")
	rootCmd.PersistentFlags().StringVar(&conf.QuarantineRegistry, "quarantine-registry", conf.QuarantineRegistry, "Path to the quarantine registry database (leave empty for in-memory store, lost on restart)")
	rootCmd.PersistentFlags().StringVar(&conf.Vault, "vault", config.DefaultVaultLocation, "Directory where immunity vault backups are stored as sealed blobs")
	rootCmd.PersistentFlags().StringVar(&conf.VaultRegistry, "vault-registry", conf.VaultRegistry, "Path to the vault registry database")
	rootCmd.PersistentFlags().StringVar(&conf.Password, "password", conf.Password, "Password sealing quarantine and vault blobs")
	rootCmd.PersistentFlags().StringVar(&conf.AuditLog, "audit-log", config.DefaultAuditLogLocation, "Path to the tamper-evident audit log")
	rootCmd.PersistentFlags().StringVar(&conf.Cache, "cache", conf.Cache, "Path to the verdict cache database (leave empty for in-memory store)")
	rootCmd.PersistentFlags().BoolVar(&conf.Extract, "extract", conf.Extract, "Enable archive extraction outside deep scans")
	rootCmd.PersistentFlags().BoolVar(&conf.FollowSymlinks, "follow-symlinks", false, "Follow symbolic links when scanning directories (if disabled, symlinks are skipped)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", debug, "print debug strings")
	rootCmd.PersistentFlags().BoolVarP(&conf.Verbose, "verbose", "v", conf.Verbose, "Report all scanned files, including clean ones")

	scanCmd.PersistentFlags().StringVar(&conf.ScanMode, "mode", conf.ScanMode, "Scan mode: quick, deep, custom or heuristic")
	scanCmd.PersistentFlags().StringVar(&reportLocation, "report", "", "File path for the scan report (leave empty to print to stdout)")

	monitorCmd.PersistentFlags().StringSliceVar(&conf.Monitor.ProtectedFolders, "protected", conf.Monitor.ProtectedFolders, "Folders whose documents are vault protected and guarded")
	monitorCmd.PersistentFlags().BoolVar(&conf.Monitor.Processes, "processes", conf.Monitor.Processes, "Scan newly started processes")
	monitorCmd.PersistentFlags().BoolVar(&conf.Monitor.Devices, "devices", conf.Monitor.Devices, "Scan newly attached devices")
	monitorCmd.PersistentFlags().BoolVar(&suppressed, "suppressed", false, "Start with full scoring suppressed (signature checks stay active)")
}

var rootCmd = &cobra.Command{
	Use:   "sentinelx",
	Short: "SentinelX scans files, processes and devices and protects documents against ransomware",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		err = yaml.NewEncoder(os.Stdout).Encode(conf)
		if err != nil {
			logger.Error("error encode yaml conf", slog.String("err", err.Error()))
			return
		}
		if err = cmd.Usage(); err != nil {
			return
		}
		return
	},
}

func initSuite(cmd *cobra.Command, _ []string) (err error) {
	scanner.ConsoleLogger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	if debug {
		LogLevel.Set(slog.LevelDebug)
		suite.LogLevel.Set(slog.LevelDebug)
		scanner.LogLevel.Set(slog.LevelDebug)
		monitor.LogLevel.Set(slog.LevelDebug)
		engine.LogLevel.Set(slog.LevelDebug)
		signature.LogLevel.Set(slog.LevelDebug)
		dna.LogLevel.Set(slog.LevelDebug)
		anomaly.LogLevel.Set(slog.LevelDebug)
		quarantine.LogLevel.Set(slog.LevelDebug)
		vault.LogLevel.Set(slog.LevelDebug)
		cache.LogLevel.Set(slog.LevelDebug)
		auditlog.LogLevel.Set(slog.LevelDebug)
		feed.LogLevel.Set(slog.LevelDebug)
		logger.Debug("debug activated")
	}
	sx, err = suite.New(cmd.Context(), conf)
	if err != nil {
		logger.Error("could not init detection suite", slog.String("error", err.Error()))
		return
	}
	return nil
}

func checkPaths(cmd *cobra.Command, args []string) error {
	pathsToScan := args
	pathsToScan = append(pathsToScan, conf.Monitor.Paths...)
	if len(pathsToScan) < 1 {
		return errors.New("at least one path is mandatory")
	}
	for _, path := range pathsToScan {
		if _, err := os.Stat(filepath.Clean(path)); err != nil {
			return fmt.Errorf("could not check path %s: %w", path, err)
		}
	}
	return nil
}
