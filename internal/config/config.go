// Package config loads this agent's configuration from CLI flags,
// environment variables, and defaults, in that precedence order (spec.md
// §6), using spf13/cobra for the command surface and spf13/viper for the
// env-var binding the teacher's hand-rolled os.Getenv loading generalizes
// into.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ep1cman/unifi-protect-backup/internal/event"
	"github.com/ep1cman/unifi-protect-backup/internal/pathtemplate"
)

// ExitConfigError is the process exit code for a fatal configuration
// error (spec.md §6): "Supervisor refuses to start; container entrypoints
// treat this as do not restart".
const ExitConfigError = 200

// Config is the fully parsed and validated set of settings this agent
// runs with.
type Config struct {
	Address   string
	Port      int
	Username  string
	Password  string
	VerifySSL bool

	RcloneDestination string
	RcloneArgs        []string
	RclonePurgeArgs   []string

	Retention time.Duration

	DetectionTypes []event.Type
	IgnoreCameras  []string

	FileStructureFormat string

	SQLitePath string

	DownloadBufferSize uint64

	PurgeInterval  time.Duration
	MaxEventLength time.Duration

	SkipMissing bool

	AppriseNotifiers []string

	Verbosity int
}

// NewRootCommand builds the cobra root command. run is invoked once flags,
// env vars, and defaults have all been resolved into a validated Config.
func NewRootCommand(run func(Config) error) *cobra.Command {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "unifi-protect-backup",
		Short:         "Mirror UniFi Protect clips to remote storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(v, cmd)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("address", "", "NVR host (required)")
	flags.Int("port", 443, "NVR port")
	flags.String("username", "", "NVR username (required)")
	flags.String("password", "", "NVR password (required)")
	flags.Bool("verify-ssl", true, "verify the NVR's TLS certificate")

	flags.String("rclone-destination", "", "rclone remote:path target (required)")
	flags.StringSlice("rclone-args", nil, "extra flags passed to rclone upload (rcat) calls")
	flags.StringSlice("rclone-purge-args", nil, "extra flags passed to rclone delete calls made by the purger")

	flags.String("retention", "7d", "how long clips are kept before the purger deletes them")

	flags.StringSlice("detection-types", nil, "comma-list of motion,person,vehicle,ring (default: all)")
	flags.StringSlice("ignore-camera", nil, "camera IDs to exclude, repeatable")

	flags.String("file-structure-format", pathtemplate.DefaultTemplate, "remote path template")

	flags.String("sqlite-path", "./events.sqlite", "event ledger file path")

	flags.String("download-buffer-size", "512MiB", "bytes (B/KiB/MiB/GiB) bounding resident memory per in-flight clip")

	flags.String("purge-interval", "1d", "how often the purger runs")
	flags.String("max-event-length", "2h", "events longer than this are skipped as ineligible")

	flags.Bool("skip-missing", false, "seed the ledger with existing events instead of backfilling them on first boot")

	flags.StringSlice("apprise-notifier", nil, "LEVELS=url notification target, repeatable")

	flags.CountP("verbose", "v", "increase log verbosity (repeatable, 0-5)")

	envBindings := []string{
		"address", "port", "username", "password", "verify-ssl",
		"rclone-destination", "retention",
		"detection-types", "ignore-camera",
		"file-structure-format", "sqlite-path",
		"purge-interval",
	}
	for _, name := range envBindings {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	_ = v.BindEnv("address", "UFP_ADDRESS")
	_ = v.BindEnv("port", "UFP_PORT")
	_ = v.BindEnv("username", "UFP_USERNAME")
	_ = v.BindEnv("password", "UFP_PASSWORD")
	_ = v.BindEnv("verify-ssl", "UFP_SSL_VERIFY")
	_ = v.BindEnv("rclone-destination", "RCLONE_DESTINATION")
	_ = v.BindEnv("retention", "RCLONE_RETENTION")
	_ = v.BindEnv("detection-types", "DETECTION_TYPES")
	_ = v.BindEnv("ignore-camera", "IGNORE_CAMERAS")
	_ = v.BindEnv("file-structure-format", "FILE_STRUCTURE_FORMAT")
	_ = v.BindEnv("sqlite-path", "SQLITE_PATH")

	return cmd
}

func buildConfig(v *viper.Viper, cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	var cfg Config
	cfg.Address = v.GetString("address")
	cfg.Port = v.GetInt("port")
	cfg.Username = v.GetString("username")
	cfg.Password = v.GetString("password")
	cfg.VerifySSL = v.GetBool("verify-ssl")
	cfg.RcloneDestination = v.GetString("rclone-destination")
	cfg.FileStructureFormat = v.GetString("file-structure-format")
	cfg.SQLitePath = v.GetString("sqlite-path")
	cfg.SkipMissing, _ = flags.GetBool("skip-missing")

	rcloneArgs, _ := flags.GetStringSlice("rclone-args")
	cfg.RcloneArgs = rcloneArgs
	rclonePurgeArgs, _ := flags.GetStringSlice("rclone-purge-args")
	cfg.RclonePurgeArgs = rclonePurgeArgs

	ignoreCameras, _ := flags.GetStringSlice("ignore-camera")
	if envList := v.GetString("ignore-camera"); envList != "" && len(ignoreCameras) == 0 {
		ignoreCameras = splitWhitespaceOrComma(envList)
	}
	cfg.IgnoreCameras = ignoreCameras

	detectionTypes, _ := flags.GetStringSlice("detection-types")
	if envList := v.GetString("detection-types"); envList != "" && len(detectionTypes) == 0 {
		detectionTypes = splitWhitespaceOrComma(envList)
	}
	if len(detectionTypes) == 0 {
		cfg.DetectionTypes = event.AllTypes
	} else {
		for _, raw := range detectionTypes {
			t := event.ParseType(raw)
			if !isKnownType(t) {
				return Config{}, fmt.Errorf("--detection-types: unknown type %q", raw)
			}
			cfg.DetectionTypes = append(cfg.DetectionTypes, t)
		}
	}

	appriseNotifiers, _ := flags.GetStringSlice("apprise-notifier")
	cfg.AppriseNotifiers = appriseNotifiers

	verbosity, _ := flags.GetCount("verbose")
	cfg.Verbosity = verbosity

	var err error
	if cfg.Retention, err = ParseDuration(v.GetString("retention")); err != nil {
		return Config{}, fmt.Errorf("--retention: %w", err)
	}
	purgeIntervalRaw, _ := flags.GetString("purge-interval")
	if cfg.PurgeInterval, err = ParseDuration(purgeIntervalRaw); err != nil {
		return Config{}, fmt.Errorf("--purge-interval: %w", err)
	}
	maxEventLengthRaw, _ := flags.GetString("max-event-length")
	if cfg.MaxEventLength, err = ParseDuration(maxEventLengthRaw); err != nil {
		return Config{}, fmt.Errorf("--max-event-length: %w", err)
	}
	downloadBufferRaw, _ := flags.GetString("download-buffer-size")
	if cfg.DownloadBufferSize, err = ParseByteSize(downloadBufferRaw); err != nil {
		return Config{}, fmt.Errorf("--download-buffer-size: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces spec.md §6's required fields and rejects an unusable
// path template before anything is started.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("--address is required")
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("--username and --password are required")
	}
	if c.RcloneDestination == "" {
		return fmt.Errorf("--rclone-destination is required")
	}
	if _, err := pathtemplate.Compile(c.FileStructureFormat); err != nil {
		return err
	}
	return nil
}

func isKnownType(t event.Type) bool {
	for _, known := range event.AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

func splitWhitespaceOrComma(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}
