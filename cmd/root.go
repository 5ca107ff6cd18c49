package cmd

import (
	"os"
	"time"

	"multichat/internal/config"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "multichat",
	Short: "Multi-conversation LLM chat with per-conversation cost accounting",
	Long: `multichat keeps several named conversations with an LLM, routes each
exchange to the backend serving the chosen model and accounts token usage
and cost per conversation.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadRootConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to a YAML or TOML config file")
}

func loadRootConfig(_ *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables")
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	configureLogging(cfg.Logging)
	return nil
}

// stderrIsTerminal decides the "auto" log format: text for people, JSON for collectors
var stderrIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func configureLogging(lc config.LoggingConfig) {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	format := lc.Format
	if format == "auto" {
		format = "json"
		if stderrIsTerminal() {
			format = "text"
		}
	}

	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logrus.SetReportCaller(lc.ReportCaller)
}
