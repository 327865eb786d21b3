package main

import (
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
	flagJSON    bool
	flagWAL     string
)

var log = logrus.NewEntry(logrus.New())

// cliFormatter colors log lines the way a terminal session expects:
// faint for debug, plain for info, yellow for warnings, red for errors.
// Grounded on elog.CLI.Format's level-to-color switch.
type cliFormatter struct {
	disableColors bool
}

func (f *cliFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	msg := entry.Message
	if !f.disableColors {
		switch entry.Level {
		case logrus.DebugLevel, logrus.TraceLevel:
			msg = faint(msg)
		case logrus.WarnLevel:
			msg = yellow(msg)
		case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
			msg = red(msg)
		}
	}
	return []byte(msg + "\n"), nil
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "emit machine-readable JSON instead of tables")
	rootCmd.PersistentFlags().StringVar(&flagWAL, "wal", "", "path to the write-ahead log (defaults to <device>.wal)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if flagJSON {
			log.Logger.SetFormatter(&logrus.JSONFormatter{})
		} else {
			log.Logger.SetFormatter(&cliFormatter{})
		}
		log.Logger.SetLevel(logrus.InfoLevel)
		if flagVerbose {
			log.Logger.SetLevel(logrus.DebugLevel)
		}
		return nil
	}

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(freeListCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(simulateCmd)
}

var rootCmd = &cobra.Command{
	Use:   "veactl",
	Short: "Inspect and exercise a versioned extent allocator device",
	Long: `veactl formats, loads, queries and stress-tests a VEA-managed backing
device directly from the command line, without a running service wrapped
around the allocator package.`,
}

// walPathFor returns the caller-supplied --wal path, or device + ".wal" when
// none was given.
func walPathFor(device string) string {
	if flagWAL != "" {
		return flagWAL
	}
	return device + ".wal"
}
