package cmd

import (
	"fmt"
	"os"
	"strings"

	"pidscope/internal/cmd/root"
	"pidscope/internal/obd/serial"
	"pidscope/internal/queue"
	"pidscope/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "pidscope",
	Short: "Interactive ELM327 OBD-II terminal",
	Long: `pidscope connects to an ELM327 adapter, discovers the PIDs the vehicle
supports and lets you request them or send AT commands.

Commands at the prompt:
  pids        list the supported PIDs
  <number>    request a supported PID (decimal, or hex with 0x)
  ATZ, ATI... send an AT control command
  q, quit     leave`,
	Run: root.Run,
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().Bool("no-tui", false, "Use a plain line prompt instead of the TUI")
	rootCmd.PersistentFlags().Bool("mock", false, "Use a simulated ELM327 adapter")
	rootCmd.PersistentFlags().Int("baud", serial.DefaultBaud, "Baud rate for serial connection")
	rootCmd.PersistentFlags().String("port", "", "Serial port (prompted for when empty)")
	rootCmd.PersistentFlags().Duration("timeout", queue.DefaultTimeout, "Time to wait for each adapter reply")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().String("config", "", "Optional config file (yaml, toml or json)")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("no-tui", rootCmd.PersistentFlags().Lookup("no-tui"))
	viper.BindPFlag("mock", rootCmd.PersistentFlags().Lookup("mock"))
	viper.BindPFlag("baud", rootCmd.PersistentFlags().Lookup("baud"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))

	// Set default values
	viper.SetDefault("debug", false)
	viper.SetDefault("no-tui", false)
	viper.SetDefault("mock", false)
	viper.SetDefault("baud", serial.DefaultBaud)
	viper.SetDefault("timeout", queue.DefaultTimeout)

	viper.SetEnvPrefix("pidscope")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initConfig() {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	if path == "" {
		return
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "read config %s: %v\n", path, err)
		os.Exit(1)
	}
}

func initLogger() {
	path := viper.GetString("log-file")
	if path == "" && !viper.GetBool("no-tui") {
		// stderr output would garble the full-screen UI
		path = "discard"
	}
	if err := log.InitLogger(viper.GetBool("debug"), path); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
