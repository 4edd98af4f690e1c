package root

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pidscope/internal/displayer"
	"pidscope/internal/obd"
	"pidscope/internal/obd/mock"
	"pidscope/internal/obd/serial"
	"pidscope/internal/resolver"
	"pidscope/internal/session"
	"pidscope/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const title = "pidscope - ELM327 OBD-II terminal"

func Run(cmd *cobra.Command, args []string) {
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lc := displayer.NewLineConsole(completions())

	elm, err := connect(lc)
	if err != nil {
		lc.Close()
		fail("failed to open adapter", err)
	}

	cfg := session.Config{Timeout: viper.GetDuration("timeout")}

	if viper.GetBool("no-tui") {
		err = session.New(cfg, elm, lc).Run(ctx)
		lc.Close()
	} else {
		lc.Close()
		d := displayer.New(title)
		err = d.Run(ctx, func(ctx context.Context) error {
			return session.New(cfg, elm, d).Run(ctx)
		})
	}
	elm.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		fail("session ended", err)
	}
}

// connect opens the simulated or the real adapter. The real port comes from
// configuration or is asked for; an empty answer aborts.
func connect(console session.Console) (*serial.ELM327, error) {
	if viper.GetBool("mock") {
		log.Info("Using simulated adapter")
		return serial.New(mock.New(mock.WithLatency(20 * time.Millisecond))), nil
	}

	port := viper.GetString("port")
	if port == "" {
		var err error
		if port, err = promptPort(console); err != nil {
			return nil, err
		}
	}
	return serial.Open(serial.Config{Port: port, Baud: viper.GetInt("baud")})
}

func promptPort(console session.Console) (string, error) {
	ports, err := serial.Ports()
	if err != nil {
		log.Warn("Could not enumerate serial ports", zap.Error(err))
	}
	for _, p := range ports {
		fmt.Fprintf(console, "Available serial port: %s\n", p)
	}

	line, err := console.ReadLine("Enter serial port")
	if err != nil {
		return "", fmt.Errorf("%w: %w", serial.ErrInvalidPort, err)
	}
	return serial.ValidatePort(line)
}

func completions() []string {
	c := append([]string{resolver.ListKeyword}, resolver.QuitKeywords...)
	return append(c, obd.Mnemonics()...)
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	log.Fatal(msg, zap.Error(err))
}
