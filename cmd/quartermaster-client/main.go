// Command quartermaster-client runs on a CI agent or developer workstation:
// it fetches a reservation from a Quartermaster server, connects local
// drivers to every reserved device, and maintains the lease until the
// reservation ends or the process is asked to stop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/usb-quartermaster/quartermaster/internal/client"
	_ "github.com/usb-quartermaster/quartermaster/internal/localdriver/usbip"
	_ "github.com/usb-quartermaster/quartermaster/internal/localdriver/virtualhere"
	"github.com/usb-quartermaster/quartermaster/internal/logging"
)

const teamCityBuildIDKey = "teamcity.build.id"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		authToken          string
		reservationMessage string
		devicePolling      time.Duration
		reservationPolling time.Duration
		disableValidation  bool
		listenIP           string
		listenPort         int
		debug              bool
		stopClient         bool
	)

	cmd := &cobra.Command{
		Use:           "quartermaster-client [quartermaster_url]",
		Short:         "Reserve and connect USB devices managed by a Quartermaster server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(debug)

			if stopClient {
				if len(args) > 0 {
					return fmt.Errorf("--stop_client cannot be combined with quartermaster_url")
				}
				return client.InitiateTeardown(cmd.Context(), listenIP, listenPort)
			}
			if len(args) != 1 {
				return fmt.Errorf("quartermaster_url is required unless --stop_client is set")
			}

			if reservationMessage == "" {
				if id, ok := teamCityBuildID(); ok {
					reservationMessage = fmt.Sprintf("Teamcity_ID=%s", id)
				}
			}

			cfg := client.Config{
				ReservationURL:     args[0],
				AuthToken:          authToken,
				ReservationMessage: reservationMessage,
				DevicePolling:      devicePolling,
				ReservationPolling: reservationPolling,
				DisableValidation:  disableValidation,
				ListenIP:           listenIP,
				ListenPort:         listenPort,
			}

			if exitCode := client.New(cfg, log).Run(cmd.Context()); exitCode != 0 {
				return exitCodeError(exitCode)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&authToken, "auth_token", "", "Bearer token presented to the Quartermaster server")
	flags.StringVar(&reservationMessage, "reservation_message", "", "used_for message recorded on the reservation")
	flags.DurationVar(&devicePolling, "device_polling", 5*time.Second, "How often to poll for device state changes")
	flags.DurationVar(&reservationPolling, "reservation_polling", 60*time.Second, "How often to refresh the reservation lease")
	flags.BoolVar(&disableValidation, "disable_validation", false, "Disable TLS certificate validation against the Quartermaster server")
	flags.StringVar(&listenIP, "listen_ip", "127.0.0.1", "Address the teardown control socket listens on")
	flags.IntVar(&listenPort, "listen_port", 4242, "Port the teardown control socket listens on")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&stopClient, "stop_client", false, "Signal a running client on listen_ip:listen_port to tear down and exit")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	cmd.SetContext(ctx)

	if err := cmd.Execute(); err != nil {
		if ec, ok := err.(exitCodeError); ok {
			return int(ec)
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit code %d", int(e)) }

// teamCityBuildID reads TEAMCITY_BUILD_PROPERTIES_FILE, a Java properties
// file TeamCity writes for every build, and returns its teamcity.build.id
// value if the file is present and parses cleanly.
func teamCityBuildID() (string, bool) {
	path := os.Getenv("TEAMCITY_BUILD_PROPERTIES_FILE")
	if path == "" {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == teamCityBuildIDKey {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}
