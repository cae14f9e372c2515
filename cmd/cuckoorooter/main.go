// Package main is the cuckoorooter binary: a thin, privileged wrapper
// around pkg/rooter.Server, run separately from the main/task node
// process so iptables/ip/openvpn invocation stays behind one narrow
// Unix-socket boundary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/rooter"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cuckoorooter <socket>",
	Short: "Cuckoo3 network-routing helper",
	Args:  cobra.ExactArgs(1),
	RunE:  runRooter,
}

func init() {
	rootCmd.Flags().String("iptables", "/usr/sbin/iptables", "Path to the iptables binary")
	rootCmd.Flags().String("ip", "/usr/sbin/ip", "Path to the ip binary")
	rootCmd.Flags().String("openvpn", "/usr/sbin/openvpn", "Path to the openvpn binary")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

func runRooter(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	asJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})

	iptables, _ := cmd.Flags().GetString("iptables")
	ip, _ := cmd.Flags().GetString("ip")
	openvpn, _ := cmd.Flags().GetString("openvpn")

	srv := rooter.NewServer(args[0], rooter.Binaries{Iptables: iptables, IP: ip, OpenVPN: openvpn})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("rooter server stopped: %w", err)
		}
		return nil
	case <-stop:
		fmt.Println("shutting down")
		cancel()
		<-errCh
		return nil
	}
}
