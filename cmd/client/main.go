package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/client/ui"
	"github.com/aeolun/roomchat/pkg/logger"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serverAddr string
		nickname   string
		logFile    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "roomchat [server]",
		Short:        "Terminal client for roomchat servers",
		Version:      Version,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				serverAddr = args[0]
			}
			return run(serverAddr, nickname, logFile, logLevel)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&serverAddr, "server", "s", "localhost:6465", "server address: host:port, tcp://host:port or ws://host:port/ws")
	f.StringVarP(&nickname, "nick", "n", "", "join immediately under this display name")
	f.StringVar(&logFile, "log-file", "", "write client logs to this file (the terminal belongs to the UI)")
	f.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

func run(serverAddr, nickname, logFile, logLevel string) error {
	var logOut io.Writer = io.Discard
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log := logger.New(logLevel, logOut)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, serverAddr, client.WithLogger(log))
	if err != nil {
		return err
	}
	defer conn.Close()

	p := tea.NewProgram(ui.NewModel(conn, nickname), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running program: %w", err)
	}

	// Give a queued LeaveServer a moment to reach the server
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case _, ok := <-conn.Events():
			if !ok {
				return nil
			}
		case <-deadline:
			return nil
		}
	}
}
