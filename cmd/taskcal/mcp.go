package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	appLog "taskcal/internal/log"
	"taskcal/internal/web"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the task tools to an agent over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			s := web.NewMCPServer(web.MCPDeps{Tasks: st})

			appLog.Info("mcp server listening on stdio", "store", st.Path())
			return server.NewStdioServer(s).Listen(ctx, os.Stdin, os.Stdout)
		},
	}
}
