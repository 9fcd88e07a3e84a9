package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/quailyquaily/smartops/internal/clifmt"
	"github.com/quailyquaily/smartops/internal/strutil"
	"github.com/quailyquaily/smartops/mcp"
	"github.com/spf13/cobra"
)

func newToolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools discovered on the configured servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			client, err := newToolClient(ctx, loggerFromViper(cmd.ErrOrStderr()), nil)
			if err != nil {
				return err
			}
			schemas, err := client.ListTools(ctx, "cli")
			if err != nil {
				return err
			}
			writeTools(cmd.OutOrStdout(), schemas)
			return nil
		},
	}
}

func writeTools(w io.Writer, schemas []mcp.ToolSchema) {
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	fmt.Fprintln(w, clifmt.Headerf("%d tool(s)", len(schemas)))
	for _, s := range schemas {
		desc, _, _ := strings.Cut(strings.TrimSpace(s.Description), "\n")
		desc = strutil.Ellipsize(desc, 100, "...")
		fmt.Fprintf(w, "%s  %s\n", clifmt.Key(s.Name), clifmt.Dim(desc))
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured tool server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client, err := newToolClient(ctx, loggerFromViper(cmd.ErrOrStderr()), nil)
			if err != nil {
				return err
			}
			failed := 0
			for _, name := range client.Servers() {
				if err := client.Health(ctx, name); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", clifmt.Warn(name), err.Error())
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  ok\n", clifmt.Success(name))
			}
			if failed > 0 {
				return fmt.Errorf("%d server(s) unhealthy", failed)
			}
			return nil
		},
	}
}
