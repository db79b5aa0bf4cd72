// Command devsupctl is the CLI client an AI coding agent (or a human)
// drives to talk to a running devsupd daemon. Grounded on the teacher's
// cmd/wt/main.go cobra tree and tabwriter table output.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/devsupd/devsupd/internal/command"
	"github.com/devsupd/devsupd/internal/config"
	"github.com/devsupd/devsupd/internal/transport"
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:   "devsupctl",
		Short: "control a running devsupd daemon",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "unix socket path (default from config)")

	root.AddCommand(
		startCmd(&socketPath),
		stopCmd(&socketPath),
		restartCmd(&socketPath),
		listCmd(&socketPath),
		getCmd(&socketPath),
		logsCmd(&socketPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func clientFor(socketPath string) (*transport.Client, error) {
	if socketPath == "" {
		cfg, err := config.Load(mustConfigPath())
		if err != nil {
			return nil, err
		}
		socketPath = cfg.Listen.Socket
		if socketPath == "" {
			return nil, fmt.Errorf("no unix socket configured; pass --socket or set listen.socket in config")
		}
	}
	return transport.NewClient(socketPath), nil
}

func mustConfigPath() string {
	p, err := config.Path()
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve config path:", err)
		os.Exit(1)
	}
	return p
}

func startCmd(socketPath *string) *cobra.Command {
	var workdir, name, env string
	cmd := &cobra.Command{
		Use:   "start [command...]",
		Short: "start a dev server under supervision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(*socketPath)
			if err != nil {
				return err
			}
			dir, err := filepath.Abs(workdir)
			if err != nil {
				return err
			}
			sess, err := c.StartSession(command.StartInput{
				Name:    name,
				Command: joinArgs(args),
				Workdir: dir,
				Env:     parseEnv(env),
			})
			if err != nil {
				return err
			}
			fmt.Printf("started %s (pid %d, port %d)\n", sess.ID, sess.PID, sess.Port)
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", ".", "working directory")
	cmd.Flags().StringVar(&name, "name", "", "a human-readable label")
	cmd.Flags().StringVar(&env, "env", "", "comma-separated KEY=VALUE pairs")
	return cmd
}

func parseEnv(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

func stopCmd(socketPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop [session-id]",
		Short: "stop a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(*socketPath)
			if err != nil {
				return err
			}
			sess, err := c.StopSession(args[0], force)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", sess.ID, sess.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the graceful period, kill immediately")
	return cmd
}

func restartCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restart [session-id]",
		Short: "restart a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(*socketPath)
			if err != nil {
				return err
			}
			sess, err := c.RestartSession(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", sess.ID, sess.Status)
			return nil
		},
	}
}

func listCmd(socketPath *string) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(*socketPath)
			if err != nil {
				return err
			}
			sessions, err := c.ListSessions(status)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			colorable := isatty.IsTerminal(os.Stdout.Fd())
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPORT\tPID\tUPTIME\tCOMMAND")
			for _, sess := range sessions {
				uptime := "-"
				if !sess.StartedAt.IsZero() {
					uptime = humanize.Time(sess.StartedAt)
				}
				status := string(sess.Status)
				if colorable && sess.Status == "Failed" {
					status = "\033[31m" + status + "\033[0m"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", sess.ID, status, sess.Port, sess.PID, uptime, sess.Command)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func getCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get [session-id]",
		Short: "show one session's full detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(*socketPath)
			if err != nil {
				return err
			}
			sess, err := c.GetSession(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	}
}

func logsCmd(socketPath *string) *cobra.Command {
	var export bool
	var path string
	cmd := &cobra.Command{
		Use:   "logs [session-id]",
		Short: "export a session's logs to the durable export database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !export {
				return fmt.Errorf("streaming tail is only available over the WebSocket endpoint; pass --export to flush to disk")
			}
			c, err := clientFor(*socketPath)
			if err != nil {
				return err
			}
			res, err := c.ExportLogs(args[0], path)
			if err != nil {
				return err
			}
			fmt.Printf("exported %s entries for %s to %s\n", humanize.Comma(int64(res.Count)), args[0], res.Path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&export, "export", false, "flush the session's log ring to the durable export database")
	cmd.Flags().StringVar(&path, "path", "", "export to this SQLite file instead of the daemon's default")
	return cmd
}
