package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"gpulimit/cmd/gpulimit/client"
	"gpulimit/cmd/gpulimit/config"
	"gpulimit/internal/wire"
	"gpulimit/version"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"
)

// remoteCommands are forwarded verbatim; the server owns their parsing.
var remoteCommands = []struct {
	name  string
	usage string
}{
	{"add", "queue a command: add [--priority=N] [--logpath=PATH] [--gpus=N] cmd..."},
	{"ls", "list the queue: ls [--all] [--sort=queue|id|priority|show|run]"},
	{"show", "show task details: show id"},
	{"rm", "remove a task, killing it if needed: rm id"},
	{"kill", "kill a running task: kill id"},
	{"mv", "move a task in the queue: mv id [index]"},
	{"set", "show or change scheduling parameters: set [name value]"},
	{"start", "start a task now, or run one admission pass: start [id]"},
	{"status", "show host, device and queue state"},
	{"debug", "show the captured error of a task: debug id"},
	{"clean", "remove finished tasks: clean [status...]"},
	{"pause", "pause a running task: pause id"},
	{"resume", "resume a paused task: resume id"},
	{"priority", "change a task's priority: priority id value"},
	{"history", "show recorded runs: history [id] [--limit=N]"},
	{"help", "show server-side help: help [command]"},
}

// NewApp creates the root CLI application
func NewApp() *cli.Command {
	commands := make([]*cli.Command, 0, len(remoteCommands)+1)
	for _, rc := range remoteCommands {
		commands = append(commands, forwardCommand(rc.name, rc.usage))
	}
	commands = append(commands, logCommand())

	return &cli.Command{
		Name:    "gpulimit",
		Usage:   "gpulimit CLI - queue commands on a shared GPU host",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "control socket: unix:/path, tcp:host:port or a bare path",
			},
		},
		Commands: commands,
		Action: func(ctx context.Context, c *cli.Command) error {
			argv := c.Args().Slice()
			if len(argv) == 0 {
				argv = []string{"help"}
			}
			reply, err := send(ctx, c, argv)
			if err != nil {
				return err
			}
			return printReply(c.Root().Writer, reply)
		},
	}
}

func forwardCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:            name,
		Usage:           usage,
		SkipFlagParsing: true,
		Action: func(ctx context.Context, c *cli.Command) error {
			reply, err := send(ctx, c, append([]string{name}, c.Args().Slice()...))
			if err != nil {
				return err
			}
			return printReply(c.Root().Writer, reply)
		},
	}
}

// logCommand opens the returned file in $PAGER when stdout is a terminal.
func logCommand() *cli.Command {
	return &cli.Command{
		Name:            "log",
		Usage:           "show a task's output file, or the server log: log id|main",
		SkipFlagParsing: true,
		Action: func(ctx context.Context, c *cli.Command) error {
			reply, err := send(ctx, c, append([]string{"log"}, c.Args().Slice()...))
			if err != nil {
				return err
			}
			if isError(reply) {
				return errors.New(reply)
			}

			w := c.Root().Writer
			if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
				return printReply(w, reply)
			}
			if _, err := os.Stat(reply); err != nil {
				return printReply(w, reply)
			}
			return page(ctx, reply)
		},
	}
}

func send(ctx context.Context, c *cli.Command, argv []string) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}

	server := cfg.GetServer()
	if root := c.Root(); root.IsSet("server") {
		server = root.String("server")
	}

	addr, err := wire.ParseAddress(server)
	if err != nil {
		return "", err
	}

	pwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	return client.New(addr).Send(ctx, wire.Request{Dir: pwd, Argv: argv})
}

func isError(reply string) bool {
	return strings.HasPrefix(reply, "[error]")
}

// printReply writes a successful reply; an error reply becomes the command's
// error so the exit status is non-zero.
func printReply(w io.Writer, reply string) error {
	if isError(reply) {
		return errors.New(reply)
	}
	if reply == "" {
		return nil
	}
	_, err := fmt.Fprintln(w, strings.TrimRight(reply, "\n"))
	return err
}

func page(ctx context.Context, path string) error {
	pager := strings.TrimSpace(os.Getenv("PAGER"))
	if pager == "" {
		pager = "less"
	}
	fields := strings.Fields(pager)

	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
