package node

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/muti-shell/internal/dispatch"
	"github.com/postalsys/muti-shell/internal/protocol"
	"github.com/postalsys/muti-shell/internal/sysinfo"
	"github.com/postalsys/muti-shell/internal/transport"
)

var headingStyle = lipgloss.NewStyle().Bold(true)

func (n *Node) registerBuiltins() {
	n.registry.Command("help [command...]", "Provides help for a given command.").
		Action(n.cmdHelp)

	n.registry.Command("exit", "Exits the shell, or leaves the remote node when connected.").
		Alias("quit").
		Option("-f, --force", "exit without confirmation").
		Action(n.cmdExit)

	n.registry.Command("connect <target>", "Connects to a remote node at host[:port].").
		Option("-s, --ssl", "use TLS").
		Option("-u, --user <user>", "user name for authentication").
		Option("-p, --password <password>", "password for authentication").
		Action(n.cmdConnect)

	n.registry.Command("status", "Shows the role, sessions and queue of this node.").
		Action(n.cmdStatus)
}

func (n *Node) cmdHelp(ctx context.Context, inv *dispatch.Invocation) (any, error) {
	if name := strings.Join(inv.Args.Rest, " "); name != "" {
		cmd, _ := n.registry.Match(name)
		if cmd == nil {
			return nil, inv.Printf(ctx, "\n  Unknown command %q.\n%s", name, n.registry.Help())
		}
		return nil, inv.Print(ctx, cmd.Usage())
	}
	heading := headingStyle.Render(inv.Context.Delimiter(n.opts.Delimiter))
	return nil, inv.Print(ctx, "\n  "+heading+"\n"+n.registry.Help())
}

func (n *Node) cmdExit(ctx context.Context, inv *dispatch.Invocation) (any, error) {
	if _, remote := inv.Context.Output().(*sessionOutput); remote {
		return closeLink{}, nil
	}

	if !inv.Args.Flag("force") {
		answer, err := inv.Ask(ctx, protocol.Question{
			Type:    protocol.QuestionConfirm,
			Name:    "continue",
			Message: "This will terminate the process. Continue?",
			Default: "false",
		})
		if err != nil {
			return nil, err
		}
		if !isYes(answer) {
			return nil, nil
		}
	}

	n.logger.Info("exit requested")
	n.opts.Exit(1)
	return nil, nil
}

func (n *Node) cmdConnect(ctx context.Context, inv *dispatch.Invocation) (any, error) {
	target, err := transport.ParseTarget(inv.Args.Get("target"), inv.Args.Flag("ssl"))
	if err != nil {
		return nil, err
	}

	creds := Credentials{
		User:     inv.Args.Option("user"),
		Password: inv.Args.Option("password"),
	}
	if err := n.Connect(ctx, target, creds, inv.Context.Output()); err != nil {
		if n.opts.Terminable && inv.Context == n.local {
			n.opts.Exit(1)
		}
		return nil, err
	}
	return nil, inv.Printf(ctx, "Connected to %s\n", target)
}

func (n *Node) cmdStatus(ctx context.Context, inv *dispatch.Invocation) (any, error) {
	st := n.Stats()
	upstream := st.Upstream
	if upstream == "" {
		upstream = "-"
	}
	sessions := strconv.Itoa(st.Sessions)
	if len(st.SessionIDs) > 0 {
		sessions += " (" + strings.Join(st.SessionIDs, ", ") + ")"
	}
	host := sysinfo.Collect()
	text := fmt.Sprintf("\n  role:      %s\n  sessions:  %s\n  queue:     %d\n  upstream:  %s\n  uptime:    %s\n"+
		"  host:      %s (%s)\n  addresses: %s\n  version:   %s\n\n",
		st.Role, sessions, st.QueueDepth, upstream, st.Uptime,
		host.Hostname, host.Platform(), host.AddressList(), host.Version)
	return st, inv.Print(ctx, text)
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "1":
		return true
	default:
		return false
	}
}
