package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/omochice/lanmesh/internal/client"
	"github.com/omochice/lanmesh/internal/gateway"
)

const usage = `Commands:
  /msg <user> <text>       send a direct message
  /typing <user> on|off    send a typing indicator
  /name <name>             change the display name
  /online on|off           go online or offline
  /send <user> <path>      offer a file
  /recv <user> <file>      start or resume receiving a file
  /pause <user> <file>     pause a download
  /cancel <user> <file>    cancel a download
  /restart <user> <file>   download again from the start
  /rm <user> <file>        forget a transfer
  /users                   list known users
  /files                   list transfers
  /quit                    exit`

var errUsage = errors.New(usage)

// invocation is one parsed input line.
type invocation struct {
	name string
	args []string
}

// parse splits a line into a command and its arguments. The final argument
// keeps its inner spaces so messages and paths survive intact.
func parse(line string) (invocation, error) {
	if !strings.HasPrefix(line, "/") {
		return invocation{}, errUsage
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	want, ok := arity[name]
	if !ok {
		return invocation{}, errUsage
	}
	var args []string
	if want > 0 {
		args = strings.SplitN(rest, " ", want)
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
	}
	if len(args) != want || (want > 0 && args[want-1] == "") {
		return invocation{}, fmt.Errorf("/%s: wrong number of arguments\n%s", name, usage)
	}
	return invocation{name: name, args: args}, nil
}

var arity = map[string]int{
	"help":    0,
	"msg":     2,
	"typing":  2,
	"name":    1,
	"online":  1,
	"send":    2,
	"recv":    2,
	"pause":   2,
	"cancel":  2,
	"restart": 2,
	"rm":      2,
	"users":   0,
	"files":   0,
}

var transferCommands = map[string]string{
	"recv":    gateway.CmdReceive,
	"pause":   gateway.CmdPause,
	"cancel":  gateway.CmdCancel,
	"restart": gateway.CmdRestart,
	"rm":      gateway.CmdRemove,
}

func (inv invocation) run(ctx context.Context, c *client.Client) (string, error) {
	switch inv.name {
	case "help":
		return usage, nil
	case "users":
		users, err := c.Users(ctx)
		if err != nil {
			return "", err
		}
		return formatUsers(users), nil
	case "files":
		transfers, err := c.Transfers(ctx)
		if err != nil {
			return "", err
		}
		return formatTransfers(transfers), nil
	case "name":
		return "", c.SetName(ctx, inv.args[0])
	case "online":
		on, err := toggle(inv.args[0])
		if err != nil {
			return "", err
		}
		return "", c.SetOnline(ctx, on)
	}

	peer, err := resolve(ctx, c, inv.args[0])
	if err != nil {
		return "", err
	}
	switch inv.name {
	case "msg":
		return "", c.SendMessage(ctx, peer, inv.args[1])
	case "typing":
		on, err := toggle(inv.args[1])
		if err != nil {
			return "", err
		}
		return "", c.SendTyping(ctx, peer, on)
	case "send":
		return "", c.SendFile(ctx, peer, inv.args[1])
	default:
		return "", c.Transfer(ctx, transferCommands[inv.name], peer, inv.args[1])
	}
}

// resolve maps a user reference to an id. A reference is either an id or a
// display name that matches exactly one known user.
func resolve(ctx context.Context, c *client.Client, ref string) (string, error) {
	users, err := c.Users(ctx)
	if err != nil {
		return "", err
	}
	return match(users, ref)
}

func match(users []gateway.User, ref string) (string, error) {
	var found []string
	for _, u := range users {
		if u.ID == ref {
			return u.ID, nil
		}
		if u.Name == ref {
			found = append(found, u.ID)
		}
	}
	switch len(found) {
	case 0:
		// Transfers may outlive the user that offered them.
		return ref, nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous: %s", ref, strings.Join(found, ", "))
	}
}

func toggle(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func format(msg gateway.Message) string {
	switch msg.Type {
	case "message_received":
		at := ""
		if msg.Time != nil {
			at = msg.Time.Local().Format("15:04:05") + " "
		}
		return fmt.Sprintf("%s[%s]: %s", at, msg.Peer, msg.Text)
	case "typing":
		if msg.Typing {
			return fmt.Sprintf("*** %s is typing ***", msg.Peer)
		}
		return fmt.Sprintf("*** %s stopped typing ***", msg.Peer)
	case "user_added":
		return fmt.Sprintf("*** %s (%s) joined ***", msg.User.Name, msg.User.ID)
	case "user_renamed":
		return fmt.Sprintf("*** %s is now known as %s ***", msg.Previous, msg.User.Name)
	case "user_removed":
		return fmt.Sprintf("*** %s (%s) left ***", msg.User.Name, msg.User.ID)
	case "id_changed":
		return fmt.Sprintf("*** identity collision: id %s replaced by %s ***", msg.Previous, msg.User.ID)
	case "file_about_to_receive":
		t := msg.Transfer
		return fmt.Sprintf("*** %s offers %s (%d bytes), /recv %s %s to download ***", t.Peer, t.File, t.Size, t.Peer, t.File)
	case "status_changed":
		t := msg.Transfer
		return fmt.Sprintf("*** %s %s %s: %s at %d bytes ***", t.Direction, t.Peer, t.File, t.Status, t.Offset)
	case "fragment_sent", "fragment_received":
		// Progress is visible through /files.
		return ""
	default:
		return fmt.Sprintf("*** %s ***", msg.Type)
	}
}

func formatUsers(users []gateway.User) string {
	if len(users) == 0 {
		return "no users"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\n", u.ID, u.Name)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func formatTransfers(transfers []gateway.Transfer) string {
	if len(transfers) == 0 {
		return "no transfers"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DIRECTION\tPEER\tFILE\tSTATUS\tPROGRESS")
	for _, t := range transfers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n", t.Direction, t.Peer, t.File, t.Status, t.Offset, t.Size)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
