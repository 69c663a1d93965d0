package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/lifetrack/internal/api"
	"github.com/matheus3301/lifetrack/internal/lock"
	"github.com/matheus3301/lifetrack/internal/profile"
	"github.com/matheus3301/lifetrack/internal/store"
	intsync "github.com/matheus3301/lifetrack/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// lockPath is the active profile's lock file, consulted when the daemon
// cannot be reached.
var lockPath string

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flushFlag := flag.Bool("flush", false, "send: run a sync cycle right after queueing")
	limitFlag := flag.Int("limit", 0, "list commands: maximum rows")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fatalf("error: %v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	lockPath = profile.LockPath(profileName)
	socketPath := profile.SocketPath(profileName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fatalf("error: cannot connect to daemon for profile %q: %v", profileName, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "sync":
		sum, err := c.SyncNow(ctx)
		check(err)
		out.summary(sum)
	case "send":
		if len(args) < 3 {
			fatalf("usage: lifetrackctl send <friend> <text>")
		}
		reply, err := c.SendMessage(ctx, api.SendRequest{
			To:      args[1],
			Content: strings.Join(args[2:], " "),
			Flush:   *flushFlag,
		})
		check(err)
		if out.json {
			outputJSON(reply)
			return
		}
		fmt.Printf("Queued: %v (id %d, %s)\n", reply.Queued, reply.Message.ID, reply.Message.ClientMessageID)
		if reply.Cycle != nil {
			out.summary(reply.Cycle)
		}
	case "read":
		if len(args) < 2 {
			fatalf("usage: lifetrackctl read <message-id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fatalf("error: invalid message id %q", args[1])
		}
		res, err := c.MarkRead(ctx, id)
		check(err)
		if out.json {
			outputJSON(res)
			return
		}
		fmt.Printf("Updated: %v  Relay notified: %v\n", res.Updated, res.RemoteSynced)
	case "conversation":
		if len(args) < 2 {
			fatalf("usage: lifetrackctl conversation <friend>")
		}
		msgs, err := c.ListConversation(ctx, api.ConversationRequest{Friend: args[1], Limit: *limitFlag})
		check(err)
		out.messages(msgs)
	case "inbox":
		entries, err := c.ListInbox(ctx, *limitFlag)
		check(err)
		out.inbox(entries)
	case "outbox":
		entries, err := c.ListOutbox(ctx, *limitFlag)
		check(err)
		out.outbox(entries)
	case "friends":
		cmdFriends(ctx, c, args[1:], *limitFlag, out)
	case "endpoint":
		if len(args) < 2 {
			fatalf("usage: lifetrackctl endpoint <local|hosted|self_hosted> [url]")
		}
		var serverURL string
		if len(args) > 2 {
			serverURL = args[2]
		}
		res, err := c.SetEndpoint(ctx, args[1], serverURL)
		check(err)
		if out.json {
			outputJSON(res)
			return
		}
		fmt.Printf("Mode: %s  Reachable: %v  (%s)\n", res.Mode, res.Reachable, res.Reason)
	case "viewer":
		if len(args) < 2 {
			fatalf("usage: lifetrackctl viewer <user-id>")
		}
		check(c.SetViewer(ctx, args[1]))
		fmt.Printf("Viewer set to %s\n", args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: lifetrackctl [--profile <name>] [--json] [--limit n] [--flush] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show daemon and last sync status")
	fmt.Fprintln(os.Stderr, "  sync                      Run a sync cycle now")
	fmt.Fprintln(os.Stderr, "  send <friend> <text>      Queue a message")
	fmt.Fprintln(os.Stderr, "  read <id>                 Mark a message read")
	fmt.Fprintln(os.Stderr, "  conversation <friend>     List messages with a friend")
	fmt.Fprintln(os.Stderr, "  inbox                     Latest message per friend")
	fmt.Fprintln(os.Stderr, "  outbox                    Outgoing delivery state")
	fmt.Fprintln(os.Stderr, "  friends [add <id> [name]] List or add friends")
	fmt.Fprintln(os.Stderr, "  endpoint <mode> [url]     Switch connectivity mode")
	fmt.Fprintln(os.Stderr, "  viewer <id>               Set the local user id")
	fmt.Fprintln(os.Stderr, "  watch [prefix]            Stream daemon events")
}

func cmdStatus(ctx context.Context, c *api.Client, out printer) {
	st, err := c.GetStatus(ctx)
	check(err)
	if out.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile:  %s\n", st.Profile)
	fmt.Printf("Viewer:   %s\n", orDash(st.Viewer))
	fmt.Printf("Status:   %s (since %s)\n", st.State, st.StateSince.Local().Format(time.DateTime))
	fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Endpoint: %s reachable=%v (%s)\n", st.Endpoint.Mode, st.Endpoint.Reachable, st.Endpoint.Reason)
	fmt.Printf("Outbox:   queued=%d retrying=%d sent=%d failed=%d\n",
		st.Outbox[store.OutboxQueued], st.Outbox[store.OutboxRetrying],
		st.Outbox[store.OutboxSent], st.Outbox[store.OutboxFailed])
	fmt.Printf("Watchers: %d (events dropped: %d)\n", st.Watchers, st.Dropped)
	if st.LastCycle != nil {
		fmt.Printf("Last sync: %s\n", st.LastCycle.FinishedAt.Local().Format(time.DateTime))
		out.summary(st.LastCycle)
	}
}

func cmdFriends(ctx context.Context, c *api.Client, args []string, limit int, out printer) {
	if len(args) > 0 && args[0] == "add" {
		if len(args) < 2 {
			fatalf("usage: lifetrackctl friends add <id> [display name]")
		}
		f, err := c.AddFriend(ctx, api.AddFriendRequest{FriendUserID: args[1], DisplayName: strings.Join(args[2:], " ")})
		check(err)
		if out.json {
			outputJSON(f)
			return
		}
		fmt.Printf("Added %s\n", f.FriendUserID)
		return
	}
	friends, err := c.ListFriends(ctx, limit)
	check(err)
	if out.json {
		outputJSON(friends)
		return
	}
	if len(friends) == 0 {
		fmt.Println("No friends yet.")
		return
	}
	for _, f := range friends {
		fmt.Printf("%-24s %s\n", f.FriendUserID, f.DisplayName)
	}
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	var namespace string
	if len(args) > 0 {
		namespace = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.WatchEvents(ctx, namespace, func(evt api.WatchedEvent) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		fmt.Printf("%s  %-24s %s\n", evt.Timestamp.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		check(err)
	}
}

type printer struct {
	json bool
}

func (p printer) summary(sum *intsync.Summary) {
	if p.json {
		outputJSON(sum)
		return
	}
	fmt.Printf("Sync ok=%v endpoint=%s sent=%d received=%d retried=%d failed=%d fetchErrors=%d dropped=%d\n",
		sum.OK, sum.Endpoint.Mode, sum.Sent, sum.Received, sum.Retried, sum.Failed, sum.FetchErrors, sum.Dropped)
	if !sum.Endpoint.Reachable {
		fmt.Printf("  local only: %s\n", sum.Endpoint.Reason)
	}
}

func (p printer) messages(msgs []store.Message) {
	if p.json {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		state := " "
		switch {
		case m.ServerMessageID == "":
			state = "…"
		case m.ReadAt != 0:
			state = "✓"
		}
		fmt.Printf("%6d %s %s %-12s %s\n", m.ID, state,
			time.UnixMilli(m.CreatedAt).Local().Format(time.DateTime), m.FromUserID, m.Content)
	}
}

func (p printer) inbox(entries []store.InboxEntry) {
	if p.json {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Inbox is empty.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%-20s unread=%-3d %s\n", e.FriendUserID, e.Unread, e.Last.Content)
	}
}

func (p printer) outbox(entries []store.OutboxEntry) {
	if p.json {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Outbox is empty.")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-36s %-9s attempts=%d to=%s", e.Message.ClientMessageID, e.Status, e.Attempts, e.Message.ToUserID)
		if e.Status == store.OutboxRetrying {
			line += " next=" + time.UnixMilli(e.NextRetryAt).Local().Format(time.TimeOnly)
		}
		if e.LastError != "" {
			line += " err=" + e.LastError
		}
		fmt.Println(line)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func check(err error) {
	if err == nil {
		return
	}
	if grpcstatus.Code(err) == codes.Unavailable {
		fatalf("error: daemon not reachable: %s", daemonHint())
	}
	fatalf("error: %v", err)
}

// daemonHint says whether a daemon claims the profile.
func daemonHint() string {
	owner, err := lock.ReadOwner(lockPath)
	if err != nil {
		return "no lifetrackd is running for this profile"
	}
	return fmt.Sprintf("profile %q is held by %s on %s", owner.Profile, owner, owner.Socket)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
