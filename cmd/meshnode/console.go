package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/felix-dieterle/4people-sub001/internal/directory"
	"github.com/felix-dieterle/4people-sub001/internal/interop"
	"github.com/felix-dieterle/4people-sub001/internal/node"
)

var (
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	alertColor = color.New(color.FgRed, color.Bold)
	headColor  = color.New(color.FgCyan, color.Bold)
)

const consoleHelp = `commands:
  send <node-id> <text>                      send to one node
  broadcast <text>                           flood to every node
  alert <severity> <category> [description]  publish a SEPS emergency alert
  sos <help-type> <urgency> [description]    publish a SEPS help request
  connect <addr>                             open a link to a peer
  routes                                     show the routing table
  peers                                      show remembered peers
  quit                                       stop the node`

func banner(w io.Writer, n *node.Node, f daemonFlags) {
	headColor.Fprintln(w, "\n  meshnode")
	fmt.Fprintf(w, "  Node ID   : %s\n", n.ID())
	fmt.Fprintf(w, "  Listening : %s (%s)\n", n.Transport().LocalAddr(), f.kind)
	fmt.Fprintf(w, "  Sealed    : %v\n", f.secure || f.kind == "quic")
	fmt.Fprintf(w, "  Data      : %s\n", f.dataDir)
	if f.metricsAddr != "" {
		fmt.Fprintf(w, "  Metrics   : http://%s/metrics\n", f.metricsAddr)
	}
	if len(f.bootstrap) > 0 {
		fmt.Fprintf(w, "  Bootstrap : %s\n", strings.Join(f.bootstrap, ", "))
	}
	fmt.Fprintln(w)
}

func printPeers(w io.Writer, entries []directory.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no peers known")
		return
	}
	for _, e := range entries {
		kind := "native"
		if e.Interop {
			kind = "seps"
		}
		fmt.Fprintf(w, "  %-24s %-22s %-6s secure=%-5v seen %s\n",
			e.NodeID, e.Addr, kind, e.Secure, e.LastSeenTime().Format(time.RFC3339))
	}
}

// console is the interactive daemon prompt.
type console struct {
	n   *node.Node
	mu  sync.Mutex // serialises writes to out
	out io.Writer
}

func newConsole(n *node.Node, out io.Writer) *console {
	return &console{n: n, out: out}
}

func (c *console) printf(col *color.Color, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col == nil {
		fmt.Fprintf(c.out, format, args...)
		return
	}
	col.Fprintf(c.out, format, args...)
}

// watch prints delivered messages and SEPS traffic as it arrives.
func (c *console) watch() {
	go func() {
		for msg := range c.n.Messages() {
			tag := "direct"
			if msg.Broadcast {
				tag = "broadcast"
			}
			c.printf(nil, "\n[%s %s, %d hops] %s\n", msg.From, tag, msg.Hops, msg.Content())
		}
	}()
	h := c.n.Interop()
	h.OnEmergencyAlert(func(a interop.EmergencyAlert, m interop.Message) {
		c.printf(alertColor, "\n!! %s %s alert from %s: %s\n", a.Severity, a.Category, m.Sender.DeviceID, a.Description)
	})
	h.OnHelpRequest(func(r interop.HelpRequest, m interop.Message) {
		c.printf(alertColor, "\n!! %s help request (%s) from %s: %s\n", r.HelpType, r.Urgency, m.Sender.DeviceID, r.Description)
	})
	h.OnSafeZone(func(z interop.SafeZone, m interop.Message) {
		c.printf(okColor, "\nsafe zone %s (%s) at %.5f,%.5f\n", z.ZoneID, z.ZoneType, z.Location.Latitude, z.Location.Longitude)
	})
}

// run reads commands until input ends. It reports whether quit was typed.
func (c *console) run(in io.Reader) bool {
	scanner := bufio.NewScanner(in)
	c.printf(nil, "> ")
	for scanner.Scan() {
		if !c.exec(strings.TrimSpace(scanner.Text())) {
			return true
		}
		c.printf(nil, "> ")
	}
	return false
}

// exec runs one console line. It returns false when the console should exit.
func (c *console) exec(line string) bool {
	if line == "" {
		return true
	}
	parts := strings.SplitN(line, " ", 2)
	rest := ""
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}

	switch parts[0] {
	case "send":
		args := strings.SplitN(rest, " ", 2)
		if len(args) < 2 {
			c.printf(nil, "usage: send <node-id> <text>\n")
			break
		}
		if c.n.Send(args[0], []byte(args[1])) {
			c.printf(okColor, "✓ sent\n")
		} else {
			c.printf(warnColor, "no route to %s yet, discovery started; retry shortly\n", args[0])
		}
	case "broadcast":
		if rest == "" {
			c.printf(nil, "usage: broadcast <text>\n")
			break
		}
		c.report(c.n.Broadcast([]byte(rest)), "broadcast")
	case "alert":
		args := strings.SplitN(rest, " ", 3)
		if len(args) < 2 {
			c.printf(nil, "usage: alert <severity> <category> [description]\n")
			break
		}
		a := interop.EmergencyAlert{Severity: strings.ToUpper(args[0]), Category: strings.ToUpper(args[1])}
		if len(args) == 3 {
			a.Description = args[2]
		}
		msg, err := c.n.Interop().Codec().NewEmergencyAlert(a)
		c.publish(msg, err, "alert")
	case "sos":
		args := strings.SplitN(rest, " ", 3)
		if len(args) < 2 {
			c.printf(nil, "usage: sos <help-type> <urgency> [description]\n")
			break
		}
		r := interop.HelpRequest{HelpType: strings.ToUpper(args[0]), Urgency: strings.ToUpper(args[1])}
		if len(args) == 3 {
			r.Description = args[2]
		}
		msg, err := c.n.Interop().Codec().NewHelpRequest(r)
		c.publish(msg, err, "help request")
	case "connect":
		if rest == "" {
			c.printf(nil, "usage: connect <addr>\n")
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		p, err := c.n.Connect(ctx, rest)
		cancel()
		if err != nil {
			c.printf(warnColor, "connect: %v\n", err)
			break
		}
		c.printf(okColor, "✓ connected to %s\n", p.ID)
	case "routes":
		routes := c.n.Routes()
		if len(routes) == 0 {
			c.printf(nil, "no routes\n")
		}
		for _, r := range routes {
			c.printf(nil, "  %-24s via %-24s hops=%d seq=%d %s\n",
				r.Destination, r.NextHop, r.HopCount, r.Sequence, r.Security)
		}
	case "peers":
		c.mu.Lock()
		printPeers(c.out, c.n.Directory().All())
		c.mu.Unlock()
	case "quit", "exit":
		return false
	case "help":
		c.printf(nil, "%s\n", consoleHelp)
	default:
		c.printf(warnColor, "unknown command: %s (try help)\n", parts[0])
	}
	return true
}

func (c *console) publish(msg interop.Message, err error, what string) {
	if err != nil {
		c.printf(warnColor, "%s: %v\n", what, err)
		return
	}
	c.report(c.n.Publish(msg), what)
}

func (c *console) report(ok bool, what string) {
	if ok {
		c.printf(okColor, "✓ %s sent\n", what)
		return
	}
	c.printf(warnColor, "%s not sent: no neighbors\n", what)
}
