// argusctl is the interactive operator console for argusd.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/argus/internal/client"
	"github.com/xtxerr/argus/internal/errors"
)

// Version is set at build time via ldflags
var Version = "dev"

var commands = []prompt.Suggest{
	{Text: "status", Description: "Live target status (optionally one target)"},
	{Text: "targets", Description: "Registered targets and hardware identity"},
	{Text: "recent", Description: "recent <target> [limit] - newest metric records"},
	{Text: "rates", Description: "rates <target> [limit] - newest interface rates"},
	{Text: "rollups", Description: "rollups <target> <field> [window] - aggregated buckets"},
	{Text: "restart", Description: "restart <target> - rebuild a target's workers"},
	{Text: "stats", Description: "Server and pipeline statistics"},
	{Text: "ping", Description: "Check liveness"},
	{Text: "help", Description: "Show commands"},
	{Text: "exit", Description: "Leave the console"},
}

func main() {
	addr := flag.String("addr", "", "argusd console address")
	token := flag.String("token", "", "auth token (or ARGUS_TOKEN env)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	log.SetFlags(0)

	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("ARGUS_TOKEN")
	}

	c, err := connect(*addr, authToken)
	if err != nil {
		log.Fatalf("argusctl: %v", err)
	}
	defer c.Close()

	// One-shot mode: argusctl status fw1
	if args := flag.Args(); len(args) > 0 {
		if err := runCommand(c, args); err != nil {
			c.Close()
			log.Fatalf("argusctl: %v", err)
		}
		return
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		log.Fatal("argusctl: interactive mode needs a terminal (pass a command for one-shot use)")
	}

	fmt.Printf("argusctl %s connected to %s (type help)\n", Version, c.Addr())

	console := &console{client: c}
	p := prompt.New(
		console.execute,
		console.complete,
		prompt.OptionTitle("argusctl"),
		prompt.OptionPrefix("argus> "),
		prompt.OptionPrefixTextColor(prompt.Cyan),
		prompt.OptionMaxSuggestion(12),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			in = strings.TrimSpace(in)
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}

// connect dials argusd, prompting for a token when the server wants one
// and none was supplied.
func connect(addr, token string) (*client.Client, error) {
	c, err := client.Dial(&client.Config{Addr: addr, Token: token})
	if err != nil {
		return nil, err
	}

	_, err = c.Ping()
	if err == nil {
		return c, nil
	}
	c.Close()

	if !errors.Is(err, errors.ErrNotAuthenticated) || token != "" {
		return nil, err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("server requires a token: %w", err)
	}

	fmt.Fprint(os.Stderr, "Token: ")
	secret, rerr := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if rerr != nil {
		return nil, fmt.Errorf("read token: %w", rerr)
	}

	return client.Dial(&client.Config{Addr: addr, Token: string(secret)})
}

// console holds interactive session state.
type console struct {
	client *client.Client

	// Target name cache for completion.
	targets     []string
	targetsFrom time.Time
}

func (cs *console) execute(input string) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "exit", "quit":
		return
	}
	if err := runCommand(cs.client, fields); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

func (cs *console) complete(d prompt.Document) []prompt.Suggest {
	text := d.TextBeforeCursor()
	parts := strings.Fields(text)

	// First word: the command itself.
	if len(parts) == 0 || (len(parts) == 1 && !strings.HasSuffix(text, " ")) {
		return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
	}

	switch parts[0] {
	case "status", "recent", "rates", "rollups", "restart":
		onTargetArg := len(parts) == 1 || (len(parts) == 2 && !strings.HasSuffix(text, " "))
		if onTargetArg {
			return prompt.FilterHasPrefix(cs.targetSuggestions(), d.GetWordBeforeCursor(), true)
		}
	}
	return nil
}

// targetSuggestions completes target names, refreshing the cache at most
// every few seconds so typing stays snappy.
func (cs *console) targetSuggestions() []prompt.Suggest {
	if time.Since(cs.targetsFrom) > 5*time.Second {
		if statuses, err := cs.client.Status(); err == nil {
			names := make([]string, 0, len(statuses))
			for _, st := range statuses {
				if name, _ := st["target"].(string); name != "" {
					names = append(names, name)
				}
			}
			cs.targets = names
			cs.targetsFrom = time.Now()
		}
	}
	suggestions := make([]prompt.Suggest, len(cs.targets))
	for i, name := range cs.targets {
		suggestions[i] = prompt.Suggest{Text: name}
	}
	return suggestions
}

// runCommand executes one console command against the server.
func runCommand(c *client.Client, fields []string) error {
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printHelp()
		return nil

	case "ping":
		uptime, err := c.Ping()
		if err != nil {
			return err
		}
		fmt.Printf("pong (server up %s)\n", uptime.Round(time.Second))
		return nil

	case "status":
		if len(args) > 0 {
			st, err := c.TargetStatus(args[0])
			if err != nil {
				return err
			}
			printTargetStatus(st)
			return nil
		}
		statuses, err := c.Status()
		if err != nil {
			return err
		}
		printStatusTable(statuses)
		return nil

	case "targets":
		targets, err := c.Targets()
		if err != nil {
			return err
		}
		printTargetsTable(targets)
		return nil

	case "recent":
		if len(args) < 1 {
			return fmt.Errorf("usage: recent <target> [limit]")
		}
		limit, err := optionalLimit(args, 1)
		if err != nil {
			return err
		}
		records, err := c.Recent(args[0], limit)
		if err != nil {
			return err
		}
		printRecords(records)
		return nil

	case "rates":
		if len(args) < 1 {
			return fmt.Errorf("usage: rates <target> [limit]")
		}
		limit, err := optionalLimit(args, 1)
		if err != nil {
			return err
		}
		rates, err := c.Rates(args[0], limit)
		if err != nil {
			return err
		}
		printRatesTable(rates)
		return nil

	case "rollups":
		if len(args) < 2 {
			return fmt.Errorf("usage: rollups <target> <field> [window]")
		}
		var since time.Time
		if len(args) > 2 {
			window, err := time.ParseDuration(args[2])
			if err != nil {
				return fmt.Errorf("window: %w", err)
			}
			since = time.Now().Add(-window)
		}
		rows, err := c.Rollups(args[0], args[1], since, time.Time{})
		if err != nil {
			return err
		}
		printRollupsTable(rows)
		return nil

	case "restart":
		if len(args) < 1 {
			return fmt.Errorf("usage: restart <target>")
		}
		if err := c.Restart(args[0]); err != nil {
			return err
		}
		fmt.Printf("restart requested: %s\n", args[0])
		return nil

	case "stats":
		stats, err := c.Stats()
		if err != nil {
			return err
		}
		printStats(stats)
		return nil

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func optionalLimit(args []string, idx int) (int, error) {
	if len(args) <= idx {
		return 0, nil
	}
	limit, err := strconv.Atoi(args[idx])
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit: %q is not a positive integer", args[idx])
	}
	return limit, nil
}

func printHelp() {
	for _, c := range commands {
		fmt.Printf("  %-9s %s\n", c.Text, c.Description)
	}
}
