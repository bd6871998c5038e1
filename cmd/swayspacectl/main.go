package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/swayspace/swayspace/internal/control/client"
	"github.com/swayspace/swayspace/internal/rules"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("swayspacectl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	socket := fs.String("socket", "", "path to swayspaced diagnostic socket")
	timeout := fs.Duration("timeout", 3*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] <command> [args]\n", fs.Name())
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Commands:")
		fmt.Fprintln(fs.Output(), "  health\t\t\tshow daemon health")
		fmt.Fprintln(fs.Output(), "  window <con_id>\tshow a tracked window identity")
		fmt.Fprintln(fs.Output(), "  rule <class>\t\tshow which rule a class resolves to")
		fmt.Fprintln(fs.Output(), "  events [--limit n] [--kind k]\tshow recent pipeline events")
		fmt.Fprintln(fs.Output(), "  validate\t\tdiff cached state against the live tree")
		fmt.Fprintln(fs.Output(), "  report\t\tdump the full diagnostic report")
		fmt.Fprintln(fs.Output(), "  reload\t\ttrigger a live rule registry reload")
		fmt.Fprintln(fs.Output(), "  check --rules <path>\tvalidate registry files offline")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("missing subcommand")
	}

	if args[0] == "check" {
		return runCheck(args[1:], os.Stdout, os.Stderr)
	}

	cli, err := client.New(*socket)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	switch args[0] {
	case "health":
		return runHealth(ctx, cli)
	case "window":
		return runWindow(ctx, cli, args[1:])
	case "rule":
		return runRule(ctx, cli, args[1:])
	case "events":
		return runEvents(ctx, cli, args[1:])
	case "validate":
		return runValidate(ctx, cli)
	case "report":
		return printJSONResult(func() (any, error) { return cli.DiagnosticReport(ctx) })
	case "reload":
		if err := cli.ReloadRules(ctx); err != nil {
			return err
		}
		fmt.Println("Rule registry reloaded")
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func runHealth(ctx context.Context, cli *client.Client) error {
	health, err := cli.HealthCheck(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Uptime: %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
	fmt.Printf("Windows tracked: %d\n", health.WindowsTracked)
	if health.ActiveProject != "" {
		fmt.Printf("Active project: %s\n", health.ActiveProject)
	}
	fmt.Printf("Active workspace: %d\n", health.ActiveWorkspace)
	fmt.Printf("Reconnects: %d\n", health.Reconnects)
	for _, sub := range health.Subscriptions {
		state := "inactive"
		if sub.Active {
			state = "active"
		}
		fmt.Printf("  %s: %s, %d events\n", sub.Kind, state, sub.EventCount)
	}
	return nil
}

func runWindow(ctx context.Context, cli *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("window requires a container id")
	}
	conID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid container id %q", args[0])
	}
	return printJSONResult(func() (any, error) { return cli.WindowIdentity(ctx, conID) })
}

func runRule(ctx context.Context, cli *client.Client, args []string) error {
	fs := flag.NewFlagSet("rule", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	instance := fs.String("instance", "", "window instance")
	title := fs.String("title", "", "window title")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("rule requires a window class")
	}
	answer, err := cli.WorkspaceRule(ctx, fs.Arg(0), *instance, *title)
	if err != nil {
		return err
	}
	if !answer.Matched {
		fmt.Println("No rule matches")
		return nil
	}
	fmt.Printf("Rule: %s (tier %s) -> workspace %d\n", answer.Rule, answer.Tier, answer.Workspace)
	if len(answer.Conflicts) > 0 {
		fmt.Printf("Conflicting rules at the same tier: %v\n", answer.Conflicts)
	}
	return nil
}

func runEvents(ctx context.Context, cli *client.Client, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 20, "maximum records to return")
	kind := fs.String("kind", "", "filter by event kind (window|workspace|output|tick)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	return printJSONResult(func() (any, error) { return cli.RecentEvents(ctx, *limit, *kind) })
}

func runValidate(ctx context.Context, cli *client.Client) error {
	raw, err := cli.ValidateState(ctx)
	if err != nil {
		return err
	}
	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		return err
	}
	return printJSON(pretty)
}

func runCheck(args []string, stdout io.Writer, stderr io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rulesPath := fs.String("rules", "", "path to rule registry file")
	appsPath := fs.String("apps", "", "path to app registry file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *rulesPath == "" {
		fs.Usage()
		return fmt.Errorf("check requires --rules <path>")
	}

	lintErrs, err := rules.LintFiles(*rulesPath, *appsPath)
	if err != nil {
		return err
	}
	if len(lintErrs) == 0 {
		fmt.Fprintln(stdout, "Registry OK")
		return nil
	}
	fmt.Fprintf(stderr, "Registry has %d issue(s):\n", len(lintErrs))
	for _, lintErr := range lintErrs {
		fmt.Fprintf(stderr, "- %s\n", lintErr.Error())
	}
	return fmt.Errorf("registry validation failed")
}

func printJSONResult(fetch func() (any, error)) error {
	payload, err := fetch()
	if err != nil {
		return err
	}
	return printJSON(payload)
}

func printJSON(payload any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
