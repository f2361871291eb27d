package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kihw/modhub-central-management-sub000/internal/config"
	"github.com/kihw/modhub-central-management-sub000/internal/control/client"
	"github.com/kihw/modhub-central-management-sub000/internal/ui"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("mhctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	socket := fs.String("socket", "", "path to modhubd control socket")
	timeout := fs.Duration("timeout", 3*time.Second, "control request timeout")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] <command> [args]\n", fs.Name())
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Commands:")
		fmt.Fprintln(fs.Output(), "  status\t\t\tshow daemon summary")
		fmt.Fprintln(fs.Output(), "  mods\t\t\t\tlist registered mods")
		fmt.Fprintln(fs.Output(), "  activate <mod>\t\tactivate a mod")
		fmt.Fprintln(fs.Output(), "  deactivate <mod>\t\tdeactivate a mod")
		fmt.Fprintln(fs.Output(), "  rules\t\t\t\tshow per-rule runtime state")
		fmt.Fprintln(fs.Output(), "  rule history\t\t\tshow recent rule edge transitions")
		fmt.Fprintln(fs.Output(), "  history [--since 5m]\t\tshow snapshot history")
		fmt.Fprintln(fs.Output(), "  rule enable|disable <id>\ttoggle a rule")
		fmt.Fprintln(fs.Output(), "  rule remove <id>\t\tunregister a rule")
		fmt.Fprintln(fs.Output(), "  events [--since 5m]\t\tshow event history")
		fmt.Fprintln(fs.Output(), "  critical [--since 5m]\t\tshow threshold crossings")
		fmt.Fprintln(fs.Output(), "  peaks\t\t\t\tshow peak metrics since startup")
		fmt.Fprintln(fs.Output(), "  processes\t\t\tlist tracked processes")
		fmt.Fprintln(fs.Output(), "  types\t\t\t\tlist condition and action types")
		fmt.Fprintln(fs.Output(), "  settings\t\t\tshow settings applied by rules")
		fmt.Fprintln(fs.Output(), "  activity\t\t\tping the idle tracker")
		fmt.Fprintln(fs.Output(), "  reload\t\t\ttrigger a live config reload")
		fmt.Fprintln(fs.Output(), "  watch\t\t\t\tlaunch the live dashboard")
		fmt.Fprintln(fs.Output(), "  check --config <path>\tvalidate a configuration file")
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
	if args[0] == "watch" {
		return ui.Run(*socket)
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
	case "status":
		return runStatus(ctx, cli)
	case "mods":
		return runMods(ctx, cli)
	case "activate":
		return runActivate(ctx, cli, args[1:])
	case "deactivate":
		return runDeactivate(ctx, cli, args[1:])
	case "rules":
		return runRules(ctx, cli)
	case "rule":
		return runRule(ctx, cli, args[1:])
	case "history":
		return runHistory(ctx, cli, args[1:])
	case "events":
		return runEvents(ctx, cli, args[1:], cli.Events)
	case "critical":
		return runEvents(ctx, cli, args[1:], cli.Critical)
	case "peaks":
		return runPeaks(ctx, cli)
	case "processes":
		return runProcesses(ctx, cli)
	case "types":
		return runTypes(ctx, cli)
	case "settings":
		return runSettings(ctx, cli)
	case "activity":
		return cli.RecordActivity(ctx)
	case "reload":
		return runReload(ctx, cli)
	default:
		fs.Usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func runCheck(args []string, stdout io.Writer, stderr io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *configPath == "" {
		fs.Usage()
		return fmt.Errorf("check requires --config <path>")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Configuration OK: %d mods, %d rules, %d channels\n",
		len(cfg.Mods), len(cfg.Rules), len(cfg.Channels))
	return nil
}

func runStatus(ctx context.Context, cli *client.Client) error {
	status, err := cli.Status(ctx)
	if err != nil {
		return err
	}
	uptime := (time.Duration(status.UptimeSeconds) * time.Second).Round(time.Second)
	fmt.Printf("Uptime: %s\n", uptime)
	fmt.Printf("Conflict strategy: %s\n", status.ConflictStrategy)
	fmt.Printf("Rules: %d\n", status.Rules)
	fmt.Printf("Dropped events: %d\n", status.DroppedEvents)
	if len(status.ActiveMods) > 0 {
		fmt.Printf("Active mods: %s\n", strings.Join(status.ActiveMods, ", "))
	} else {
		fmt.Println("Active mods: none")
	}
	if snap := status.Snapshot; snap != nil {
		fmt.Printf("CPU %.1f%%  Mem %.1f%%  Disk %.1f%%  Procs %d\n",
			snap.CPUPercent, snap.MemoryPercent, snap.DiskPercent, snap.ProcessCount)
	}
	return nil
}

func runMods(ctx context.Context, cli *client.Client) error {
	result, err := cli.Mods(ctx)
	if err != nil {
		return err
	}
	if len(result.Mods) == 0 {
		fmt.Println("No mods registered")
		return nil
	}
	fmt.Printf("%-20s %-12s %-8s %s\n", "ID", "TYPE", "PRIORITY", "STATE")
	for _, mod := range result.Mods {
		state := "inactive"
		if mod.Active {
			state = fmt.Sprintf("active since %s", mod.ActivatedAt.Format("15:04:05"))
		}
		fmt.Printf("%-20s %-12s %-8d %s\n", mod.ID, mod.Type, mod.Priority, state)
	}
	return nil
}

func runActivate(ctx context.Context, cli *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("activate requires a mod id")
	}
	if err := cli.ActivateMod(ctx, args[0], nil); err != nil {
		return err
	}
	fmt.Printf("Activated %s\n", args[0])
	return nil
}

func runDeactivate(ctx context.Context, cli *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("deactivate requires a mod id")
	}
	if err := cli.DeactivateMod(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deactivated %s\n", args[0])
	return nil
}

func runRules(ctx context.Context, cli *client.Client) error {
	result, err := cli.Rules(ctx)
	if err != nil {
		return err
	}
	if len(result.Rules) == 0 {
		fmt.Println("No rules registered")
		return nil
	}
	fmt.Printf("%-20s %-8s %-8s %-10s %-6s %s\n", "ID", "PRIORITY", "ENABLED", "SATISFIED", "FIRED", "LAST")
	for _, rule := range result.Rules {
		last := "-"
		if !rule.LastTriggered.IsZero() {
			last = rule.LastTriggered.Format("15:04:05")
		}
		fmt.Printf("%-20s %-8d %-8t %-10t %-6d %s\n",
			rule.ID, rule.Priority, rule.Enabled, rule.Satisfied, rule.ExecutionCount, last)
	}
	return nil
}

func runRule(ctx context.Context, cli *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("rule requires a subcommand (enable|disable|remove|history)")
	}
	if args[0] == "history" {
		return runRuleHistory(ctx, cli)
	}
	if len(args) < 2 {
		return fmt.Errorf("rule %s requires a rule id", args[0])
	}
	id := args[1]
	switch args[0] {
	case "enable":
		if err := cli.EnableRule(ctx, id, true); err != nil {
			return err
		}
		fmt.Printf("Enabled %s\n", id)
	case "disable":
		if err := cli.EnableRule(ctx, id, false); err != nil {
			return err
		}
		fmt.Printf("Disabled %s\n", id)
	case "remove":
		if err := cli.UnregisterRule(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", id)
	default:
		return fmt.Errorf("unknown rule subcommand %q", args[0])
	}
	return nil
}

func runEvents(ctx context.Context, cli *client.Client, args []string, fetch func(context.Context, time.Duration) (client.EventsResult, error)) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	since := fs.Duration("since", 0, "only show events within this window")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	result, err := fetch(ctx, *since)
	if err != nil {
		return err
	}
	if len(result.Events) == 0 {
		fmt.Println("No events")
		return nil
	}
	for _, ev := range result.Events {
		fmt.Printf("%s  %-20s s%-2d %-10s %v\n",
			ev.Timestamp.Format("15:04:05"), ev.Type, ev.Severity, ev.Source, ev.Details)
	}
	return nil
}

func runRuleHistory(ctx context.Context, cli *client.Client) error {
	result, err := cli.RuleHistory(ctx)
	if err != nil {
		return err
	}
	if len(result.Evaluations) == 0 {
		fmt.Println("No rule transitions recorded")
		return nil
	}
	for _, ev := range result.Evaluations {
		edge := "cleared"
		if ev.Satisfied {
			edge = "fired"
		}
		line := fmt.Sprintf("%s  %-20s %s", ev.Timestamp.Format("15:04:05"), ev.Rule, edge)
		if ev.Failed > 0 {
			line += fmt.Sprintf(" (%d actions failed)", ev.Failed)
		}
		fmt.Println(line)
	}
	return nil
}

func runHistory(ctx context.Context, cli *client.Client, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	since := fs.Duration("since", 0, "only show snapshots within this window")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	result, err := cli.History(ctx, *since)
	if err != nil {
		return err
	}
	if len(result.Snapshots) == 0 {
		fmt.Println("No snapshots")
		return nil
	}
	fmt.Printf("%-10s %-8s %-8s %-8s %-8s %s\n", "TIME", "CPU%", "MEM%", "DISK%", "SWAP%", "PROCS")
	for _, snap := range result.Snapshots {
		fmt.Printf("%-10s %-8.1f %-8.1f %-8.1f %-8.1f %d\n",
			snap.Timestamp.Format("15:04:05"), snap.CPUPercent, snap.MemoryPercent,
			snap.DiskPercent, snap.SwapPercent, snap.ProcessCount)
	}
	return nil
}

func runPeaks(ctx context.Context, cli *client.Client) error {
	peaks, err := cli.Peaks(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Since %s\n", peaks.Since.Format(time.RFC3339))
	fmt.Printf("CPU %.1f%%  Mem %.1f%%  Disk %.1f%%\n",
		peaks.CPUPercent, peaks.MemoryPercent, peaks.DiskPercent)
	if peaks.GPUPercent > 0 {
		fmt.Printf("GPU %.1f%%\n", peaks.GPUPercent)
	}
	if peaks.TemperatureC > 0 {
		fmt.Printf("Temperature %.1f°C\n", peaks.TemperatureC)
	}
	return nil
}

func runProcesses(ctx context.Context, cli *client.Client) error {
	result, err := cli.Processes(ctx)
	if err != nil {
		return err
	}
	if len(result.Processes) == 0 {
		fmt.Println("No tracked processes")
		return nil
	}
	procs := result.Processes
	sort.Slice(procs, func(i, j int) bool { return procs[i].CPUPercent > procs[j].CPUPercent })
	fmt.Printf("%-8s %-24s %-8s %-8s %s\n", "PID", "NAME", "CPU%", "MEM%", "SINCE")
	for _, p := range procs {
		fmt.Printf("%-8d %-24s %-8.1f %-8.1f %s\n",
			p.PID, p.Name, p.CPUPercent, p.MemoryPercent, p.FirstSeen.Format("15:04:05"))
	}
	return nil
}

func runTypes(ctx context.Context, cli *client.Client) error {
	types, err := cli.Types(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Conditions: %s\n", strings.Join(types.Conditions, ", "))
	fmt.Printf("Actions: %s\n", strings.Join(types.Actions, ", "))
	return nil
}

func runSettings(ctx context.Context, cli *client.Client) error {
	settings, err := cli.Settings(ctx)
	if err != nil {
		return err
	}
	if len(settings) == 0 {
		fmt.Println("No settings applied")
		return nil
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s = %v\n", k, settings[k])
	}
	return nil
}

func runReload(ctx context.Context, cli *client.Client) error {
	if err := cli.Reload(ctx); err != nil {
		return err
	}
	fmt.Println("Reload requested")
	return nil
}
