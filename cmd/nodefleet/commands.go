package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/tomyedwab/nodefleet/fleet/audit"
	"github.com/tomyedwab/nodefleet/fleet/orchestrator"
	"github.com/tomyedwab/nodefleet/fleet/registry"
)

func root() *Command {
	return &Command{
		Name:    "nodefleet",
		Summary: "Install and run a fleet of node instances on this host.",
		Subcommands: []*Command{
			installCommand(),
			startCommand(),
			stopCommand(),
			statusCommand(),
			removeCommand(),
			historyCommand(),
			versionCommand(os.Stdout),
		},
	}
}

func installCommand() *Command {
	var (
		global globalFlags
		count  int
		user   string
		ver    string
		binary string
	)
	return &Command{
		Name:    "install",
		Summary: "Register new node instances as host services",
		Usage:   "nodefleet install [--count N] [--user U] [--version V] [--binary PATH]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("install", pflag.ContinueOnError)
			global.register(flagSet)
			flagSet.IntVar(&count, "count", 1, "number of instances to add")
			flagSet.StringVar(&user, "user", "", "account the instances run as (default: service.default_user)")
			flagSet.StringVar(&ver, "version", "", "release version to install (default: latest)")
			flagSet.StringVar(&binary, "binary", "", "install this local binary instead of downloading a release")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireRoot("install"); err != nil {
				return err
			}
			a, err := global.load(stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator(orchestratorOptions{install: true, binary: binary, version: ver})
			if err != nil {
				return err
			}
			return a.invoke(ctx, orch, func(ctx context.Context, reg *registry.Registry) error {
				installed, err := orch.Install(ctx, reg, orchestrator.InstallRequest{Count: count, User: user, Version: ver})
				for _, rec := range installed {
					fmt.Printf("Installed %s (port %d, version %s)\n", rec.ServiceName, rec.RPCPort, rec.Version)
				}
				return err
			})
		},
	}
}

// selectionFlags registers the mutually exclusive --service-name and
// --peer-id filters.
func selectionFlags(flagSet *pflag.FlagSet, serviceName, peerID *string) {
	flagSet.StringVar(serviceName, "service-name", "", "act on the instance with this service name")
	flagSet.StringVar(peerID, "peer-id", "", "act on the instance with this confirmed peer id")
}

func startCommand() *Command {
	var (
		global      globalFlags
		serviceName string
		peerID      string
		keepGoing   bool
	)
	return &Command{
		Name:    "start",
		Summary: "Start instances and wait for them to confirm their identity",
		Usage:   "nodefleet start [--service-name S | --peer-id P] [--keep-going]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("start", pflag.ContinueOnError)
			global.register(flagSet)
			selectionFlags(flagSet, &serviceName, &peerID)
			flagSet.BoolVar(&keepGoing, "keep-going", false, "continue with the remaining instances after a failure")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			sel, err := orchestrator.NewSelection(serviceName, peerID)
			if err != nil {
				return err
			}
			a, err := global.load(stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator(orchestratorOptions{keepGoing: keepGoing})
			if err != nil {
				return err
			}
			return a.invoke(ctx, orch, func(ctx context.Context, reg *registry.Registry) error {
				return orch.Start(ctx, reg, sel)
			})
		},
	}
}

func stopCommand() *Command {
	var (
		global      globalFlags
		serviceName string
		peerID      string
		keepGoing   bool
	)
	return &Command{
		Name:    "stop",
		Summary: "Stop running instances",
		Usage:   "nodefleet stop [--service-name S | --peer-id P] [--keep-going]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stop", pflag.ContinueOnError)
			global.register(flagSet)
			selectionFlags(flagSet, &serviceName, &peerID)
			flagSet.BoolVar(&keepGoing, "keep-going", false, "continue with the remaining instances after a failure")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			sel, err := orchestrator.NewSelection(serviceName, peerID)
			if err != nil {
				return err
			}
			a, err := global.load(stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator(orchestratorOptions{keepGoing: keepGoing})
			if err != nil {
				return err
			}
			return a.invoke(ctx, orch, func(ctx context.Context, reg *registry.Registry) error {
				return orch.Stop(ctx, reg, sel)
			})
		},
	}
}

func removeCommand() *Command {
	var (
		global          globalFlags
		serviceName     string
		peerID          string
		keepDirectories bool
	)
	return &Command{
		Name:    "remove",
		Summary: "Stop and uninstall an instance, keeping its name and port reserved",
		Usage:   "nodefleet remove (--service-name S | --peer-id P) [--keep-directories]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			global.register(flagSet)
			selectionFlags(flagSet, &serviceName, &peerID)
			flagSet.BoolVar(&keepDirectories, "keep-directories", false, "leave the data and log directories on disk")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			sel, err := orchestrator.NewSelection(serviceName, peerID)
			if err != nil {
				return err
			}
			if err := requireRoot("remove"); err != nil {
				return err
			}
			a, err := global.load(stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator(orchestratorOptions{})
			if err != nil {
				return err
			}
			return a.invoke(ctx, orch, func(ctx context.Context, reg *registry.Registry) error {
				return orch.Remove(ctx, reg, sel, orchestrator.RemoveOptions{KeepDirectories: keepDirectories})
			})
		},
	}
}

func statusCommand() *Command {
	var (
		global globalFlags
		plain  bool
	)
	return &Command{
		Name:    "status",
		Summary: "Show registered instances and their live service state",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			global.register(flagSet)
			flagSet.BoolVar(&plain, "plain", false, "print tab-separated rows without styling")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			a, err := global.load(stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			// Status only reads: no Invoke, so the registry is never rewritten.
			reg, err := registry.Load(a.cfg.Paths.Registry)
			if err != nil {
				return err
			}
			orch, err := a.orchestrator(orchestratorOptions{readOnly: true})
			if err != nil {
				return err
			}
			statuses := orch.Status(ctx, reg)
			if plain {
				writePlainStatus(stdout, statuses)
			} else {
				fmt.Fprintln(stdout, renderStatus(statuses))
			}
			return nil
		},
	}
}

func historyCommand() *Command {
	var (
		global      globalFlags
		serviceName string
		limit       int
	)
	return &Command{
		Name:    "history",
		Summary: "Show recent lifecycle events from the audit trail",
		Usage:   "nodefleet history [--service-name S] [--limit N]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("history", pflag.ContinueOnError)
			global.register(flagSet)
			flagSet.StringVar(&serviceName, "service-name", "", "only show events for this instance")
			flagSet.IntVar(&limit, "limit", 50, "maximum number of events to show")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}
			a, err := global.load(stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			path := a.cfg.Paths.AuditDB
			if path == "" {
				return fmt.Errorf("the audit trail is disabled (paths.audit_db is empty)")
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no audit trail at %s: %w", path, err)
			}
			auditLog := a.openAudit()
			if auditLog == nil {
				return fmt.Errorf("could not open audit trail at %s", path)
			}

			var events []audit.LifecycleEvent
			if serviceName != "" {
				events, err = auditLog.GetEventsByService(serviceName, limit)
			} else {
				events, err = auditLog.GetRecentEvents(limit)
			}
			if err != nil {
				return fmt.Errorf("failed to read audit trail: %w", err)
			}
			writeHistory(stdout, events)
			return nil
		},
	}
}

func versionCommand(w io.Writer) *Command {
	return &Command{
		Name:    "version",
		Summary: "Print the nodefleet version",
		Run: func(ctx context.Context, args []string) error {
			fmt.Fprintf(w, "nodefleet %s\n", version)
			return nil
		},
	}
}
