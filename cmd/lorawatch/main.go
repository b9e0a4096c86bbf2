package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/lorawatch/cmd/lorawatch/adapter"
	"github.com/temoto/lorawatch/cmd/lorawatch/broker"
	"github.com/temoto/lorawatch/cmd/lorawatch/console"
	"github.com/temoto/lorawatch/cmd/lorawatch/gateway"
	"github.com/temoto/lorawatch/cmd/lorawatch/sender"
	"github.com/temoto/lorawatch/cmd/lorawatch/subcmd"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	gateway.Mod,
	sender.Mod,
	adapter.Mod,
	broker.Mod,
	console.Mod,
}

func main() {
	flagset := flag.NewFlagSet("lorawatch", flag.ContinueOnError)
	flagConfig := flagset.String("config", "lorawatch.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: lorawatch [options] command\n\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(flagset.Output(), "\nOptions:\n")
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		log.Errorf("%v, available: %s", err, moduleNames())
		flagset.Usage()
		os.Exit(2)
	}

	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	if err := config.Validate(); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	g := state.NewGlobal(log)
	g.BuildVersion = BuildVersion
	ctx, cancel := g.Context(context.Background())
	defer cancel()

	if err := mod.Main(ctx, config); err != nil && errors.Cause(err) != context.Canceled {
		g.Fatal(err, "command=%s", mod.Name)
	}
}

func moduleNames() string {
	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name
	}
	return strings.Join(names, ",")
}
