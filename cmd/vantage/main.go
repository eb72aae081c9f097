package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "vantage.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Serve the telemetry agent", `
Serve the telemetry agent until signaled to exit (via SIGTERM).

This development mode wires the agent core to an in-process loopback
transport. Production deployments embed the agent library and supply a real
MQTT (or equivalent) transport instead.
`, &cmdServe{})

	addCmd(parser, "simulate", "Replay a sample scenario through a local agent", `
Run a local agent with a built-in decoder manifest and collection scheme,
push synthetic speed samples through it, and print the resulting uploads.
Useful for exercising a build without vehicle hardware.
`, &cmdSimulate{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add command")
	return cmd
}
