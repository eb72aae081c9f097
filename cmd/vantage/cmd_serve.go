package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/fleetlab/vantage/agent"
	"github.com/fleetlab/vantage/transport"
)

type cmdServe struct {
	Agent       agent.Config `group:"Agent" namespace:"agent"`
	VehicleName string       `long:"vehicle-name" default:"dev-vehicle" description:"Vehicle name used to derive topics"`
	MaxSendSize int          `long:"max-send-size" default:"131072" description:"Maximum payload size of the loopback transport"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd *cmdServe) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	var topics = transport.NewTopicConfig(cmd.VehicleName, transport.TopicConfigArgs{})
	var loopback = transport.NewLoopback(topics, cmd.MaxSendSize)

	var a, err = agent.New(cmd.Agent, agent.Deps{
		Transport: loopback,
		Receiver:  loopback,
	})
	mbp.Must(err, "failed to assemble agent")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var tasks = task.NewGroup(ctx)
	mbp.Must(a.QueueTasks(tasks), "failed to queue agent tasks")

	log.WithFields(log.Fields{
		"persistency": cmd.Agent.PersistencyPath,
		"vehicle":     cmd.VehicleName,
	}).Info("serving telemetry agent")

	tasks.GoRun()
	if err = tasks.Wait(); err != nil {
		mbp.Must(err, "agent task failed")
	}
	return nil
}
