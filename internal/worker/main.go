package worker

import (
	"context"
	"fmt"
	"os"

	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
	"shardfleet/internal/script"
)

// File descriptors the coordinator passes the IPC pipes on.
const (
	ParentReadFD  = 3
	ParentWriteFD = 4
)

func ParamsFromEnv() (ipc.Params, error) {
	return ipc.ParamsFromEnv()
}

// OpenParentLink connects to the coordinator over the inherited pipes.
func OpenParentLink() (*ipc.Link, error) {
	in := os.NewFile(ParentReadFD, "shardfleet-ipc-in")
	out := os.NewFile(ParentWriteFD, "shardfleet-ipc-out")
	if in == nil || out == nil {
		return nil, fmt.Errorf("ipc descriptors %d and %d are not open", ParentReadFD, ParentWriteFD)
	}
	if _, err := in.Stat(); err != nil {
		return nil, fmt.Errorf("ipc descriptor %d: %w", ParentReadFD, err)
	}
	if _, err := out.Stat(); err != nil {
		return nil, fmt.Errorf("ipc descriptor %d: %w", ParentWriteFD, err)
	}
	return ipc.NewLink(in, out), nil
}

// ClientFactory builds the hosted client once startup parameters are known.
type ClientFactory func(params ipc.Params) (Client, error)

// Main is the body of a worker binary: it reads startup parameters, connects
// to the coordinator, and runs until ctx is cancelled or the link closes.
// register may add named operations to the evaluator.
func Main(ctx context.Context, newClient ClientFactory, logger *logging.Logger, register func(*script.Evaluator)) error {
	params, err := ParamsFromEnv()
	if err != nil {
		return err
	}
	link, err := OpenParentLink()
	if err != nil {
		return err
	}
	client, err := newClient(params)
	if err != nil {
		_ = link.Close()
		return fmt.Errorf("create client: %w", err)
	}
	evaluator, err := script.NewEvaluator()
	if err != nil {
		_ = link.Close()
		return err
	}
	if register != nil {
		register(evaluator)
	}
	util, err := New(Options{
		Link:      link,
		Params:    params,
		Client:    client,
		Evaluator: evaluator,
		Logger:    logger,
	})
	if err != nil {
		_ = link.Close()
		return err
	}
	return util.Run(ctx)
}
