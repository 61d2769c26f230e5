/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package launcher starts and stops mongod and mongos server processes.
package launcher

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/couchbaselabs/fsmcluster/pkg/metrics"
	"github.com/couchbaselabs/fsmcluster/utils/netutils"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	DefaultStartupTimeout = 2 * time.Minute
	DefaultStopTimeout    = 30 * time.Second

	dialTimeout = time.Second
)

var ErrProcessExited = errors.New("process exited")

type Options struct {
	Logger *zap.Logger

	// Name identifies the process in logs, e.g. "shard0-rs-1".
	Name   string
	Binary string

	BindIP string
	Port   int

	Verbosity     int
	SetParameters map[string]interface{}

	// Args are rendered as --key value.  --port and --bind_ip are added
	// from the fields above.
	Args map[string]string

	StartupTimeout time.Duration
	StopTimeout    time.Duration
}

type Process struct {
	logger      *zap.Logger
	name        string
	binary      string
	host        string
	stopTimeout time.Duration

	cmd      *exec.Cmd
	outputWg sync.WaitGroup
	exitCh   chan struct{}
	exitErr  error
}

// Start launches the process and waits for it to accept connections.
// The process is killed if it does not become reachable within the
// startup timeout.
func Start(ctx context.Context, opts Options) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("process", opts.Name), zap.Int("port", opts.Port))

	if opts.Binary == "" {
		return nil, errors.New("binary path must be specified")
	}

	startupTimeout := opts.StartupTimeout
	if startupTimeout == 0 {
		startupTimeout = DefaultStartupTimeout
	}

	stopTimeout := opts.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = DefaultStopTimeout
	}

	advertiseHost, err := netutils.GetAdvertiseAddress(opts.BindIP)
	if err != nil {
		return nil, errors.Wrap(err, "failed to determine advertise address")
	}

	serverArgs := make(map[string]string, len(opts.Args)+2)
	for key, value := range opts.Args {
		serverArgs[key] = value
	}
	serverArgs["port"] = strconv.Itoa(opts.Port)
	if opts.BindIP != "" {
		serverArgs["bind_ip"] = opts.BindIP
	}

	args := BuildArgs(opts.Verbosity, opts.SetParameters, serverArgs)

	p := &Process{
		logger:      logger,
		name:        opts.Name,
		binary:      opts.Binary,
		host:        net.JoinHostPort(advertiseHost, strconv.Itoa(opts.Port)),
		stopTimeout: stopTimeout,
		exitCh:      make(chan struct{}),
	}

	err = p.start(args)
	if err != nil {
		return nil, err
	}

	err = p.waitForPort(ctx, startupTimeout)
	if err != nil {
		_ = p.Stop(context.Background())
		return nil, err
	}

	logger.Info("process ready", zap.String("host", p.host))

	return p, nil
}

func (p *Process) start(args []string) error {
	cmd := exec.Command(p.binary, args...)
	p.logger.Info("starting process", zap.String("command", p.binary+" "+strings.Join(args, " ")))

	stdOut, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to attach stdout")
	}

	stdErr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to attach stderr")
	}

	err = cmd.Start()
	if err != nil {
		return errors.Wrapf(err, "failed to start %s", p.binary)
	}
	p.cmd = cmd

	p.outputWg.Add(2)
	go p.forwardOutput(stdOut, "stdout")
	go p.forwardOutput(stdErr, "stderr")

	fsmMetrics := metrics.GetFsmMetrics()
	binaryAttr := metric.WithAttributes(attribute.String("binary", binaryName(p.binary)))
	fsmMetrics.ProcessesStarted.Add(context.Background(), 1, binaryAttr)
	fsmMetrics.LiveProcesses.Add(context.Background(), 1, binaryAttr)

	go func() {
		// output has to be drained before Wait closes the pipes
		p.outputWg.Wait()
		p.exitErr = cmd.Wait()

		fsmMetrics.LiveProcesses.Add(context.Background(), -1, binaryAttr)
		p.logger.Debug("process exited", zap.Error(p.exitErr))

		close(p.exitCh)
	}()

	return nil
}

func (p *Process) forwardOutput(rdr io.Reader, stream string) {
	defer p.outputWg.Done()

	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug(scanner.Text(), zap.String("stream", stream))
	}
}

func (p *Process) waitForPort(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		select {
		case <-p.exitCh:
			return backoff.Permanent(errors.Wrapf(ErrProcessExited, "%s exited before accepting connections", p.name))
		default:
		}

		if !netutils.IsAcceptingConnections(p.host, dialTimeout) {
			return errors.Errorf("%s is not accepting connections yet", p.host)
		}

		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return errors.Wrapf(err, "failed waiting for %s to start", p.name)
	}

	return nil
}

func (p *Process) Name() string {
	return p.name
}

// Host is the advertised host:port of the process.
func (p *Process) Host() string {
	return p.host
}

// Stop interrupts the process and kills it if it has not exited after the
// stop timeout.  Stopping an exited process does nothing.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.exitCh:
		return nil
	default:
	}

	p.logger.Info("stopping process")

	err := p.cmd.Process.Signal(os.Interrupt)
	if err != nil {
		p.logger.Debug("failed to interrupt process", zap.Error(err))
	}

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()

	select {
	case <-p.exitCh:
		return nil
	case <-timer.C:
		p.logger.Warn("process did not exit in time, killing it")
	case <-ctx.Done():
		p.logger.Warn("stop cancelled, killing process", zap.Error(ctx.Err()))
	}

	err = p.cmd.Process.Kill()
	if err != nil {
		return errors.Wrapf(err, "failed to kill %s", p.name)
	}

	<-p.exitCh

	return nil
}

func binaryName(path string) string {
	idx := strings.LastIndexAny(path, `/\`)
	return path[idx+1:]
}
