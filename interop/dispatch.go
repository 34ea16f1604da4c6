package interop

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Process exit codes consumed by the interop harness.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitTimeout     = 124
	ExitUnsupported = 127
)

// Engine runs one QUIC endpoint in the requested role. StartClient returns
// once all requests completed or the context is cancelled; StartServer
// serves until the context is cancelled and returns nil on a clean,
// cancellation-driven shutdown.
type Engine interface {
	StartClient(ctx context.Context, cfg *EndpointConfig) error
	StartServer(ctx context.Context, cfg *EndpointConfig) error
}

// RunResult is the outcome of one engine invocation. It is created once
// per container run and not modified afterwards.
type RunResult struct {
	ExitCode    int
	TimedOut    bool
	Unsupported bool
}

// Dispatcher translates one resolved EndpointConfig into exactly one engine
// invocation and a single exit status. There are no retries: the harness
// re-runs the whole container if it wants another attempt.
type Dispatcher struct {
	Engine Engine

	// Timeout bounds client-role runs. Server-role runs are unbounded and
	// end on a termination signal.
	Timeout time.Duration
	// Grace is how long a cancelled engine gets to return before the
	// dispatcher abandons it and reports anyway.
	Grace time.Duration

	// sig delivers termination signals in server role. Left nil, Run
	// subscribes to SIGTERM/SIGINT itself; tests inject their own channel.
	sig chan os.Signal
}

// NewDispatcher returns a Dispatcher with the default deadlines.
func NewDispatcher(engine Engine) *Dispatcher {
	return &Dispatcher{
		Engine:  engine,
		Timeout: defaultTimeout,
		Grace:   5 * time.Second,
	}
}

// Run drives the state machine for one container run:
// ConfigResolved -> Unsupported, or Running -> Completed | TimedOut | Crashed.
func (d *Dispatcher) Run(cfg *EndpointConfig) RunResult {
	if !IsSupported(cfg.TestCase, cfg.Role) {
		log.WithFields(log.Fields{
			"testcase": cfg.TestCase,
			"role":     cfg.Role,
		}).Info("test case not supported")
		return RunResult{ExitCode: ExitUnsupported, Unsupported: true}
	}

	if cfg.Role == RoleServer {
		return d.runServer(cfg)
	}
	return d.runClient(cfg)
}

func (d *Dispatcher) runClient(cfg *EndpointConfig) RunResult {
	timeout := d.Timeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- d.Engine.StartClient(ctx, cfg)
	}()

	select {
	case err := <-errc:
		if err == nil {
			return RunResult{ExitCode: ExitSuccess}
		}
		// The engine may report the expired deadline itself before the
		// ctx.Done branch is chosen. That is still a timeout, not an
		// engine failure.
		if ctx.Err() != nil {
			log.WithField("timeout", timeout).Error("client run exceeded deadline")
			return RunResult{ExitCode: ExitTimeout, TimedOut: true}
		}
		log.WithField("error", err).Error("client run failed")
		return RunResult{ExitCode: ExitFailure}
	case <-ctx.Done():
		// Deadline hit. The context cancellation tells the engine to stop;
		// if it does not come back within the grace period the process
		// exit below is the forced kill.
		select {
		case <-errc:
		case <-time.After(d.Grace):
			log.Warn("engine did not stop within grace period")
		}
		log.WithField("timeout", timeout).Error("client run exceeded deadline")
		return RunResult{ExitCode: ExitTimeout, TimedOut: true}
	}
}

func (d *Dispatcher) runServer(cfg *EndpointConfig) RunResult {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := d.sig
	if sig == nil {
		sig = make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sig)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- d.Engine.StartServer(ctx, cfg)
	}()

	select {
	case s := <-sig:
		// Expected shutdown: the harness stops the server container once
		// the client's run is over.
		log.WithField("signal", s).Info("shutting down")
		cancel()
		select {
		case <-errc:
		case <-time.After(d.Grace):
			log.Warn("engine did not stop within grace period")
		}
		return RunResult{ExitCode: ExitSuccess}
	case err := <-errc:
		if err != nil {
			log.WithField("error", err).Error("server crashed")
			return RunResult{ExitCode: ExitFailure}
		}
		return RunResult{ExitCode: ExitSuccess}
	}
}
