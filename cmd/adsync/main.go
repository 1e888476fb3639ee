// Command adsync syncs StackAdapt ad insights into a warehouse, once from the
// command line or on demand over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adsync/internal/metrics"
	"adsync/internal/metrics/datadog"
	"adsync/internal/pipeline"
	"adsync/internal/server"
	"adsync/internal/stackadapt"
	"adsync/internal/warehouse"

	// register all backends with the warehouse factory.
	_ "adsync/internal/warehouse/all"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	NewAPI         func(apiKey string, opts stackadapt.Options) (pipeline.API, error)
	OpenWarehouse  func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error)
	Serve          func(ctx context.Context, srv *server.Server, addr string) error
	Now            func() time.Time
}

func defaultDeps() deps {
	return deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{JobName: jobName, Tags: tags, FlushEvery: flushEvery})
		},
		NewAPI: func(apiKey string, opts stackadapt.Options) (pipeline.API, error) {
			return stackadapt.NewClient(apiKey, opts)
		},
		OpenWarehouse: warehouse.New,
		Serve: func(ctx context.Context, srv *server.Server, addr string) error {
			return srv.ListenAndServe(ctx, addr)
		},
		Now: time.Now,
	}
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error  { return &exitError{code: exitConfig, err: err} }
func runtimeErr(err error) error { return &exitError{code: exitRuntime, err: err} }

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, d deps) int {
	cmd := newRootCmd(d)
	cmd.SetArgs(args)
	cmd.SetOut(d.Stdout)
	cmd.SetErr(d.Stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(d.Stderr, "error:", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// cobra usage errors (unknown flag, bad args) are configuration errors.
	return exitConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], defaultDeps())
	stop()
	os.Exit(code)
}
