package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobloop/internal/app"
	"jobloop/internal/units"
	logx "jobloop/pkg/logx"
)

func main() {
	var (
		cfgPath string
		restore bool
		demo    bool
		workdir string
	)
	flag.StringVar(&cfgPath, "config", "./jobloop.yaml", "path to config (json or yaml)")
	flag.BoolVar(&restore, "restore", false, "rebuild the jobs of the last snapshot before starting")
	flag.BoolVar(&demo, "demo", true, "schedule the demo job graph (ignored with -restore)")
	flag.StringVar(&workdir, "workdir", ".", "directory the demo jobs work in")
	flag.Parse()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := (units.Builtins{Out: logx.Stdout(), Log: a.Logger()}).Register(a.Registry()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if demo && !restore {
		if err := scheduleDemo(a.Scheduler(), a.Registry(), workdir); err != nil {
			fmt.Fprintln(os.Stderr, "fatal demo:", err)
			os.Exit(1)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(context.Background(), restore); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Drained():
		reason = app.StopDrained
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	fatal := a.Err()
	if err := a.Stop(ctx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		os.Exit(1)
	}
	if fatal != nil {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
}
