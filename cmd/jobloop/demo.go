package main

import (
	"path/filepath"

	"jobloop/internal/job"
	"jobloop/internal/registry"
	"jobloop/internal/scheduler"
	"jobloop/internal/units"
)

// scheduleDemo builds a small graph: print, then a directory lifecycle where
// each step depends on the previous one. Only the print job and the last
// step are scheduled; the rest is admitted through dependencies.
func scheduleDemo(s *scheduler.Scheduler, reg *registry.Registry, workdir string) error {
	dir := filepath.Join(workdir, "test")
	file := filepath.Join(dir, "test.txt")

	hello, err := reg.NewJob(units.PrintSomething, job.NewArgs(1))
	if err != nil {
		return err
	}
	mkdir, err := reg.NewJob(units.CreateDirectory, job.NewArgs(dir), job.Tries(3))
	if err != nil {
		return err
	}
	write, err := reg.NewJob(units.CreateAndWrite, job.NewArgs(file, "test"), job.DependsOn(mkdir))
	if err != nil {
		return err
	}
	rm, err := reg.NewJob(units.DeleteFile, job.NewArgs(file), job.DependsOn(write))
	if err != nil {
		return err
	}
	rmdir, err := reg.NewJob(units.DeleteDirectory, job.NewArgs(dir), job.DependsOn(rm))
	if err != nil {
		return err
	}

	s.Add(hello, mkdir, write, rm, rmdir)
	if err := s.Schedule(hello); err != nil {
		return err
	}
	return s.Schedule(rmdir)
}
