//go:build mage

// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Test groups test targets (all, unit, postgres).
type Test mg.Namespace

// pgTestsEnv enables the testcontainers Postgres tests.
const pgTestsEnv = "DEPOT_PG_TESTS"

// containerRuntime returns "podman" or "docker" if a working runtime is
// available, or "" if neither is usable.
func containerRuntime() string {
	for _, name := range []string{"podman", "docker"} {
		if _, err := exec.LookPath(name); err != nil {
			continue
		}
		if exec.Command(name, "info").Run() != nil {
			fmt.Fprintf(os.Stderr, "WARNING: %s found on PATH but not usable (is the daemon/machine running?)\n", name)
			continue
		}
		return name
	}
	return ""
}

// All runs every test. The Postgres tests join in when a container runtime
// is available.
func (Test) All() error {
	env := map[string]string{}
	if containerRuntime() != "" {
		env[pgTestsEnv] = "1"
	}
	return sh.RunWithV(env, binGo, "test", "-v", "./...")
}

// Unit runs the tests in -short mode, which skips anything needing a
// container.
func (Test) Unit() error {
	return sh.RunV(binGo, "test", "-short", "./...")
}

// Postgres runs the Postgres remote tests against a throwaway container.
func (Test) Postgres() error {
	if containerRuntime() == "" {
		return fmt.Errorf("no container runtime found (tried podman, docker)")
	}
	return sh.RunWithV(map[string]string{pgTestsEnv: "1"}, binGo, "test", "-v", "./internal/remote/pgremote/...")
}

// Race runs the unit tests with the race detector.
func (Test) Race() error {
	return sh.RunV(binGo, "test", "-short", "-race", "./...")
}
