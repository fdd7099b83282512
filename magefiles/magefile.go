//go:build mage

// Package main provides build targets for depot using Mage.
//
// Usage:
//
//	mage build          Compile the depot binary to bin/
//	mage test:all       Run every test, Postgres included when a runtime is up
//	mage test:unit      Run tests in -short mode
//	mage test:postgres  Run the Postgres remote tests in a container
//	mage lint           Run golangci-lint
//	mage clean          Remove build artifacts
//	mage install        Install depot to GOPATH/bin
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "depot"
	binaryDir  = "bin"
	cmdDir     = "./cmd/depot"
	versionVar = "main.version"
)

// ldflags stamps the binary with the current git description.
func ldflags() string {
	v, err := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if err != nil || v == "" {
		v = "dev"
	}
	return "-X " + versionVar + "=" + v
}

// Build compiles the depot binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	return sh.RunV(binGo, "build", "-v", "-ldflags", ldflags(), "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}
