//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Variables
const (
	binaryDir = "bin"
	goFlags   = "-v"
	ldFlags   = "-s -w"
)

var binaries = map[string]string{
	"authgate":        "./cmd/authgate",
	"authgate-config": "./cmd/authgate-config",
}

// All builds everything after running the checks.
func All() {
	mg.SerialDeps(Vet, Test, Build)
}

// ============================================================================
// Build targets
// ============================================================================

// Build builds the service and the config tool.
func Build() error {
	mg.Deps(BuildService, BuildConfigTool)
	return nil
}

// BuildService builds the authgate service.
func BuildService() error {
	return build("authgate")
}

// BuildConfigTool builds the authgate-config tool.
func BuildConfigTool() error {
	return build("authgate-config")
}

func build(name string) error {
	fmt.Printf("Building %s...\n", name)
	if err := os.MkdirAll(binaryDir, 0755); err != nil {
		return err
	}
	ld := ldFlags
	if v := os.Getenv("VERSION"); v != "" {
		ld += " -X main.buildVersion=" + v
	}
	return sh.Run("go", "build", goFlags, "-ldflags", ld, "-o", filepath.Join(binaryDir, name), binaries[name])
}

// ============================================================================
// Development targets
// ============================================================================

// Run runs the service locally with an in-memory store.
func Run() error {
	env := map[string]string{
		"AUTHGATE_ENVIRONMENT":         "development",
		"AUTHGATE_DATABASE_DRIVER":     "memory",
		"AUTHGATE_HTTP_COOKIES_SECURE": "false",
	}
	return sh.RunWith(env, "go", "run", binaries["authgate"])
}

// CheckConfig validates the local configuration.
func CheckConfig() error {
	return sh.RunV("go", "run", binaries["authgate-config"], "check")
}

// ============================================================================
// Testing
// ============================================================================

// Test runs all tests.
func Test() error {
	return sh.Run("go", "test", "-v", "-race", "-cover", "./...")
}

// TestUnit runs unit tests only.
func TestUnit() error {
	return sh.Run("go", "test", "-v", "-race", "-cover", "-short", "./...")
}

// TestCoverage generates test coverage report.
func TestCoverage() error {
	if err := sh.Run("go", "test", "-v", "-race", "-coverprofile=coverage.out", "./..."); err != nil {
		return err
	}
	if err := sh.Run("go", "tool", "cover", "-html=coverage.out", "-o", "coverage.html"); err != nil {
		return err
	}
	fmt.Println("Coverage report generated: coverage.html")
	return nil
}

// Bench runs benchmarks.
func Bench() error {
	return sh.Run("go", "test", "-bench=.", "-benchmem", "./...")
}

// ============================================================================
// Code quality
// ============================================================================

// Lint runs the linter.
func Lint() error {
	return sh.Run("golangci-lint", "run", "./...")
}

// Fmt formats code.
func Fmt() error {
	if err := sh.Run("go", "fmt", "./..."); err != nil {
		return err
	}
	return sh.Run("gofumpt", "-l", "-w", ".")
}

// Vet runs go vet.
func Vet() error {
	return sh.Run("go", "vet", "./...")
}

// Tidy tidies and verifies go modules.
func Tidy() error {
	if err := sh.Run("go", "mod", "tidy"); err != nil {
		return err
	}
	return sh.Run("go", "mod", "verify")
}

// ============================================================================
// Security
// ============================================================================

// GenerateKeys generates an RSA key pair for RS256 token signing.
func GenerateKeys() error {
	fmt.Println("Generating RSA key pair...")
	if err := os.MkdirAll("keys", 0755); err != nil {
		return err
	}
	if err := sh.Run("openssl", "genrsa", "-out", "keys/private.pem", "4096"); err != nil {
		return err
	}
	if err := sh.Run("openssl", "rsa", "-in", "keys/private.pem", "-pubout", "-out", "keys/public.pem"); err != nil {
		return err
	}
	if err := os.Chmod("keys/private.pem", 0600); err != nil {
		return err
	}
	fmt.Println("Keys generated in ./keys directory")
	return nil
}

// SecurityScan runs security scanner.
func SecurityScan() error {
	return sh.Run("gosec", "./...")
}

// ============================================================================
// Cleanup
// ============================================================================

// Clean cleans build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	_ = os.Remove("coverage.out")
	_ = os.Remove("coverage.html")
	return nil
}

// ============================================================================
// Installation
// ============================================================================

// InstallTools installs development tools.
func InstallTools() error {
	fmt.Println("Installing development tools...")
	tools := []string{
		"github.com/golangci/golangci-lint/cmd/golangci-lint@latest",
		"mvdan.cc/gofumpt@latest",
		"github.com/securego/gosec/v2/cmd/gosec@latest",
	}
	for _, tool := range tools {
		if err := sh.Run("go", "install", tool); err != nil {
			return err
		}
	}
	return nil
}

// Deps downloads dependencies.
func Deps() error {
	return sh.Run("go", "mod", "download")
}
