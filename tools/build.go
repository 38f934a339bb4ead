///usr/bin/true; exec /usr/bin/env go run "$0" "$@"

//go:build ignore

// build compiles cmd/aether for the host or a cross target. On darwin/arm64
// the binary is ad-hoc signed with the hypervisor entitlement, without which
// Hypervisor.framework refuses to create a VM.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const PACKAGE_NAME = "github.com/tinyrange/aether"

const entitlements = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>com.apple.security.hypervisor</key>
	<true/>
</dict>
</plist>
`

type crossBuild struct {
	GOOS   string
	GOARCH string
}

func (cb crossBuild) IsNative() bool {
	return cb.GOOS == runtime.GOOS && cb.GOARCH == runtime.GOARCH
}

func (cb crossBuild) OutputName(name string) string {
	if cb.GOOS == "windows" {
		name += ".exe"
	}
	if cb.IsNative() {
		return name
	}
	return fmt.Sprintf("%s_%s_%s", name, cb.GOOS, cb.GOARCH)
}

func getVersionFromGit() string {
	if ref := os.Getenv("GITHUB_REF_NAME"); ref != "" && strings.HasPrefix(ref, "v") {
		return ref
	}

	out, err := exec.Command("git", "describe", "--tags", "--always").Output()
	if err == nil {
		if version := strings.TrimSpace(string(out)); version != "" {
			return version
		}
	}
	return "dev"
}

func goBuild(cb crossBuild, outDir string, race bool) (string, error) {
	output := filepath.Join(outDir, cb.OutputName("aether"))

	args := []string{"build", "-o", output}
	if race {
		args = append(args, "-race")
	}
	args = append(args, fmt.Sprintf("-ldflags=-X %s/cmd/aether/cmd.Version=%s", PACKAGE_NAME, getVersionFromGit()))
	args = append(args, "./cmd/aether")

	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(), "GOOS="+cb.GOOS, "GOARCH="+cb.GOARCH, "CGO_ENABLED=0")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("go build failed: %w", err)
	}

	if cb.GOOS == "darwin" && cb.GOARCH == "arm64" {
		if err := codesign(output); err != nil {
			return "", err
		}
	}
	return output, nil
}

// codesign only works on a macOS host. Cross builds from elsewhere are left
// unsigned and must be signed before they can use the hypervisor.
func codesign(binary string) error {
	if runtime.GOOS != "darwin" {
		fmt.Fprintf(os.Stderr, "warning: %s is unsigned; sign it on macOS with the hypervisor entitlement\n", binary)
		return nil
	}

	f, err := os.CreateTemp("", "aether-*.entitlements")
	if err != nil {
		return fmt.Errorf("create entitlements: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(entitlements); err != nil {
		f.Close()
		return fmt.Errorf("write entitlements: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write entitlements: %w", err)
	}

	cmd := exec.Command("codesign", "--force", "--sign", "-", "--entitlements", f.Name(), binary)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to codesign output: %w", err)
	}
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	goos := fs.String("os", runtime.GOOS, "target GOOS")
	goarch := fs.String("arch", runtime.GOARCH, "target GOARCH")
	outDir := fs.String("o", "build", "output directory")
	race := fs.Bool("race", false, "build with the race detector")
	run := fs.Bool("run", false, "run the binary after building, passing the remaining arguments")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cb := crossBuild{GOOS: *goos, GOARCH: *goarch}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	output, err := goBuild(cb, *outDir, *race)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "built %s\n", output)

	if !*run {
		return
	}
	if !cb.IsNative() {
		fmt.Fprintf(os.Stderr, "cannot run a %s/%s binary on this host\n", cb.GOOS, cb.GOARCH)
		os.Exit(1)
	}

	cmd := exec.Command(output, fs.Args()...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			os.Exit(exit.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
