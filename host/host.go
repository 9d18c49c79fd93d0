// Package host implements the host-provided imports every extension gets
// for free: misc.print, misc.time, misc.rand, filesystem.read-file,
// command.execute, and component.invoke. Each is a small *Host-style struct
// with a Namespace method, styled after the wasi/preview2 host packages —
// one struct per interface, exported Go methods the runtime's binder turns
// into kebab-case host imports.
package host

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/icp-tools/corectl/bridge"
)

// MiscHost implements misc.print, misc.time, and misc.rand.
type MiscHost struct {
	stdout func(string)
}

// NewMiscHost returns a MiscHost. stdout receives everything printed by an
// extension; pass nil to default to os.Stdout.
func NewMiscHost(stdout func(string)) *MiscHost {
	if stdout == nil {
		stdout = func(s string) { fmt.Fprint(os.Stdout, s) }
	}
	return &MiscHost{stdout: stdout}
}

func (h *MiscHost) Namespace() string { return "misc" }

// Print writes msg to the configured sink with no added newline, mirroring
// a bare print rather than println.
func (h *MiscHost) Print(_ context.Context, msg string) {
	h.stdout(msg)
}

// TimeNowUnixMillis returns the current wall-clock time as milliseconds
// since the Unix epoch.
func (h *MiscHost) TimeNowUnixMillis(_ context.Context) uint64 {
	return uint64(time.Now().UnixMilli())
}

// Rand returns n cryptographically random bytes. Call sites that need
// determinism in tests supply a fixed-output reader in place of this host.
func (h *MiscHost) Rand(_ context.Context, n uint32) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil
	}
	return buf
}

// RandU64 returns a single random uint64, for callers that don't need a
// byte slice.
func (h *MiscHost) RandU64(_ context.Context) uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// FilesystemHost implements filesystem.read-file. It is deliberately
// read-only: extensions have no write access to the host filesystem.
type FilesystemHost struct {
	// Root, if non-empty, confines reads to paths under it.
	Root string
}

// NewFilesystemHost returns a FilesystemHost rooted at root. An empty root
// leaves paths unconfined.
func NewFilesystemHost(root string) *FilesystemHost {
	return &FilesystemHost{Root: root}
}

func (h *FilesystemHost) Namespace() string { return "filesystem" }

// ReadFile returns the contents of path, or an error string (never a Go
// error) since this crosses into the guest as a WIT result<list<u8>, string>.
func (h *FilesystemHost) ReadFile(_ context.Context, path string) ([]byte, string) {
	resolved := path
	if h.Root != "" {
		resolved = h.Root + string(os.PathSeparator) + path
	}
	bs, err := os.ReadFile(resolved)
	if err != nil {
		return nil, err.Error()
	}
	return bs, ""
}

// CommandHost implements command.execute.
type CommandHost struct {
	// Allowed, if non-nil, restricts which program names may be executed.
	Allowed map[string]bool
}

// NewCommandHost returns a CommandHost. A nil allowed-set permits any
// program on PATH; callers wiring this into a real process should always
// supply an explicit allow-list.
func NewCommandHost(allowed map[string]bool) *CommandHost {
	return &CommandHost{Allowed: allowed}
}

func (h *CommandHost) Namespace() string { return "command" }

// Execute runs name with args and returns (exit-code, stdout, stderr,
// error-string). A non-empty error string means the command never ran
// (not found, not allowed); a command that ran and failed is reported via
// exit code, with stderr carrying whatever the process wrote.
func (h *CommandHost) Execute(ctx context.Context, name string, args []string) (int32, []byte, []byte, string) {
	if h.Allowed != nil && !h.Allowed[name] {
		return -1, nil, nil, fmt.Sprintf("command %q is not in the allow-list", name)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return 0, stdout.Bytes(), stderr.Bytes(), ""
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return int32(exitErr.ExitCode()), stdout.Bytes(), stderr.Bytes(), ""
	}
	return -1, nil, nil, err.Error()
}

// InvokeHost implements component.invoke: the host import that backs the
// invocation bridge (C6), letting an extension call another extension's
// exported library function by name with no compile-time binding.
type InvokeHost struct {
	bridge *bridge.Bridge
}

// NewInvokeHost returns an InvokeHost backed by b.
func NewInvokeHost(b *bridge.Bridge) *InvokeHost {
	return &InvokeHost{bridge: b}
}

func (h *InvokeHost) Namespace() string { return "component" }

// Invoke forwards to the bridge. See bridge.Bridge.Invoke for the three-way
// return's meaning.
func (h *InvokeHost) Invoke(ctx context.Context, iface, function string, paramsBytes []byte, paramArity uint32) ([]byte, string, error) {
	return h.bridge.Invoke(ctx, iface, function, paramsBytes, int(paramArity))
}
