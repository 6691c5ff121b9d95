// Package supervisor keeps exactly one compatible mirroring agent running
// on each device: it finds agent processes, replaces stale builds, pushes
// the agent jar and spawns it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/adb"
	"github.com/avaropoint/devmirror/internal/clock"
	"github.com/avaropoint/devmirror/internal/version"
)

// ErrAgentStartFailed is returned when a spawned agent never shows up in
// the process list.
var ErrAgentStartFailed = errors.New("agent start failed")

// Config describes the agent build and how to launch it.
type Config struct {
	Launcher  string
	Package   string
	Version   string
	LocalJar  string
	RemoteJar string
	Port      int

	// Attempts bounds the wait for a spawned agent. Attempt n waits
	// BaseDelay + n*StepDelay before looking again.
	Attempts  int
	BaseDelay time.Duration
	StepDelay time.Duration
}

// DefaultConfig returns the settings for the bundled agent build.
func DefaultConfig() Config {
	return Config{
		Launcher:  "app_process",
		Package:   "com.genymobile.scrcpy.Server",
		Version:   "1.19-ws6",
		LocalJar:  "assets/scrcpy-server.jar",
		RemoteJar: "/data/local/tmp/scrcpy-server.jar",
		Port:      8886,
		Attempts:  5,
		BaseDelay: 3000 * time.Millisecond,
		StepDelay: 100 * time.Millisecond,
	}
}

// Process is one agent process found on a device.
type Process struct {
	PID     int
	Args    []string
	Version version.AgentVersion
}

// AgentProcess is the result of one lifecycle pass. It is a snapshot and
// must not be cached: the device can change between queries.
type AgentProcess struct {
	UDID       string `json:"udid"`
	PIDs       []int  `json:"pids"`
	Version    string `json:"version"`
	Compatible bool   `json:"compatible"`
}

// PID returns the first pid, or -1 when no agent runs.
func (a *AgentProcess) PID() int {
	if a == nil || len(a.PIDs) == 0 {
		return -1
	}
	return a.PIDs[0]
}

// Supervisor manages agent processes through a device bridge. Lifecycle
// passes for the same device are serialized; different devices proceed
// independently.
type Supervisor struct {
	bridge  adb.Bridge
	cfg     Config
	desired version.AgentVersion
	clock   clock.Clock
	log     *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Supervisor. A nil clock selects the real one.
func New(bridge adb.Bridge, cfg Config, clk clock.Clock, log *zap.Logger) *Supervisor {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		bridge:  bridge,
		cfg:     cfg,
		desired: version.Parse(cfg.Version),
		clock:   clk,
		log:     log.Named("supervisor"),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Supervisor) lock(serial string) func() {
	s.mu.Lock()
	l, ok := s.locks[serial]
	if !ok {
		l = &sync.Mutex{}
		s.locks[serial] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Processes lists the processes on the device that run our launcher with
// our package, whatever their version.
func (s *Supervisor) Processes(ctx context.Context, serial string) ([]Process, error) {
	out, err := s.bridge.Shell(ctx, serial, "pidof "+s.cfg.Launcher)
	if err != nil {
		return nil, fmt.Errorf("list %s pids: %w", s.cfg.Launcher, err)
	}

	var procs []Process
	for _, field := range strings.Fields(out) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		cmdline, err := s.bridge.Shell(ctx, serial, fmt.Sprintf("cat /proc/%d/cmdline", pid))
		if err != nil {
			return nil, fmt.Errorf("read cmdline of %d: %w", pid, err)
		}
		args := splitCmdline(cmdline)
		if len(args) < 4 || args[0] != s.cfg.Launcher || args[2] != s.cfg.Package {
			continue
		}
		procs = append(procs, Process{PID: pid, Args: args, Version: version.Parse(args[3])})
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

func splitCmdline(s string) []string {
	s = strings.TrimRight(s, "\x00\r\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// classify splits processes into the accepted running instance, which
// runs exactly the desired version, and the stale builds the desired
// version supersedes. Newer compatible builds and incompatible versions
// are neither accepted nor killed.
func (s *Supervisor) classify(procs []Process) (accepted *AgentProcess, stale []Process) {
	for _, p := range procs {
		switch {
		case p.Version.Equal(s.desired):
			if accepted == nil {
				accepted = &AgentProcess{Version: p.Version.Raw, Compatible: true}
			}
			accepted.PIDs = append(accepted.PIDs, p.PID)
		case !p.Version.IsCompatible():
		case s.desired.GreaterThan(p.Version):
			stale = append(stale, p)
		}
	}
	return accepted, stale
}

// Query reports the running agent without changing anything on the
// device. The result has no PIDs when none runs.
func (s *Supervisor) Query(ctx context.Context, serial string) (*AgentProcess, error) {
	procs, err := s.Processes(ctx, serial)
	if err != nil {
		return nil, err
	}
	accepted, _ := s.classify(procs)
	if accepted == nil {
		return &AgentProcess{UDID: serial}, nil
	}
	accepted.UDID = serial
	return accepted, nil
}

// Ensure makes sure the desired agent runs on the device, killing stale
// builds, pushing the jar and spawning it when needed. It is safe to call
// repeatedly. If the spawned agent does not appear within the attempt
// budget it returns ErrAgentStartFailed and leaves retrying to the
// caller.
func (s *Supervisor) Ensure(ctx context.Context, serial string) (*AgentProcess, error) {
	unlock := s.lock(serial)
	defer unlock()

	log := s.log.With(zap.String("udid", serial))

	procs, err := s.Processes(ctx, serial)
	if err != nil {
		return nil, err
	}
	accepted, stale := s.classify(procs)
	for _, p := range stale {
		log.Info("killing stale agent", zap.Int("pid", p.PID), zap.String("version", p.Version.Raw))
		if _, err := s.bridge.Shell(ctx, serial, fmt.Sprintf("kill %d", p.PID)); err != nil {
			return nil, fmt.Errorf("kill stale agent %d: %w", p.PID, err)
		}
	}
	if accepted != nil {
		accepted.UDID = serial
		return accepted, nil
	}

	if err := s.push(ctx, serial); err != nil {
		return nil, err
	}
	if _, err := s.bridge.Shell(ctx, serial, s.runCommand()); err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}
	log.Info("agent spawned", zap.String("version", s.cfg.Version))

	return s.waitForAgent(ctx, serial)
}

func (s *Supervisor) waitForAgent(ctx context.Context, serial string) (*AgentProcess, error) {
	for attempt := 0; attempt < s.cfg.Attempts; attempt++ {
		delay := s.cfg.BaseDelay + time.Duration(attempt)*s.cfg.StepDelay
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			return nil, err
		}
		procs, err := s.Processes(ctx, serial)
		if err != nil {
			s.log.Debug("agent poll failed", zap.String("udid", serial), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if accepted, _ := s.classify(procs); accepted != nil {
			accepted.UDID = serial
			return accepted, nil
		}
	}
	return nil, fmt.Errorf("%w: %s did not appear on %s after %d attempts",
		ErrAgentStartFailed, s.cfg.Version, serial, s.cfg.Attempts)
}

// push copies the jar unless a file of the same size is already there.
func (s *Supervisor) push(ctx context.Context, serial string) error {
	local, err := os.Stat(s.cfg.LocalJar)
	if err != nil {
		return fmt.Errorf("agent jar: %w", err)
	}
	if remote, err := s.bridge.Stat(ctx, serial, s.cfg.RemoteJar); err == nil && remote.Size == local.Size() {
		return nil
	}
	if err := s.bridge.Push(ctx, serial, s.cfg.LocalJar, s.cfg.RemoteJar, 0o644); err != nil {
		return fmt.Errorf("push agent: %w", err)
	}
	return nil
}

func (s *Supervisor) runCommand() string {
	return fmt.Sprintf("CLASSPATH=%s nohup %s / %s %s web ERROR %d true >/dev/null 2>&1 &",
		s.cfg.RemoteJar, s.cfg.Launcher, s.cfg.Package, s.cfg.Version, s.cfg.Port)
}

// Stop kills every compatible agent process on the device.
func (s *Supervisor) Stop(ctx context.Context, serial string) error {
	unlock := s.lock(serial)
	defer unlock()

	procs, err := s.Processes(ctx, serial)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if !p.Version.IsCompatible() {
			continue
		}
		if _, err := s.bridge.Shell(ctx, serial, fmt.Sprintf("kill %d", p.PID)); err != nil {
			return fmt.Errorf("kill agent %d: %w", p.PID, err)
		}
		s.log.Info("agent stopped", zap.String("udid", serial), zap.Int("pid", p.PID))
	}
	return nil
}
