package collectors

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/parse"
	"github.com/perchlabs/perch/pkg/types"
)

const networkCollectorName = "network"

var networkColumns = []string{
	"timestamp", "process_name", "protocol", "remote_address", "remote_port",
}

// Network polls the system connection table and emits an event for
// every newly established TCP connection. Dedup state is in memory
// only: connections are ephemeral, so after a restart the current set
// is emitted once and deduped from there.
type Network struct {
	command     []string
	interval    time.Duration
	execTimeout time.Duration
	logger      *zap.Logger

	known map[parse.Conn]struct{}
}

// NewNetwork creates the connection-table collector. command is the
// full argv of the table tool (lsof by default).
func NewNetwork(command []string, interval, execTimeout time.Duration, logger *zap.Logger) *Network {
	return &Network{
		command:     command,
		interval:    interval,
		execTimeout: execTimeout,
		logger:      logger.With(zap.String("collector", networkCollectorName)),
	}
}

func (n *Network) Name() string            { return networkCollectorName }
func (n *Network) Interval() time.Duration { return n.interval }

// Setup validates the configured command.
func (n *Network) Setup(ctx context.Context) error {
	if len(n.command) == 0 {
		return fmt.Errorf("collectors: network command is empty")
	}
	if _, err := exec.LookPath(n.command[0]); err != nil {
		return fmt.Errorf("collectors: network command unavailable: %w", err)
	}
	n.known = make(map[parse.Conn]struct{})
	return nil
}

// Collect runs the table command and diffs against the previous tick.
func (n *Network) Collect(ctx context.Context) ([]types.Event, error) {
	execCtx, cancel := context.WithTimeout(ctx, n.execTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, n.command[0], n.command[1:]...)
	out, err := cmd.Output()
	// lsof exits non-zero when some file tables are unreadable but
	// still prints the rows it could see; use whatever came back.
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("collectors: run %s: %w", n.command[0], err)
	}

	current := parse.ParseConnTable(string(out))
	now := nowUnix()

	var events []types.Event
	for conn := range current {
		if _, seen := n.known[conn]; seen {
			continue
		}
		events = append(events, types.NewEvent("network_events", networkColumns,
			now, conn.Process, "tcp", conn.RemoteIP, conn.RemotePort))
	}
	n.known = current
	return events, nil
}

// Teardown has nothing to release.
func (n *Network) Teardown() error { return nil }
