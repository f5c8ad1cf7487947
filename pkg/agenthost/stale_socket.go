package agenthost

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"
)

// ErrAgentRunning means another agent answers on the socket path.
var ErrAgentRunning = errors.New("another agent is already running")

// socketProbeTimeout bounds the liveness dial against an existing socket.
const socketProbeTimeout = time.Second

// reclaimSocket prepares socketPath for a new listener. A missing path is
// fine. A path nobody answers on is left over from a crash and is removed.
// A path someone answers on belongs to a live agent and is left alone.
func reclaimSocket(ctx context.Context, socketPath string) error {
	if _, err := os.Lstat(socketPath); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, socketProbeTimeout)
	defer cancel()
	var d net.Dialer
	if conn, err := d.DialContext(probeCtx, "unix", socketPath); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w on %s", ErrAgentRunning, socketPath)
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}
