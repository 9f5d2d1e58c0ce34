package sshpool

import (
	"fmt"
	"strings"
)

// hintError wraps a transport error with an actionable hint derived from the
// failure pattern, so callers surface something better than a bare dial error.
func hintError(nodeName string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return fmt.Errorf("connect %s: authentication failed (check the identity key and the remote user's authorized_keys): %w", nodeName, err)
	case strings.Contains(msg, "no such host"):
		return fmt.Errorf("connect %s: host could not be resolved (check the node URI): %w", nodeName, err)
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("connect %s: connection refused (is sshd running on that port?): %w", nodeName, err)
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("connect %s: connection timed out (host unreachable or firewalled): %w", nodeName, err)
	case strings.Contains(msg, "knownhosts"), strings.Contains(msg, "key is unknown"):
		return fmt.Errorf("connect %s: host key verification failed (update known_hosts): %w", nodeName, err)
	}
	return fmt.Errorf("connect %s: %w", nodeName, err)
}
