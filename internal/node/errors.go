package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/network"
	swarm "github.com/libp2p/go-libp2p/p2p/net/swarm"
)

// Transport and delivery errors.
var (
	ErrUnreachable    = errors.New("peer unreachable")
	ErrDialTimeout    = errors.New("dial timed out")
	ErrDialRefused    = errors.New("dial refused")
	ErrNoMesh         = errors.New("no peers in mesh")
	ErrOversizeFrame  = errors.New("frame exceeds max message size")
	ErrDeliveryFailed = errors.New("message delivery failed")
)

// classifyDialError maps a raw dial failure onto the transport error
// taxonomy, wrapping the original cause.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrDialTimeout, err)
	case errors.Is(err, swarm.ErrNoAddresses), errors.Is(err, swarm.ErrNoGoodAddresses):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	case errors.Is(err, network.ErrNoConn):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrDialTimeout, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", ErrDialRefused, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
