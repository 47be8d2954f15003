package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"

	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/pkg/logging"
)

// StreamHandler serves the direct messaging protocol: exactly one envelope
// per stream, length-prefixed, with a hard size cap on the reader. Because
// every message rides a fresh stream there is no cross-message ordering;
// receivers correlate by session id.
type StreamHandler struct {
	node       *Node
	log        *logging.Logger
	protocolID libp2pprotocol.ID
	maxSize    int64
	timeout    time.Duration

	ingress IngressFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamHandler builds the direct stream handler from the node's
// directMessaging config.
func NewStreamHandler(n *Node, ingress IngressFunc) *StreamHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamHandler{
		node:       n,
		log:        logging.GetDefault().Component("stream-handler"),
		protocolID: libp2pprotocol.ID(n.cfg.DirectMessaging.Protocol),
		maxSize:    n.cfg.DirectMessaging.MaxMessageSize,
		timeout:    n.cfg.DirectMessaging.TimeoutDuration(),
		ingress:    ingress,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start registers the protocol with the libp2p host.
func (h *StreamHandler) Start() error {
	h.node.Host().SetStreamHandler(h.protocolID, h.handleStream)
	h.log.Info("Direct stream handler started", "protocol", h.protocolID)
	return nil
}

// Stop unregisters the protocol.
func (h *StreamHandler) Stop() {
	h.cancel()
	h.node.Host().RemoveStreamHandler(h.protocolID)
	h.log.Info("Direct stream handler stopped")
}

// handleStream reads one frame, decodes it, and hands the envelope to the
// ingress handler. All errors abort the stream and go no further.
func (h *StreamHandler) handleStream(s network.Stream) {
	defer s.Close()

	remotePeer := s.Conn().RemotePeer()
	s.SetReadDeadline(time.Now().Add(h.timeout))

	reader := bufio.NewReader(s)
	frame, err := readLengthPrefixed(reader, h.maxSize)
	if err != nil {
		s.Reset()
		h.log.Warn("Failed to read direct frame", "peer", shortID(remotePeer), "error", err)
		return
	}

	env, err := protocol.Decode(frame)
	if err != nil {
		h.log.Warn("Failed to decode direct envelope", "peer", shortID(remotePeer), "error", err)
		return
	}

	h.log.Debug("Received direct envelope", "role", env.Role, "id", env.ID, "from", shortID(remotePeer))
	h.ingress(env, remotePeer)
}

// SendDirect opens a fresh stream to the peer, writes one frame, and closes
// the write half. No retries happen here.
func (h *StreamHandler) SendDirect(ctx context.Context, peerID peer.ID, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	stream, err := h.node.Host().NewStream(ctx, peerID, h.protocolID)
	if err != nil {
		return fmt.Errorf("open stream: %w", classifyDialError(err))
	}
	defer stream.Close()

	stream.SetWriteDeadline(time.Now().Add(h.timeout))
	if err := writeLengthPrefixed(stream, data, h.maxSize); err != nil {
		stream.Reset()
		return fmt.Errorf("write frame: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		return fmt.Errorf("close write: %w", err)
	}

	h.log.Debug("Sent direct envelope", "role", env.Role, "id", env.ID, "to", shortID(peerID))
	return nil
}

// readLengthPrefixed reads one 4-byte big-endian length-prefixed frame. The
// cap is enforced before any allocation.
func readLengthPrefixed(r io.Reader, maxSize int64) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	if int64(length) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversizeFrame, length, maxSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return data, nil
}

// writeLengthPrefixed writes one 4-byte big-endian length-prefixed frame.
func writeLengthPrefixed(w io.Writer, data []byte, maxSize int64) error {
	if int64(len(data)) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrOversizeFrame, len(data), maxSize)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
