package transport

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmamsg/internal/chunk"
	"github.com/yuuki/rdmamsg/internal/rdma"
)

// processCompletion handles one work completion polled by a worker.
func (s *Stack) processCompletion(wc *rdma.WorkCompletion) {
	log.Trace().
		Uint64("wr_id", wc.WRID).
		Str("status", wc.Status.String()).
		Int("opcode", int(wc.Opcode)).
		Uint32("byte_len", wc.ByteLen).
		Str("qpn", fmt.Sprintf("0x%x", wc.QPNum)).
		Bool("has_imm", wc.HasImm()).
		Msg("Processing work completion")

	if wc.Status != rdma.WCSuccess {
		s.handleWCError(wc)
		return
	}

	switch {
	case wc.Opcode&rdma.WCRecv != 0:
		s.handleRecvCompletion(wc)
	case wc.Opcode == rdma.WCSend:
		s.handleSendCompletion(wc)
	default:
		log.Warn().
			Int("opcode", int(wc.Opcode)).
			Uint64("wr_id", wc.WRID).
			Str("qpn", fmt.Sprintf("0x%x", wc.QPNum)).
			Msg("Unknown work completion opcode")
	}
}

// handleWCError tears down the connection of a failed completion. Flushed
// work requests of an already closed connection are dropped.
func (s *Stack) handleWCError(wc *rdma.WorkCompletion) {
	conn := s.registry.Get(wc.QPNum)
	if conn == nil {
		log.Trace().
			Uint64("wr_id", wc.WRID).
			Str("status", wc.Status.String()).
			Str("qpn", fmt.Sprintf("0x%x", wc.QPNum)).
			Msg("Dropping completion of a closed connection")
		return
	}

	s.metrics.CompletionError()
	ev := log.Error()
	if wc.Status == rdma.WCWRFlushErr {
		ev = log.Debug()
	}
	ev.Uint64("conn_id", conn.ID()).
		Uint64("wr_id", wc.WRID).
		Str("status", wc.Status.String()).
		Uint32("vendor_err", wc.VendorErr).
		Str("qpn", fmt.Sprintf("0x%x", wc.QPNum)).
		Msg("Work completion failed, closing connection")
	s.teardown(conn)
}

func (s *Stack) handleRecvCompletion(wc *rdma.WorkCompletion) {
	conn := s.registry.Get(wc.QPNum)
	if conn == nil {
		return
	}
	if wc.HasImm() && wc.ImmData == FinImmData {
		log.Debug().
			Uint64("conn_id", conn.ID()).
			Str("qpn", fmt.Sprintf("0x%x", wc.QPNum)).
			Msg("Received FIN from peer")
		s.teardown(conn)
		return
	}

	if !conn.acquireMem() {
		return
	}
	defer conn.releaseMem()

	ch, err := conn.recvArena.Deliver(wc.WRID, wc.ByteLen)
	if err != nil {
		log.Error().Err(err).
			Uint64("conn_id", conn.ID()).
			Uint64("wr_id", wc.WRID).
			Msg("Receive completion does not match a posted chunk")
		s.teardown(conn)
		return
	}
	s.metrics.MessageReceived(int(wc.ByteLen))
	s.dispatch(Received{Conn: conn, Chunk: ch})

	// The handler may have closed the connection.
	if conn.State() != ConnActive {
		return
	}
	if err := conn.postRecv(ch); err != nil {
		log.Error().Err(err).
			Uint64("conn_id", conn.ID()).
			Int("slot", ch.Slot()).
			Msg("Failed to repost receive chunk")
		s.teardown(conn)
	}
}

func (s *Stack) handleSendCompletion(wc *rdma.WorkCompletion) {
	conn := s.registry.Get(wc.QPNum)
	if conn == nil {
		return
	}
	if wc.WRID == chunk.ReservedWRID {
		log.Debug().
			Uint64("conn_id", conn.ID()).
			Str("qpn", fmt.Sprintf("0x%x", wc.QPNum)).
			Msg("FIN delivered")
		s.teardown(conn)
		return
	}
	if _, err := conn.sendArena.Complete(wc.WRID); err != nil {
		log.Error().Err(err).
			Uint64("conn_id", conn.ID()).
			Uint64("wr_id", wc.WRID).
			Msg("Send completion does not match an in-flight chunk")
	}
}

// teardown closes conn, ignoring a concurrent close.
func (s *Stack) teardown(conn *Connection) {
	if err := conn.Close(); err != nil && !errors.Is(err, ErrConnectionClosed) {
		log.Warn().Err(err).Uint64("conn_id", conn.ID()).Msg("Connection teardown reported errors")
	}
}
