package usbip

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mikeclement/teensy-stuff/device"
	"github.com/mikeclement/teensy-stuff/pkg"
)

// maxTransferLength bounds the OUT data a client may attach to a URB.
const maxTransferLength = 4096

// urbConn is the URB phase of an imported connection.
type urbConn struct {
	s      *Server
	conn   net.Conn
	logger log.Logger

	wmu sync.Mutex // Serializes replies

	mu      sync.Mutex
	pending map[uint32]context.CancelFunc
	wg      sync.WaitGroup
}

func newURBConn(s *Server, conn net.Conn, logger log.Logger) *urbConn {
	return &urbConn{
		s:       s,
		conn:    conn,
		logger:  logger,
		pending: make(map[uint32]context.CancelFunc),
	}
}

// serve reads commands until the connection closes. Pending URBs are
// cancelled on return.
func (c *urbConn) serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.wg.Wait()
	}()

	var buf [urbHeaderSize]byte
	for {
		if _, err := io.ReadFull(c.conn, buf[:]); err != nil {
			if isClosed(err) {
				return nil
			}
			return errors.Wrap(err, "failed to read URB header")
		}

		switch cmd := binary.BigEndian.Uint32(buf[:4]); cmd {
		case CmdSubmit:
			var req usbipCmdSubmit
			_ = binary.Read(bytes.NewReader(buf[:]), binary.BigEndian, &req)
			var data []byte
			if req.Direction == DirOut && req.TransferBufferLength > 0 {
				if req.TransferBufferLength > maxTransferLength {
					return errors.Newf("URB %d carries %d bytes", req.SeqNum, req.TransferBufferLength)
				}
				data = make([]byte, req.TransferBufferLength)
				if _, err := io.ReadFull(c.conn, data); err != nil {
					return errors.Wrapf(err, "failed to read data of URB %d", req.SeqNum)
				}
			}
			if err := c.submit(ctx, req, data); err != nil {
				return err
			}
		case CmdUnlink:
			var req usbipCmdUnlink
			_ = binary.Read(bytes.NewReader(buf[:]), binary.BigEndian, &req)
			if err := c.unlink(req); err != nil {
				return err
			}
		default:
			return errors.Newf("unknown URB command 0x%08x", cmd)
		}
	}
}

func (c *urbConn) submit(ctx context.Context, req usbipCmdSubmit, data []byte) error {
	_ = level.Debug(c.logger).Log("msg", "submit", "seqnum", req.SeqNum, "ep", req.Ep,
		"dir", req.Direction, "length", req.TransferBufferLength)

	if req.Ep == 0 {
		in, err := c.control(req, data)
		return c.complete(req, in, len(data), err)
	}

	urbCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pending[req.SeqNum] = cancel
	c.mu.Unlock()
	c.s.urbsPending.Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		in, err := c.interrupt(urbCtx, req, data)
		c.s.urbsPending.Dec()
		if !c.finish(req.SeqNum) {
			c.s.urbsTotal.WithLabelValues(endpointLabel(req.Ep), "unlinked").Inc()
			return
		}
		if err := c.complete(req, in, len(data), err); err != nil {
			_ = level.Debug(c.logger).Log("msg", "failed to complete URB", "seqnum", req.SeqNum, "err", err)
		}
	}()
	return nil
}

// control runs an endpoint 0 URB as a whole control transfer.
func (c *urbConn) control(req usbipCmdSubmit, data []byte) ([]byte, error) {
	h := c.s.dev.Host
	var setup device.SetupPacket
	if err := device.ParseSetupPacket(req.Setup[:], &setup); err != nil {
		return nil, err
	}
	if setup.RequestAndType() == device.SetAddress {
		// The address was assigned on import.
		return nil, nil
	}
	if !setup.IsDeviceToHost() {
		return nil, h.ControlOut(req.Setup, data)
	}
	in, err := h.ControlIn(req.Setup)
	if err != nil {
		return nil, err
	}
	if len(in) > int(req.TransferBufferLength) {
		return nil, pkg.ErrBabble
	}
	return in, nil
}

// interrupt polls a non-control endpoint until it answers or ctx is done.
func (c *urbConn) interrupt(ctx context.Context, req usbipCmdSubmit, data []byte) ([]byte, error) {
	h := c.s.dev.Host
	ep := uint8(req.Ep)
	ticker := time.NewTicker(c.s.pollInterval)
	defer ticker.Stop()

	for {
		var in []byte
		var err error
		if req.Direction == DirIn {
			in, _, err = h.InterruptIn(ep)
		} else {
			err = h.InterruptOut(ep, data)
		}
		if !isNAK(err) {
			if err == nil && len(in) > int(req.TransferBufferLength) {
				return nil, pkg.ErrBabble
			}
			return in, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finish removes a URB from the pending set. It reports false when the
// URB was unlinked first.
func (c *urbConn) finish(seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[seq]; !ok {
		return false
	}
	delete(c.pending, seq)
	return true
}

func (c *urbConn) complete(req usbipCmdSubmit, in []byte, outLen int, err error) error {
	status := urbStatus(err)
	c.s.urbsTotal.WithLabelValues(endpointLabel(req.Ep), resultLabel(status)).Inc()
	if err != nil {
		_ = level.Debug(c.logger).Log("msg", "URB failed", "seqnum", req.SeqNum, "ep", req.Ep, "status", status, "err", err)
	}

	ret := usbipRetSubmit{
		usbipHeaderBasic: usbipHeaderBasic{Command: RetSubmit, SeqNum: req.SeqNum},
		Status:           status,
	}
	if err == nil {
		if req.Direction == DirIn {
			ret.ActualLength = int32(len(in))
		} else {
			ret.ActualLength = int32(outLen)
			in = nil
		}
	} else {
		in = nil
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, ret)
	buf.Write(in)
	return c.write(buf.Bytes())
}

func (c *urbConn) unlink(req usbipCmdUnlink) error {
	c.mu.Lock()
	cancel, ok := c.pending[req.UnlinkSeqNum]
	delete(c.pending, req.UnlinkSeqNum)
	c.mu.Unlock()

	ret := usbipRetUnlink{
		usbipHeaderBasic: usbipHeaderBasic{Command: RetUnlink, SeqNum: req.SeqNum},
	}
	if ok {
		cancel()
		ret.Status = urbStatusConnReset
	}
	_ = level.Debug(c.logger).Log("msg", "unlink", "seqnum", req.UnlinkSeqNum, "pending", ok)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, ret)
	return c.write(buf.Bytes())
}

func (c *urbConn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		return errors.Wrap(err, "failed to write URB reply")
	}
	return nil
}

func endpointLabel(ep uint32) string {
	return strconv.FormatUint(uint64(ep), 10)
}

func resultLabel(status int32) string {
	switch status {
	case urbStatusOK:
		return "ok"
	case urbStatusStall:
		return "stall"
	default:
		return "error"
	}
}
