package usbip

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mikeclement/teensy-stuff/device"
	"github.com/mikeclement/teensy-stuff/device/hal/sim"
)

const (
	// DefaultPollInterval is how long an interrupt URB waits after a NAK
	// before the endpoint is polled again.
	DefaultPollInterval = time.Millisecond

	opTimeout = 5 * time.Second
)

// Server exports one Device over USB/IP. Only one client can import the
// device at a time.
type Server struct {
	dev          *Device
	logger       log.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	imported bool
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	// metrics
	connectionsTotal prometheus.Counter
	importsTotal     *prometheus.CounterVec
	urbsTotal        *prometheus.CounterVec
	urbsPending      prometheus.Gauge
}

// Option configures a Server.
type Option func(*Server)

// WithPollInterval sets the interrupt endpoint poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewServer creates a server exporting dev. Metrics are registered with
// reg when it is not nil.
func NewServer(dev *Device, logger log.Logger, reg prometheus.Registerer, opts ...Option) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		dev:          dev,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		conns:        make(map[net.Conn]struct{}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_connections_total",
			Help: "The number of USB/IP connections accepted.",
		}),
		importsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_imports_total",
			Help: "The number of OP_REQ_IMPORT requests by result.",
		}, []string{"result"}),
		urbsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_urbs_total",
			Help: "The number of URBs completed by endpoint and result.",
		}, []string{"endpoint", "result"}),
		urbsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_urbs_pending",
			Help: "The number of interrupt URBs waiting for the device.",
		}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if reg != nil {
		reg.MustRegister(s.connectionsTotal, s.importsTotal, s.urbsTotal, s.urbsPending)
	}
	return s
}

// Serve accepts connections on l until l is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	_ = level.Info(s.logger).Log("msg", "serving USB/IP", "addr", l.Addr().String(), "busid", s.dev.BusId)
	for {
		conn, err := l.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return errors.Wrap(err, "failed to accept USB/IP connection")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// Close stops the listener, drops every connection and waits for their
// URBs to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err != nil && !isClosed(err) {
		return errors.Wrap(err, "failed to close USB/IP listener")
	}
	return nil
}

// ServeConn handles one client connection and closes it when done.
func (s *Server) ServeConn(conn net.Conn) {
	s.track(conn, true)
	defer s.track(conn, false)
	defer func() { _ = conn.Close() }()

	s.connectionsTotal.Inc()
	logger := log.With(s.logger, "remote", remoteAddr(conn))

	_ = conn.SetReadDeadline(time.Now().Add(opTimeout))
	var hdr usbipHeader
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		_ = level.Debug(logger).Log("msg", "failed to read operation header", "err", err)
		return
	}
	if hdr.Version != Version {
		_ = level.Warn(logger).Log("msg", "unsupported protocol version", "version", hdr.Version)
		return
	}

	switch hdr.Code {
	case OpReqDevlist:
		if err := s.handleDevlist(conn); err != nil {
			_ = level.Warn(logger).Log("msg", "devlist failed", "err", err)
		}
	case OpReqImport:
		var busId [32]byte
		if _, err := io.ReadFull(conn, busId[:]); err != nil {
			_ = level.Warn(logger).Log("msg", "failed to read import request", "err", err)
			return
		}
		ok, err := s.handleImport(conn, cString(busId[:]))
		if err != nil {
			_ = level.Warn(logger).Log("msg", "import failed", "err", err)
		}
		if !ok {
			return
		}
		defer s.release()

		_ = conn.SetReadDeadline(time.Time{})
		_ = level.Info(logger).Log("msg", "device imported", "busid", s.dev.BusId)
		err = newURBConn(s, conn, logger).serve()
		if err != nil {
			_ = level.Warn(logger).Log("msg", "connection ended with error", "err", err)
		} else {
			_ = level.Info(logger).Log("msg", "device released", "busid", s.dev.BusId)
		}
	default:
		_ = level.Warn(logger).Log("msg", "unknown operation", "code", hdr.Code)
	}
}

func (s *Server) handleDevlist(w io.Writer) error {
	desc, ifaces, err := s.dev.Description()
	if err != nil {
		return errors.Wrap(err, "failed to describe device")
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, usbipDevlistReplyHeader{
		usbipHeader{Version, OpRepDevlist, StatusOK},
		1,
	})
	_ = binary.Write(&buf, binary.BigEndian, desc)
	_ = binary.Write(&buf, binary.BigEndian, ifaces)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write devlist reply")
	}
	return nil
}

// handleImport answers an import request. It reports whether the device
// is now attached to the connection.
func (s *Server) handleImport(w io.Writer, busId string) (bool, error) {
	reply := func(status uint32, desc *DeviceDescription) error {
		var buf bytes.Buffer
		_ = binary.Write(&buf, binary.BigEndian, usbipHeader{Version, OpRepImport, status})
		if desc != nil {
			_ = binary.Write(&buf, binary.BigEndian, desc)
		}
		_, err := w.Write(buf.Bytes())
		return err
	}

	if busId != s.dev.BusId || !s.acquire() {
		s.importsTotal.WithLabelValues("refused").Inc()
		if err := reply(StatusError, nil); err != nil {
			return false, errors.Wrap(err, "failed to write import reply")
		}
		return false, errors.Newf("bus id %q is not available", busId)
	}

	desc, _, err := s.dev.Description()
	if err == nil {
		err = s.attach()
	}
	if err != nil {
		s.release()
		s.importsTotal.WithLabelValues("error").Inc()
		_ = reply(StatusError, nil)
		return false, err
	}

	if err := reply(StatusOK, &desc); err != nil {
		s.release()
		s.importsTotal.WithLabelValues("error").Inc()
		return false, errors.Wrap(err, "failed to write import reply")
	}
	s.importsTotal.WithLabelValues("ok").Inc()
	return true, nil
}

// attach resets the device and gives it its address. The importing host
// never sends SET_ADDRESS itself.
func (s *Server) attach() error {
	h := s.dev.Host
	if err := h.Reset(); err != nil {
		return errors.Wrap(err, "failed to reset device")
	}
	var setup device.SetupPacket
	device.GetSetAddressSetup(&setup, s.dev.address())
	var packet [sim.SetupSize]byte
	setup.MarshalTo(packet[:])
	if err := h.ControlOut(packet, nil); err != nil {
		return errors.Wrapf(err, "failed to set address %d", s.dev.address())
	}
	h.SetAddress(s.dev.address())
	return nil
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.imported {
		return false
	}
	s.imported = true
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.imported = false
	s.mu.Unlock()
}

// Imported reports whether a client has the device attached.
func (s *Server) Imported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imported
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
