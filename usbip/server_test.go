package usbip

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mikeclement/teensy-stuff/device"
	"github.com/mikeclement/teensy-stuff/device/bdt"
	"github.com/mikeclement/teensy-stuff/device/class/hid"
	"github.com/mikeclement/teensy-stuff/device/hal"
	"github.com/mikeclement/teensy-stuff/device/hal/sim"
	"github.com/mikeclement/teensy-stuff/pkg"
)

type testBench struct {
	ctrl   *sim.Controller
	store  *device.DescriptorStore
	server *Server
	reg    *prometheus.Registry
}

func newTestBench(t *testing.T) *testBench {
	t.Helper()
	table := bdt.New()
	ctrl := sim.New(table)
	store := hid.MouseDescriptors(device.DefaultIdentity())
	drv := device.New(ctrl, table, store)
	testutil.Ok(t, drv.Register(hid.MouseEndpointNumber, hid.NewMouseEndpoint(table, hid.MouseEndpointNumber, hid.DefaultMouseReport)))
	testutil.Ok(t, drv.Init())

	reg := prometheus.NewRegistry()
	dev := &Device{
		BusId:       "1-1",
		Path:        "/sys/devices/platform/mousemover/usb1/1-1",
		BusNum:      1,
		DevNum:      2,
		Host:        sim.NewHost(ctrl),
		Descriptors: store,
	}
	s := NewServer(dev, nil, reg, WithPollInterval(100*time.Microsecond))
	t.Cleanup(func() { testutil.Ok(t, s.Close()) })
	return &testBench{ctrl: ctrl, store: store, server: s, reg: reg}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	testutil.Ok(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// dial connects a client end to the server over a pipe.
func (b *testBench) dial(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go b.server.ServeConn(server)
	t.Cleanup(func() { _ = client.Close() })
	_ = client.SetDeadline(time.Now().Add(10 * time.Second))
	return client
}

func (b *testBench) importDevice(t *testing.T, busId string) (net.Conn, usbipHeader, DeviceDescription) {
	t.Helper()
	conn := b.dial(t)
	req := usbipImportRequest{usbipHeader: usbipHeader{Version, OpReqImport, 0}}
	copy(req.BusId[:], busId)
	testutil.Ok(t, binary.Write(conn, binary.BigEndian, req))

	var hdr usbipHeader
	testutil.Ok(t, binary.Read(conn, binary.BigEndian, &hdr))
	var desc DeviceDescription
	if hdr.Status == StatusOK {
		testutil.Ok(t, binary.Read(conn, binary.BigEndian, &desc))
	}
	return conn, hdr, desc
}

func submit(t *testing.T, conn net.Conn, seq uint32, ep, dir uint32, length int32, setup [8]byte, data []byte) {
	t.Helper()
	req := usbipCmdSubmit{
		usbipHeaderBasic:     usbipHeaderBasic{Command: CmdSubmit, SeqNum: seq, DevId: 1<<16 | 2, Direction: dir, Ep: ep},
		TransferBufferLength: length,
		Setup:                setup,
	}
	testutil.Ok(t, binary.Write(conn, binary.BigEndian, req))
	if len(data) > 0 {
		_, err := conn.Write(data)
		testutil.Ok(t, err)
	}
}

// readRet reads a RET_SUBMIT and, for a successful IN URB, its data.
func readRet(t *testing.T, conn net.Conn, in bool) (usbipRetSubmit, []byte) {
	t.Helper()
	var ret usbipRetSubmit
	testutil.Ok(t, binary.Read(conn, binary.BigEndian, &ret))
	testutil.Equals(t, uint32(RetSubmit), ret.Command)
	if !in || ret.Status != 0 {
		return ret, nil
	}
	data := make([]byte, ret.ActualLength)
	_, err := io.ReadFull(conn, data)
	testutil.Ok(t, err)
	return ret, data
}

func TestDevlist(t *testing.T) {
	b := newTestBench(t)
	conn := b.dial(t)
	testutil.Ok(t, binary.Write(conn, binary.BigEndian, usbipHeader{Version, OpReqDevlist, 0}))

	var hdr usbipDevlistReplyHeader
	testutil.Ok(t, binary.Read(conn, binary.BigEndian, &hdr))
	testutil.Equals(t, uint16(Version), hdr.Version)
	testutil.Equals(t, uint16(OpRepDevlist), hdr.Code)
	testutil.Equals(t, uint32(0), hdr.Status)
	testutil.Equals(t, uint32(1), hdr.NumDevices)

	var desc DeviceDescription
	testutil.Ok(t, binary.Read(conn, binary.BigEndian, &desc))
	testutil.Equals(t, "1-1", desc.BusIdString())
	testutil.Equals(t, "/sys/devices/platform/mousemover/usb1/1-1", desc.PathString())
	testutil.Equals(t, uint32(1), desc.BusNum)
	testutil.Equals(t, uint32(2), desc.DevNum)
	testutil.Equals(t, uint32(USBSpeedFull), desc.Speed)
	testutil.Equals(t, uint16(0x0F62), desc.Vendor)
	testutil.Equals(t, uint16(0x1001), desc.Product)
	testutil.Equals(t, uint16(0x0001), desc.BCDDevice)
	testutil.Equals(t, uint8(1), desc.DeviceConfigurationValue)
	testutil.Equals(t, uint8(1), desc.NumConfigurations)
	testutil.Equals(t, uint8(1), desc.NumInterfaces)

	var iface usbipInterfaceDescription
	testutil.Ok(t, binary.Read(conn, binary.BigEndian, &iface))
	testutil.Equals(t, usbipInterfaceDescription{InterfaceClass: 3, InterfaceSubClass: 1, InterfaceProtocol: 2}, iface)

	// The server closes the connection after the reply.
	_, err := conn.Read(make([]byte, 1))
	testutil.NotOk(t, err)
}

func TestImportUnknownBusId(t *testing.T) {
	b := newTestBench(t)
	_, hdr, _ := b.importDevice(t, "2-1")
	testutil.Equals(t, uint16(OpRepImport), hdr.Code)
	testutil.Equals(t, uint32(StatusError), hdr.Status)
	testutil.Equals(t, 1.0, counterValue(t, b.server.importsTotal.WithLabelValues("refused")))
}

func TestImportOnce(t *testing.T) {
	b := newTestBench(t)
	_, hdr, desc := b.importDevice(t, "1-1")
	testutil.Equals(t, uint32(StatusOK), hdr.Status)
	testutil.Equals(t, "1-1", desc.BusIdString())
	testutil.Equals(t, uint8(2), b.ctrl.Read(hal.ADDR))
	testutil.Assert(t, b.server.Imported(), "device not marked imported")

	_, hdr, _ = b.importDevice(t, "1-1")
	testutil.Equals(t, uint32(StatusError), hdr.Status)
}

func TestReleaseOnDisconnect(t *testing.T) {
	b := newTestBench(t)
	conn, hdr, _ := b.importDevice(t, "1-1")
	testutil.Equals(t, uint32(StatusOK), hdr.Status)
	testutil.Ok(t, conn.Close())

	deadline := time.Now().Add(5 * time.Second)
	for b.server.Imported() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	testutil.Assert(t, !b.server.Imported(), "device still imported after disconnect")

	_, hdr, _ = b.importDevice(t, "1-1")
	testutil.Equals(t, uint32(StatusOK), hdr.Status)
}

func TestSubmitControlAndInterrupt(t *testing.T) {
	b := newTestBench(t)
	conn, _, _ := b.importDevice(t, "1-1")

	submit(t, conn, 1, 0, DirIn, 18, sim.SetupPacket(0x80, 6, 0x0100, 0, 18), nil)
	ret, data := readRet(t, conn, true)
	testutil.Equals(t, uint32(1), ret.SeqNum)
	testutil.Equals(t, int32(0), ret.Status)
	testutil.Equals(t, int32(18), ret.ActualLength)
	want, _ := b.store.Lookup(0x0100, 0)
	testutil.Equals(t, want, data)

	submit(t, conn, 2, 0, DirIn, 255, sim.SetupPacket(0x81, 6, 0x2200, 0, 255), nil)
	ret, data = readRet(t, conn, true)
	testutil.Equals(t, int32(0), ret.Status)
	testutil.Equals(t, hid.MouseReportDescriptor, data)

	submit(t, conn, 3, 0, DirOut, 0, sim.SetupPacket(0x00, 9, 1, 0, 0), nil)
	ret, _ = readRet(t, conn, false)
	testutil.Equals(t, uint32(3), ret.SeqNum)
	testutil.Equals(t, int32(0), ret.Status)

	for seq := uint32(4); seq < 8; seq++ {
		submit(t, conn, seq, 1, DirIn, 4, [8]byte{}, nil)
		ret, data = readRet(t, conn, true)
		testutil.Equals(t, seq, ret.SeqNum)
		testutil.Equals(t, int32(0), ret.Status)
		testutil.Equals(t, []byte{0, 1, 0, 0}, data)
	}

	submit(t, conn, 8, 1, DirOut, 4, [8]byte{}, []byte{1, 2, 3, 4})
	ret, _ = readRet(t, conn, false)
	testutil.Equals(t, int32(0), ret.Status)
	testutil.Equals(t, int32(4), ret.ActualLength)

	testutil.Equals(t, 3.0, counterValue(t, b.server.urbsTotal.WithLabelValues("0", "ok")))
	testutil.Equals(t, 5.0, counterValue(t, b.server.urbsTotal.WithLabelValues("1", "ok")))
}

func TestSubmitStall(t *testing.T) {
	b := newTestBench(t)
	conn, _, _ := b.importDevice(t, "1-1")

	submit(t, conn, 1, 0, DirIn, 255, sim.SetupPacket(0x80, 6, 0x0303, 0x0409, 255), nil)
	ret, _ := readRet(t, conn, true)
	testutil.Equals(t, int32(-32), ret.Status)
	testutil.Equals(t, int32(0), ret.ActualLength)

	// The next SETUP clears the stall.
	submit(t, conn, 2, 0, DirIn, 255, sim.SetupPacket(0x80, 6, 0x0300, 0, 255), nil)
	ret, data := readRet(t, conn, true)
	testutil.Equals(t, int32(0), ret.Status)
	testutil.Equals(t, []byte{4, 3, 9, 4}, data)
	testutil.Equals(t, 1.0, counterValue(t, b.server.urbsTotal.WithLabelValues("0", "stall")))
}

func TestSubmitSetAddressKeepsImportAddress(t *testing.T) {
	b := newTestBench(t)
	conn, _, _ := b.importDevice(t, "1-1")

	submit(t, conn, 1, 0, DirOut, 0, sim.SetupPacket(0x00, 5, 9, 0, 0), nil)
	ret, _ := readRet(t, conn, false)
	testutil.Equals(t, int32(0), ret.Status)
	testutil.Equals(t, uint8(2), b.ctrl.Read(hal.ADDR))

	submit(t, conn, 2, 0, DirIn, 4, sim.SetupPacket(0x80, 6, 0x0300, 0, 4), nil)
	ret, data := readRet(t, conn, true)
	testutil.Equals(t, int32(0), ret.Status)
	testutil.Equals(t, []byte{4, 3, 9, 4}, data)
}

func TestUnlinkPendingURB(t *testing.T) {
	b := newTestBench(t)
	conn, _, _ := b.importDevice(t, "1-1")

	// Not configured yet, so the mouse NAKs every IN.
	submit(t, conn, 5, 1, DirIn, 4, [8]byte{}, nil)
	testutil.Ok(t, binary.Write(conn, binary.BigEndian, usbipCmdUnlink{
		usbipHeaderBasic: usbipHeaderBasic{Command: CmdUnlink, SeqNum: 6},
		UnlinkSeqNum:     5,
	}))

	var ret usbipRetUnlink
	testutil.Ok(t, binary.Read(conn, binary.BigEndian, &ret))
	testutil.Equals(t, uint32(RetUnlink), ret.Command)
	testutil.Equals(t, uint32(6), ret.SeqNum)
	testutil.Equals(t, int32(-104), ret.Status)

	// No RET_SUBMIT follows for the unlinked URB.
	submit(t, conn, 7, 0, DirIn, 255, sim.SetupPacket(0x80, 6, 0x0300, 0, 255), nil)
	sub, _ := readRet(t, conn, true)
	testutil.Equals(t, uint32(7), sub.SeqNum)
}

func TestUnlinkCompletedURB(t *testing.T) {
	b := newTestBench(t)
	conn, _, _ := b.importDevice(t, "1-1")

	testutil.Ok(t, binary.Write(conn, binary.BigEndian, usbipCmdUnlink{
		usbipHeaderBasic: usbipHeaderBasic{Command: CmdUnlink, SeqNum: 2},
		UnlinkSeqNum:     1,
	}))
	var ret usbipRetUnlink
	testutil.Ok(t, binary.Read(conn, binary.BigEndian, &ret))
	testutil.Equals(t, int32(0), ret.Status)
}

func TestURBStatus(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int32
	}{
		{nil, 0},
		{errors.Wrap(pkg.ErrStall, "control transfer"), -32},
		{pkg.ErrBabble, -75},
		{pkg.ErrNoDevice, -19},
		{pkg.ErrNotAttached, -19},
		{pkg.ErrInvalidEndpoint, -2},
		{pkg.ErrNAK, -110},
		{io.ErrUnexpectedEOF, -71},
	} {
		testutil.Equals(t, tc.want, urbStatus(tc.err), "error %v", tc.err)
	}
}
