package device

import (
	"github.com/mikeclement/teensy-stuff/device/bdt"
	"github.com/mikeclement/teensy-stuff/device/hal"
)

// EndpointHandler handles token completions for one endpoint. HandleToken
// is called from the interrupt service routine with the latched STAT
// value; the slot it names is software owned for the duration of the call.
type EndpointHandler interface {
	HandleToken(stat hal.Stat)
}

// Configurer is implemented by handlers that start transferring once the
// host selects a configuration.
type Configurer interface {
	Configure(value uint16)
}

// Resetter is implemented by handlers whose endpoint state a bus reset must
// restore. Reset re-arms the endpoint's receive slots, drops pending
// transmits and returns the value to load into its ENDPTn register.
type Resetter interface {
	Reset() uint8
}

// HandlerFunc adapts a function to EndpointHandler.
type HandlerFunc func(stat hal.Stat)

// HandleToken calls f(stat).
func (f HandlerFunc) HandleToken(stat hal.Stat) { f(stat) }

type nopHandler struct{}

func (nopHandler) HandleToken(hal.Stat) {}

// NopHandler is the handler of every endpoint nothing is registered for.
var NopHandler EndpointHandler = nopHandler{}

// Toggle is the software view of one endpoint direction: which ping-pong
// bank is armed next and which data PID it carries.
type Toggle struct {
	Odd   bool
	Data1 bool
}

// Flip advances to the other bank and data PID.
func (t *Toggle) Flip() {
	t.Odd = !t.Odd
	t.Data1 = !t.Data1
}

// Reset returns to the even bank and DATA0.
func (t *Toggle) Reset() {
	*t = Toggle{}
}

// Transmit arms the next transmit slot of endpoint ep with buf and
// advances the toggle.
func Transmit(table *bdt.Table, ep uint8, t *Toggle, buf []byte) {
	table.Arm(bdt.Index(ep, bdt.TX, t.Odd), buf, len(buf), t.Data1)
	t.Flip()
}

// Receive re-arms a completed receive slot with buf.
func Receive(table *bdt.Table, s bdt.Slot, buf []byte, data1 bool) {
	table.Arm(s, buf, len(buf), data1)
}

// DisarmTransmit revokes both transmit slots of endpoint ep.
func DisarmTransmit(table *bdt.Table, ep uint8) {
	table.Disarm(bdt.Index(ep, bdt.TX, false))
	table.Disarm(bdt.Index(ep, bdt.TX, true))
}

// DisarmEndpoint revokes all four slots of endpoint ep. Only valid while
// the controller is not processing tokens for ep, such as during bus reset.
func DisarmEndpoint(table *bdt.Table, ep uint8) {
	for _, dir := range []bdt.Direction{bdt.RX, bdt.TX} {
		table.Disarm(bdt.Index(ep, dir, false))
		table.Disarm(bdt.Index(ep, dir, true))
	}
}
