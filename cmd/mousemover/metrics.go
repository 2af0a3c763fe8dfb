package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mikeclement/teensy-stuff/device"
	"github.com/mikeclement/teensy-stuff/device/class/hid"
)

// driverCollector exports the driver and mouse endpoint counters.
type driverCollector struct {
	drv   *device.Driver
	mouse *hid.MouseEndpoint

	busResets     *prometheus.Desc
	linkErrors    *prometheus.Desc
	errorFlags    *prometheus.Desc
	frames        *prometheus.Desc
	tokens        *prometheus.Desc
	setups        *prometheus.Desc
	requestStalls *prometheus.Desc
	stallEvents   *prometheus.Desc
	sleeps        *prometheus.Desc
	violations    *prometheus.Desc
	reports       *prometheus.Desc
}

func newDriverCollector(drv *device.Driver, mouse *hid.MouseEndpoint) *driverCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("mousemover_"+name, help, nil, nil)
	}
	return &driverCollector{
		drv:           drv,
		mouse:         mouse,
		busResets:     desc("bus_resets_total", "The number of USB bus resets serviced."),
		linkErrors:    desc("link_error_interrupts_total", "The number of ERROR interrupts serviced."),
		errorFlags:    desc("link_error_flags_total", "The number of ERRSTAT flags acknowledged."),
		frames:        desc("frames_total", "The number of start-of-frame tokens seen."),
		tokens:        desc("tokens_total", "The number of completed token transactions."),
		setups:        desc("setup_packets_total", "The number of SETUP packets received on endpoint 0."),
		requestStalls: desc("request_stalls_total", "The number of control requests refused with STALL."),
		stallEvents:   desc("stall_handshakes_total", "The number of STALL handshakes reported by the controller."),
		sleeps:        desc("sleeps_total", "The number of bus idle interrupts serviced."),
		violations:    desc("bdt_ownership_violations_total", "The number of buffer descriptor ownership violations."),
		reports:       desc("mouse_reports_total", "The number of mouse reports read by the host."),
	}
}

// Describe implements prometheus.Collector.
func (c *driverCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.busResets, c.linkErrors, c.errorFlags, c.frames, c.tokens, c.setups,
		c.requestStalls, c.stallEvents, c.sleeps, c.violations, c.reports,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *driverCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.drv.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.busResets, s.BusResets)
	counter(c.linkErrors, s.LinkErrors)
	counter(c.errorFlags, s.ErrorFlags)
	counter(c.frames, s.Frames)
	counter(c.tokens, s.Tokens)
	counter(c.setups, s.Setups)
	counter(c.requestStalls, s.RequestStalls)
	counter(c.stallEvents, s.StallEvents)
	counter(c.sleeps, s.Sleeps)
	counter(c.violations, uint64(s.Violations))
	counter(c.reports, c.mouse.Sent())
}

// newDeviceInfo returns a gauge describing the exported device. vendorName
// and productName come from usb.ids and may be empty.
func newDeviceInfo(id device.Identity, busId, vendorName, productName string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mousemover_device_info",
		Help: "Identity of the exported mouse; always 1.",
		ConstLabels: prometheus.Labels{
			"bus_id":       busId,
			"vendor_id":    fmt.Sprintf("%04x", id.VendorID),
			"product_id":   fmt.Sprintf("%04x", id.ProductID),
			"manufacturer": id.Manufacturer,
			"product":      id.Product,
			"vendor_name":  vendorName,
			"product_name": productName,
		},
	})
	g.Set(1)
	return g
}
