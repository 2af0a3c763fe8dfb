package usbid

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `#
# List of USB ID's
#
# Syntax:
# vendor  vendor_name
#	device  device_name				<-- single tab
#		interface  interface_name		<-- two tabs

0f62  Acrox Technologies Co., Ltd.
	1001  Targus Mini Trackball Optical Mouse
16c0  Van Ooijen Technische Informatica
	0483  Teensyduino Serial
		00  Interface zero
zzzz  Not a vendor
	0001  Orphan product

# List of known device classes, subclasses and protocols
C 03  Human Interface Device
	01  Boot Interface Subclass
`

func TestParse(t *testing.T) {
	db := New()
	if err := db.Parse(strings.NewReader(sample)); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		vid, pid    uint16
		wantVendor  string
		wantProduct string
	}{
		{0x0F62, 0x1001, "Acrox Technologies Co., Ltd.", "Targus Mini Trackball Optical Mouse"},
		{0x16C0, 0x0483, "Van Ooijen Technische Informatica", "Teensyduino Serial"},
		{0x16C0, 0x0000, "Van Ooijen Technische Informatica", ""},
		{0x1234, 0x0001, "", ""},
	}
	for _, tt := range tests {
		if got := db.Vendor(tt.vid); got != tt.wantVendor {
			t.Errorf("Vendor(%04x) = %q, want %q", tt.vid, got, tt.wantVendor)
		}
		if got := db.Product(tt.vid, tt.pid); got != tt.wantProduct {
			t.Errorf("Product(%04x, %04x) = %q, want %q", tt.vid, tt.pid, got, tt.wantProduct)
		}
	}

	// Class lines must not leak in as vendor 0x0003 or products of 16c0.
	if vendors, products := db.Len(); vendors != 2 || products != 2 {
		t.Errorf("Len() = %d, %d, want 2, 2", vendors, products)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := Open(filepath.Join(dir, "missing.ids"), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if db.Source() != path {
		t.Errorf("Source() = %q, want %q", db.Source(), path)
	}
	if got := db.Vendor(0x0F62); got == "" {
		t.Error("Vendor(0f62) = \"\" after Open()")
	}
}

func TestOpenNotFound(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.ids"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() error = %v, want %v", err, ErrNotFound)
	}
}
