// Package usbid reads the usb.ids database that maps USB vendor and
// product IDs to names.
//
//	db, err := usbid.Open()
//	if err == nil {
//		fmt.Println(db.Vendor(0x0f62), db.Product(0x0f62, 0x1001))
//	}
//
// Lookups are safe for concurrent use.
package usbid
