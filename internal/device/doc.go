// Package device defines the vocabulary shared by the session layer and the
// platform back ends: adapter states, advertisement reports, discovered GATT
// attributes, opaque platform handles and the PlatformAdapter capability
// interface every back end implements.
//
// Back ends live in sub-packages (go-ble, tinygo); the session layer only
// ever talks to a PlatformAdapter, so cache, dedupe and lifecycle logic are
// written once.
package device
