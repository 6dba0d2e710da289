// Package mode defines the DEMO/REAL isolation tag that selects which
// fund-bearing store an operation may touch.
package mode

import (
	"fmt"
	"strings"
)

// Mode is the isolation tag carried by wallets, orders and positions.
type Mode string

const (
	Demo Mode = "DEMO"
	Real Mode = "REAL"
)

// Default is used when neither the request nor the wallet names a mode.
const Default = Demo

// All lists every mode in sweep order.
var All = []Mode{Demo, Real}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == Demo || m == Real
}

func (m Mode) String() string {
	return string(m)
}

// Other returns the opposite mode.
func (m Mode) Other() Mode {
	if m == Real {
		return Demo
	}
	return Real
}

// Parse accepts DEMO/REAL in any case. "paper" and "live" are accepted as
// aliases because older clients still send them.
func Parse(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEMO", "PAPER":
		return Demo, nil
	case "REAL", "LIVE":
		return Real, nil
	}
	return "", fmt.Errorf("unknown trading mode %q", s)
}

// Resolve applies the determination order for incoming requests:
// explicit indicator, then the mode of the referenced wallet, then Default.
// Empty values mean "not provided".
func Resolve(explicit, walletMode Mode) Mode {
	if explicit.Valid() {
		return explicit
	}
	if walletMode.Valid() {
		return walletMode
	}
	return Default
}
