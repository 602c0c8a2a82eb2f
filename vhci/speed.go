package vhci

import (
	"github.com/efficientgo/core/errors"

	"github.com/kimasplund/rust-p2p-usb-sub001/usb"
)

// Numeric speed codes used in the attach control write. The table is part of
// the controller protocol and must not drift.
const (
	speedCodeLow       = 1
	speedCodeFull      = 2
	speedCodeHigh      = 3
	speedCodeSuper     = 4
	speedCodeSuperPlus = 5
)

// SpeedCode maps the abstract device speed to its attach-protocol code.
// Only the five defined speeds are accepted.
func SpeedCode(s usb.Speed) (uint32, error) {
	switch s {
	case usb.SpeedLow:
		return speedCodeLow, nil
	case usb.SpeedFull:
		return speedCodeFull, nil
	case usb.SpeedHigh:
		return speedCodeHigh, nil
	case usb.SpeedSuper:
		return speedCodeSuper, nil
	case usb.SpeedSuperPlus:
		return speedCodeSuperPlus, nil
	default:
		return 0, errors.Newf("no speed code for device speed %d", uint8(s))
	}
}
