package types

import (
	"errors"
	"fmt"
)

// ErrNoEvent means the detector raised its interrupt without latching an
// event, usually after a distance estimate was purged.
var ErrNoEvent = errors.New("no lightning event latched")

// LightningKind is what the lightning detector saw.
type LightningKind int

const (
	LightningNoise LightningKind = iota
	LightningDisturber
	LightningStrike
)

func (k LightningKind) String() string {
	switch k {
	case LightningNoise:
		return "noise"
	case LightningDisturber:
		return "disturber"
	case LightningStrike:
		return "lightning"
	default:
		return fmt.Sprintf("lightning_kind(%d)", int(k))
	}
}

// StormDistance is the estimated distance to the head of the storm in km.
type StormDistance uint8

const (
	StormOverhead   StormDistance = 0x01
	StormOutOfRange StormDistance = 0x3F
)

func (d StormDistance) String() string {
	switch d {
	case StormOverhead:
		return "overhead"
	case StormOutOfRange:
		return "out of range"
	default:
		return fmt.Sprintf("%d km", uint8(d))
	}
}

// LightningEvent is one interrupt from the detector. Distance is only
// meaningful for LightningStrike.
type LightningEvent struct {
	Kind     LightningKind
	Distance StormDistance
}

func (e LightningEvent) String() string {
	switch e.Kind {
	case LightningStrike:
		return fmt.Sprintf("Lightning detected: %s.", e.Distance)
	case LightningDisturber:
		return "Disturber detected."
	default:
		return "Noise detected."
	}
}
