// Package types defines the readings and messages that flow through the
// indoor-sensors pipeline.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrUnknownSensor  = errors.New("unknown sensor id")
	ErrShapeMismatch  = errors.New("value shape does not match sensor")
	ErrRouteMismatch  = errors.New("destination does not match payload route")
	ErrNotFiniteValue = errors.New("reading value is not finite")
)

// ============================================================================
// Routing
// ============================================================================

// Route names the topic suffix a payload is delivered to.
type Route string

const (
	RouteGeneric        Route = "generic"         // single-value SensorReading
	RouteTempHumidity   Route = "temp_humidity"   // TempHumidityReading
	RouteAirParticulate Route = "air_particulate" // AirParticulateReading
	RouteThermostat     Route = "thermostat"      // ThermostatReading
)

const (
	DefaultTopicPrefix = "/ws/2/grp" // workspace 2, group topics
	LocationTag        = 2           // location tag carried by composite readings
)

// Topic joins a topic prefix and a route into a broker destination.
func Topic(prefix string, r Route) string {
	return strings.TrimSuffix(prefix, "/") + "/" + string(r)
}

// ============================================================================
// Sensor identifiers
// ============================================================================

// SensorID enumerates the physical quantities reported as SensorReadings.
// The set is closed: every id has a fixed route and value shape.
type SensorID uint32

const (
	SensorCO2       SensorID = 52 // equivalent CO2, ppm
	SensorVOC       SensorID = 53 // total VOC, ppb
	SensorPressure  SensorID = 54 // barometric pressure, inHg
	SensorRadiation SensorID = 55 // radiation, counts per minute
)

// ValueShape is the textual form a sensor's value takes.
type ValueShape int

const (
	ShapeInteger ValueShape = iota
	ShapeDecimal
)

type sensorInfo struct {
	name  string
	route Route
	shape ValueShape
}

var sensors = map[SensorID]sensorInfo{
	SensorCO2:       {"co2", RouteGeneric, ShapeInteger},
	SensorVOC:       {"voc", RouteGeneric, ShapeInteger},
	SensorPressure:  {"pressure", RouteGeneric, ShapeDecimal},
	SensorRadiation: {"radiation", RouteGeneric, ShapeInteger},
}

// Valid reports whether id is one of the known sensors.
func (id SensorID) Valid() bool {
	_, ok := sensors[id]
	return ok
}

func (id SensorID) String() string {
	if info, ok := sensors[id]; ok {
		return info.name
	}
	return fmt.Sprintf("sensor(%d)", uint32(id))
}

// Route returns the route readings of id are delivered on.
func (id SensorID) Route() Route {
	return sensors[id].route
}

// Shape returns the value shape of id.
func (id SensorID) Shape() ValueShape {
	return sensors[id].shape
}

// ============================================================================
// Readings
// ============================================================================

// SensorReading is a single timestamped value. Value is kept as a decimal
// string so every producer serializes it the same way.
type SensorReading struct {
	ID        SensorID `json:"id"`        // physical quantity
	Timestamp int64    `json:"timestamp"` // milliseconds since epoch
	Value     string   `json:"value"`     // decimal-formatted value
}

// NewIntegerReading builds a reading for an integer-shaped sensor.
func NewIntegerReading(id SensorID, ts int64, v int64) (SensorReading, error) {
	if err := checkShape(id, ShapeInteger); err != nil {
		return SensorReading{}, err
	}
	return SensorReading{ID: id, Timestamp: ts, Value: strconv.FormatInt(v, 10)}, nil
}

// NewDecimalReading builds a reading for a decimal-shaped sensor. The value
// is formatted with the shortest single-precision representation.
func NewDecimalReading(id SensorID, ts int64, v float64) (SensorReading, error) {
	if err := checkShape(id, ShapeDecimal); err != nil {
		return SensorReading{}, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return SensorReading{}, ErrNotFiniteValue
	}
	return SensorReading{ID: id, Timestamp: ts, Value: strconv.FormatFloat(v, 'f', -1, 32)}, nil
}

func checkShape(id SensorID, want ValueShape) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSensor, uint32(id))
	}
	if id.Shape() != want {
		return fmt.Errorf("%w: %s", ErrShapeMismatch, id)
	}
	return nil
}

// TempHumidityReading pairs temperature and relative humidity.
type TempHumidityReading struct {
	Timestamp int64   `json:"timestamp"`
	Location  uint32  `json:"location"`
	Temp      float64 `json:"temp"`     // degrees Fahrenheit
	Humidity  float64 `json:"humidity"` // percent relative humidity
}

// AirParticulateReading pairs the two particulate mass readings, in the
// sensor's native tenths of a microgram per cubic metre.
type AirParticulateReading struct {
	Timestamp int64  `json:"timestamp"`
	Location  uint32 `json:"location"`
	PM2_5     uint32 `json:"pm2_5"`
	PM10      uint32 `json:"pm10"`
}

// ThermostatReading mirrors the thermostat's /tstat document.
type ThermostatReading struct {
	Timestamp int64   `json:"timestamp"`
	Location  uint32  `json:"location"`
	Temp      float64 `json:"temp"`
	TMode     int     `json:"tmode"`
	FMode     int     `json:"fmode"`
	Override  int     `json:"override"`
	Hold      int     `json:"hold"`
	THeat     float64 `json:"t_heat,omitempty"`
	TCool     float64 `json:"t_cool,omitempty"`
	TState    int     `json:"tstate"`
	FState    int     `json:"fstate"`
}

// ============================================================================
// Outbound messages
// ============================================================================

// Payload is anything that can be delivered through the outbox.
type Payload interface {
	PayloadRoute() Route
}

func (r SensorReading) PayloadRoute() Route         { return r.ID.Route() }
func (r TempHumidityReading) PayloadRoute() Route   { return RouteTempHumidity }
func (r AirParticulateReading) PayloadRoute() Route { return RouteAirParticulate }
func (r ThermostatReading) PayloadRoute() Route     { return RouteThermostat }

// OutboundMessage is a serialized payload addressed to a broker destination.
type OutboundMessage struct {
	Destination string
	Body        []byte
}

const poisonToken = "poison"

// FaultSentinel is the reserved message telling the publisher that shared
// state is corrupted and the process must terminate.
func FaultSentinel() OutboundMessage {
	return OutboundMessage{Destination: poisonToken, Body: []byte(poisonToken)}
}

// IsFaultSentinel reports whether m is the fault sentinel.
func (m OutboundMessage) IsFaultSentinel() bool {
	return m.Destination == poisonToken && string(m.Body) == poisonToken
}

// NewOutboundMessage serializes p and addresses it to destination. The
// destination must end in the payload's route; a SensorReading with an
// unknown id is rejected.
func NewOutboundMessage(destination string, p Payload) (OutboundMessage, error) {
	if r, ok := p.(SensorReading); ok && !r.ID.Valid() {
		return OutboundMessage{}, fmt.Errorf("%w: %d", ErrUnknownSensor, uint32(r.ID))
	}
	if !strings.HasSuffix(destination, "/"+string(p.PayloadRoute())) {
		return OutboundMessage{}, fmt.Errorf("%w: %q for %s", ErrRouteMismatch, destination, p.PayloadRoute())
	}
	body, err := json.Marshal(p)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return OutboundMessage{Destination: destination, Body: body}, nil
}

// ============================================================================
// Calibration
// ============================================================================

// Baseline is the gas sensor's persisted calibration pair.
type Baseline struct {
	CO2 uint16 `json:"co2"`
	VOC uint16 `json:"voc"`
}
