package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/worker"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
)

const DefaultThermostatPeriod = 60 * time.Second

// ThermostatClient fetches the thermostat's status document. The request
// carries its own timeout.
type ThermostatClient interface {
	Status(ctx context.Context) ([]byte, error)
}

// Thermostat polls the network thermostat once a period. A failed poll is
// logged and simply retried on the next period.
type Thermostat struct {
	emitter
	client ThermostatClient
	period time.Duration
}

func NewThermostat(client ThermostatClient, period time.Duration, d Deps) *Thermostat {
	if period <= 0 {
		period = DefaultThermostatPeriod
	}
	return &Thermostat{emitter: newEmitter("thermostat", d), client: client, period: period}
}

func (w *Thermostat) Run(ctx context.Context) error {
	w.log.Info("Started thermostat worker", "period", w.period)
	return worker.Every(ctx, w.clk, w.period, w.Poll)
}

// Poll fetches one status document and emits it.
func (w *Thermostat) Poll(ctx context.Context) error {
	body, err := w.client.Status(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.warn("read", "Failed to query thermostat", err)
		}
		return nil
	}

	r, err := DecodeThermostat(body)
	if err != nil {
		w.warn("parse", "Failed to decode thermostat status", err)
		return nil
	}
	r.Timestamp = w.now()
	r.Location = types.LocationTag
	w.log.Debug("Thermostat status", "temp", r.Temp, "tstate", r.TState, "fstate", r.FState)
	w.emit(r)
	return nil
}

// DecodeThermostat parses the thermostat's /tstat document. Fields the
// reading does not carry are ignored.
func DecodeThermostat(body []byte) (types.ThermostatReading, error) {
	var r types.ThermostatReading
	if err := json.Unmarshal(body, &r); err != nil {
		return types.ThermostatReading{}, fmt.Errorf("decode thermostat status: %w", err)
	}
	return r, nil
}
