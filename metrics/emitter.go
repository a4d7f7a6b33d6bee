package metrics // import "code.cloudfoundry.org/flatfs/metrics"

import (
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/cloudfoundry/dropsonde"
	dropsondemetrics "github.com/cloudfoundry/dropsonde/metrics"
)

const dropsondeOrigin = "flatfs"

type Emitter struct {
}

func NewEmitter(metronEndpoint string) (*Emitter, error) {
	if err := dropsonde.Initialize(metronEndpoint, dropsondeOrigin); err != nil {
		return nil, err
	}

	return &Emitter{}, nil
}

func (e *Emitter) TryEmitDurationFrom(logger lager.Logger, name string, from time.Time) {
	duration := time.Since(from)
	if err := dropsondemetrics.SendValue(name, float64(duration), "nanos"); err != nil {
		logger.Error("failed-to-emit-metric", err, lager.Data{"name": name, "duration": duration})
	}
}

// NoopEmitter is used when no metron endpoint is configured.
type NoopEmitter struct {
}

func NewNoopEmitter() *NoopEmitter {
	return &NoopEmitter{}
}

func (e *NoopEmitter) TryEmitDurationFrom(logger lager.Logger, name string, from time.Time) {
}
