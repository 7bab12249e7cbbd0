// Package errreport is the error-reporting collaborator: every report is
// logged, counted and published on the bus.
package errreport

import (
	"context"
	"time"

	"alarmd/internal/eventbus"
	"alarmd/internal/metrics"
	logx "alarmd/pkg/logx"
)

type Reporter interface {
	Report(ctx context.Context, comp string, err error, fields ...logx.Field)
}

// Report is the payload of eventbus.TypeError.
type Report struct {
	Comp  string    `json:"comp"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus
}

func New(log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{log: log, bus: bus}
}

func (s *Service) Report(_ context.Context, comp string, err error, fields ...logx.Field) {
	if err == nil {
		return
	}
	metrics.RecordError(comp)
	s.log.Error("error reported", append([]logx.Field{logx.String("comp", comp), logx.Err(err)}, fields...)...)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeError, Time: time.Now(), Data: Report{Comp: comp, Error: err.Error(), At: time.Now()}})
	}
}

// Nop discards reports.
type Nop struct{}

func (Nop) Report(context.Context, string, error, ...logx.Field) {}
