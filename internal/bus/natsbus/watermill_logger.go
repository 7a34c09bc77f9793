// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package natsbus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// zerologAdapter bridges zerolog.Logger to watermill.LoggerAdapter, the way
// the rest of the framework bridges zerolog into every third-party
// component that wants its own logger interface (spec.md AMBIENT STACK).
type zerologAdapter struct {
	log zerolog.Logger
}

func newWatermillLogger(log zerolog.Logger) watermill.LoggerAdapter {
	return &zerologAdapter{log: log.With().Str("component", "bus").Logger()}
}

func (z *zerologAdapter) fields(f watermill.LogFields) *zerolog.Event {
	ev := z.log.Log()
	for k, v := range f {
		ev = ev.Interface(k, v)
	}
	return ev
}

func (z *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	ev := z.log.Error().Err(err)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (z *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	ev := z.log.Info()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (z *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	ev := z.log.Debug()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (z *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	ev := z.log.Trace()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (z *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := z.log.With().Fields(map[string]interface{}(fields)).Logger()
	return &zerologAdapter{log: l}
}
