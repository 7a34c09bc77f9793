package pcontext

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/config"
	"github.com/araucaria-project/tcs-supervisor/internal/service"
)

func TestInitializeIsIdempotent(t *testing.T) {
	pc := New(bus.Noop{}, config.NewResolver(zerolog.Nop()), service.NewRegistry(), zerolog.Nop())
	require.NoError(t, pc.Initialize(context.Background()))
	require.NoError(t, pc.Initialize(context.Background()))
	assert.True(t, pc.initialized)
}

func TestNewControllerRegistersInOrder(t *testing.T) {
	pc := New(bus.Noop{}, config.NewResolver(zerolog.Nop()), service.NewRegistry(), zerolog.Nop())
	d1 := config.ServiceDescriptor{ServiceType: "a"}
	d2 := config.ServiceDescriptor{ServiceType: "b"}

	c1 := pc.NewController(d1)
	c2 := pc.NewController(d2)

	ctls := pc.Controllers()
	require.Len(t, ctls, 2)
	assert.Same(t, c1, ctls[0])
	assert.Same(t, c2, ctls[1])
}

func TestCloseClosesBusEvenWithNoControllers(t *testing.T) {
	pc := New(bus.Noop{}, config.NewResolver(zerolog.Nop()), service.NewRegistry(), zerolog.Nop())
	require.NoError(t, pc.Close(context.Background()))
}
