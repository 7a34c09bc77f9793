package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePermanent struct{}

func (fakePermanent) Start(context.Context) error { return nil }
func (fakePermanent) Stop(context.Context) error  { return nil }

type fakeLoop struct{}

func (fakeLoop) Run(context.Context) error { return nil }

type fakeOneShot struct{}

func (fakeOneShot) Execute(context.Context) error { return nil }

type ambiguous struct{}

func (ambiguous) Start(context.Context) error { return nil }
func (ambiguous) Stop(context.Context) error  { return nil }
func (ambiguous) Run(context.Context) error   { return nil }

type nothing struct{}

func TestDetectKind(t *testing.T) {
	k, err := DetectKind(fakePermanent{})
	require.NoError(t, err)
	assert.Equal(t, KindPermanent, k)

	k, err = DetectKind(fakeLoop{})
	require.NoError(t, err)
	assert.Equal(t, KindLoop, k)

	k, err = DetectKind(fakeOneShot{})
	require.NoError(t, err)
	assert.Equal(t, KindOneShot, k)
}

func TestDetectKindRejectsAmbiguous(t *testing.T) {
	_, err := DetectKind(ambiguous{})
	assert.Error(t, err)
}

func TestDetectKindRejectsNone(t *testing.T) {
	_, err := DetectKind(nothing{})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Has("echo"))
	r.Register("echo", func() (interface{}, error) { return fakeLoop{}, nil })
	assert.True(t, r.Has("echo"))

	svc, err := r.New("echo")
	require.NoError(t, err)
	assert.IsType(t, fakeLoop{}, svc)

	_, err = r.New("missing")
	assert.Error(t, err)
}
