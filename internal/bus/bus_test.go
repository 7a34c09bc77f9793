package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectBuilders(t *testing.T) {
	assert.Equal(t, "svc.registry.declared.svc-1", RegistrySubject(RegistryDeclared, "svc-1"))
	assert.Equal(t, "svc.status.svc-1", StatusSubject("svc-1"))
	assert.Equal(t, "svc.heartbeat.svc-1", HeartbeatSubject("svc-1"))
	assert.Equal(t, "svc.rpc.svc-1.v1.health", RPCSubject("svc-1", "health"))
}

func TestNoopBusIsInert(t *testing.T) {
	var b Bus = Noop{}
	assert.NoError(t, b.PublishRegistry(nil, RegistryEvent{}))
	assert.NoError(t, b.PublishStatus(nil, StatusEvent{}))
	assert.NoError(t, b.PublishHeartbeat(nil, HeartbeatEvent{}))
	sub, err := b.Subscribe(nil, RegistryWildcard, nil)
	assert.NoError(t, err)
	assert.NoError(t, sub.Unsubscribe())
	_, err = b.Request(nil, "x", nil, 0)
	assert.Error(t, err)
	assert.NoError(t, b.Close())
}
