// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderSnapshotMirrorsCounters(t *testing.T) {
	r := NewRecorder("tcs_test_snapshot")

	r.IncRestart("svc.a", "on-failure")
	r.IncRestart("svc.a", "on-failure")
	r.IncBusPublishError("status")
	r.IncZombieDetected("svc.b")
	r.IncHeartbeatPublished()
	r.SetDeclaredServices(3)

	snap := r.Snapshot()
	assert.Equal(t, float64(2), snap["restarts_total.svc.a"])
	assert.Equal(t, float64(1), snap["bus_publish_errors_total.status"])
	assert.Equal(t, float64(1), snap["zombie_detected_total.svc.b"])
	assert.Equal(t, float64(1), snap["heartbeats_published_total"])
	assert.Equal(t, float64(3), snap["launcher_declared_services"])
}

func TestRecorderCollectorsAreRegistered(t *testing.T) {
	r := NewRecorder("tcs_test_registered")
	r.IncRestart("svc.a", "always")

	count, err := testutil.GatherAndCount(r.Registry(), "tcs_test_registered_runner_restarts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecorderConcurrentAccess(t *testing.T) {
	r := NewRecorder("tcs_test_concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.IncRestart("svc.concurrent", "on-abnormal")
			r.IncHeartbeatPublished()
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, float64(50), snap["restarts_total.svc.concurrent"])
	assert.Equal(t, float64(50), snap["heartbeats_published_total"])
}

func TestTwoRecordersDoNotCollide(t *testing.T) {
	a := NewRecorder("tcs_test_isolation_a")
	b := NewRecorder("tcs_test_isolation_b")
	a.IncHeartbeatPublished()
	b.IncHeartbeatPublished()
	b.IncHeartbeatPublished()

	assert.Equal(t, float64(1), a.Snapshot()["heartbeats_published_total"])
	assert.Equal(t, float64(2), b.Snapshot()["heartbeats_published_total"])
}
