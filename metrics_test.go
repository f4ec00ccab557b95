package wrpc_async

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wukong-cloud/wrpc-async/util/uerror"
)

func TestMetrics_recordCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := newTestService()
	deny := AdmissionFunc(func(origin, method string) bool { return method != "fail" })
	srv, tr := newTestServer(t, svc, WithServerOptionRegisterer(reg), WithServerOptionAdmission(deny))
	ctx := testContext(t)

	for i := 0; i < 3; i++ {
		_, err := callEcho(ctx, tr.Invoker(""), "echo", "m")
		require.NoError(t, err)
	}
	out, err := tr.Invoke(ctx, "fail", "", []byte(`{}`), nil)
	require.NoError(t, err)
	require.Equal(t, uerror.CodeResourceExhausted, out.Code)
	settled(t, srv, 4)

	assert.Equal(t, 3.0, testutil.ToFloat64(srv.metrics.calls.WithLabelValues("echo", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.calls.WithLabelValues("fail", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.rejected.WithLabelValues("fail")))
	assert.Equal(t, 4.0, testutil.ToFloat64(srv.metrics.live))
	assert.Equal(t, 0.0, testutil.ToFloat64(srv.metrics.processing))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.listening.WithLabelValues("echo")))
	assert.Equal(t, 2, testutil.CollectAndCount(srv.metrics.duration))

	n, err := testutil.GatherAndCount(reg, "wrpc_calls_total", "wrpc_handles_live")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMetrics_abortedOnStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := newTestService()
	srv, _ := newTestServer(t, svc, WithServerOptionRegisterer(reg))

	require.NoError(t, srv.Stop(testContext(t)))
	assert.Equal(t, 4.0, testutil.ToFloat64(srv.metrics.aborted))
	assert.Equal(t, 0.0, testutil.ToFloat64(srv.metrics.live))
}

func TestMetrics_unregistered(t *testing.T) {
	m := newMetrics("Test", nil)
	m.observe("echo", 200, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("echo", "200")))
}
