package wrpc_async

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wukong-cloud/wrpc-async/admission"
	"github.com/wukong-cloud/wrpc-async/util/logx"
)

const testConfig = `
log:
  level: debug
register:
  name: etcd
  hosts: 127.0.0.1:2379
  ttl: 15
client-config:
  request-timeout: 3s
  retry: 2
server-config:
  - name: Ledger
    ip: 127.0.0.1
    port: "9092"
    grpc-port: "9093"
    workers: 8
    invoke-timeout: 2s
    admission:
      rate: 100
      burst: 20
      trusted: ["127.0.0.1"]
  - name: Admin
    port: "9100"
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "etcd", cfg.Register.Name)
	assert.EqualValues(t, 15, cfg.Register.TTL)
	assert.Equal(t, 3*time.Second, cfg.ClientConfig.RequestTimeout)
	assert.Equal(t, 2, cfg.ClientConfig.ReTry)
	assert.Equal(t, EncoderJSON, cfg.ClientConfig.EncodeType)

	ledger := cfg.Server("Ledger")
	require.NotNil(t, ledger)
	assert.Equal(t, 8, ledger.Workers)
	assert.Equal(t, 2*time.Second, ledger.InvokeTimeout)
	assert.Equal(t, "127.0.0.1:9092", ledger.TcpAddr())
	assert.Equal(t, "127.0.0.1:9093", ledger.GrpcAddr())
	assert.Equal(t, defaultBacklog, ledger.Backlog)
	assert.EqualValues(t, defaultMaxInvoke, ledger.MaxInvoke)
	assert.EqualValues(t, defaultReadBufSize, ledger.ReadBufferSize)
	require.NotNil(t, ledger.Admission)
	assert.Equal(t, 100.0, ledger.Admission.Rate)

	admin := cfg.Server("Admin")
	require.NotNil(t, admin)
	assert.Equal(t, ":9100", admin.TcpAddr())
	assert.Empty(t, admin.GrpcAddr())
	assert.Nil(t, cfg.Server("missing"))
}

func TestParseConfig_envOverrides(t *testing.T) {
	t.Setenv("WRPC_LOG_LEVEL", "warn")
	t.Setenv("WRPC_REGISTER_HOSTS", "10.0.0.1:2379,10.0.0.2:2379")
	t.Setenv("WRPC_CLIENT_THREAD", "4")

	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "10.0.0.1:2379,10.0.0.2:2379", cfg.Register.Hosts)
	assert.Equal(t, 4, cfg.ClientConfig.Thread)
}

func TestParseConfig_errors(t *testing.T) {
	_, err := ParseConfig([]byte("server-config: [{ip: 1.2.3.4}]"))
	assert.ErrorContains(t, err, "has no name")

	_, err = ParseConfig([]byte("server-config: [{name: A}, {name: A}]"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = ParseConfig([]byte("server-config: {"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.ServerConfigs, 2)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWithServerConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	opts := loadServerOptions(WithServerConfig(cfg.Server("Ledger")))
	assert.Equal(t, "127.0.0.1", opts.IP)
	assert.Equal(t, "9092", opts.Port)
	assert.Equal(t, 8, opts.Workers)
	assert.NotNil(t, opts.Admission)
	assert.NoError(t, opts.configErr)
	assert.True(t, opts.Admission.Admit("127.0.0.1:5000", "fee"))
}

func TestWithServerConfig_badAdmissionFailsStart(t *testing.T) {
	sc := &ServerConfig{Name: "Test", Admission: &admission.Config{Windows: map[string]int{"soon": 5}}}
	svc := newTestService()
	srv := NewServer(svc.desc(), WithServerOptionLogger(logx.Discard()), WithServerConfig(sc))
	require.NoError(t, srv.Handle(svc.methods()...))
	err := srv.Start()
	assert.ErrorContains(t, err, "admission")
}
