package ingest

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbd_decoder/internal/sbd"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfigLoad(t *testing.T) {
	cfg := `nats:
  url: "nats://10.0.0.5:4222"
  subject: "sbd.frames.>"
  queue: "decoders"
coord:
  mode: "linear"
  scale: 10000000
storage:
  clickhouse:
    host: "ch.internal"
    port: 9000
    database: "sbd"
    user: "default"
  postgres:
    host: "pg.internal"
    port: 5432
    database: "sbd_state"
    user: "sbd"
    password: "secret"
workers: 4
batch_size: 128
log_level: "DEBUG"
log_file_path: "/var/log/sbd/ingest.log"
log_max_size_mb: 50
`

	s, err := New(writeConfig(t, cfg))
	require.NoError(t, err)

	assert.Equal(t, "nats://10.0.0.5:4222", s.NATS.URL)
	assert.Equal(t, "sbd.frames.>", s.NATS.Subject)
	assert.Equal(t, "decoders", s.NATS.Queue)
	assert.Equal(t, "linear", s.Coord.Mode)
	assert.Equal(t, float64(10000000), s.Coord.Scale)
	assert.Equal(t, "ch.internal", s.Storage.ClickHouse.Host)
	assert.Equal(t, "pg.internal", s.Storage.Postgres.Host)
	assert.Equal(t, "secret", s.Storage.Postgres.Password)
	assert.Equal(t, 4, s.Workers)
	assert.Equal(t, 128, s.BatchSize)
	assert.Equal(t, 5, s.FlushSeconds, "default flush interval")
	assert.Equal(t, log.DebugLevel, s.GetLogLevel())
}

func TestConfigDefaults(t *testing.T) {
	s, err := New(writeConfig(t, "# empty\n"))
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", s.NATS.URL)
	assert.Equal(t, "sbd.frames.>", s.NATS.Subject)
	assert.Equal(t, "sbd-decoders", s.NATS.Queue)
	assert.Equal(t, "ddmm", s.Coord.Mode)
	assert.Greater(t, s.Workers, 0)
	assert.Equal(t, 64, s.BatchSize)
	assert.Equal(t, "localhost", s.Storage.ClickHouse.Host)
	assert.Equal(t, log.InfoLevel, s.GetLogLevel())
}

func TestConfigFirehoseOnly(t *testing.T) {
	cfg := `storage:
  clickhouse:
    host: "ch.internal"
    port: 9000
    database: "sbd"
    user: "default"
`

	s, err := New(writeConfig(t, cfg))
	require.NoError(t, err)

	assert.Equal(t, "ch.internal", s.Storage.ClickHouse.Host)
	assert.Empty(t, s.Storage.Postgres.Host)
	assert.False(t, s.Storage.HasPostgres())
}

func TestConfigMissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestCodecConfig(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		scale     float64
		wantMode  sbd.Mode
		wantScale float64
		wantErr   bool
	}{
		{"ddmm default scale", "ddmm", 0, sbd.ModeDDMM, sbd.DefaultDDMMScale, false},
		{"linear default scale", "linear", 0, sbd.ModeLinear, sbd.DefaultLinearScale, false},
		{"explicit scale", "ddmm", 1000, sbd.ModeDDMM, 1000, false},
		{"raw", "raw", 0, sbd.ModeDisabled, 0, false},
		{"bogus mode", "wgs84", 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Settings{Coord: CoordSettings{Mode: tt.mode, Scale: tt.scale}}
			codec, err := s.CodecConfig()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, codec.Mode)
			assert.Equal(t, tt.wantScale, codec.Scale)
		})
	}
}

func TestDeviceFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"sbd.frames.300234063904190", "300234063904190"},
		{"sbd.frames.gw1.300234063904190", "300234063904190"},
		{"plain", "unknown"},
		{"trailing.", "unknown"},
	}

	for _, tt := range tests {
		if got := deviceFromSubject(tt.subject); got != tt.want {
			t.Errorf("deviceFromSubject(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}
