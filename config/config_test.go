package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type LoaderSuite struct {
	suite.Suite
	dir string
}

func TestLoaderSuite(t *testing.T) {
	suite.Run(t, new(LoaderSuite))
}

func (s *LoaderSuite) SetupTest() {
	s.dir = s.T().TempDir()
	// godotenv.Load reads .env from the working directory.
	wd, err := os.Getwd()
	s.Require().NoError(err)
	s.Require().NoError(os.Chdir(s.dir))
	s.T().Cleanup(func() { _ = os.Chdir(wd) })
}

func (s *LoaderSuite) write(body string) string {
	path := filepath.Join(s.dir, "lending.toml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return path
}

func (s *LoaderSuite) TestFileOverridesDefaults() {
	path := s.write(`
log_level = "debug"

[postgres]
dsn = "postgres://localhost/lending"

[engine]
workers = 8
relay_interval = "250ms"
collateral_schedule = "@every 30s"
`)

	cfg, err := Load(path)
	s.Require().NoError(err)
	s.Equal("debug", cfg.LogLevel)
	s.Equal("json", cfg.LogFormat)
	s.Equal("postgres://localhost/lending", cfg.Postgres.DSN)
	s.Equal(int32(10), cfg.Postgres.MaxConns)
	s.Equal(8, cfg.Engine.Workers)
	s.Equal(250*time.Millisecond, cfg.Engine.RelayInterval.Duration)
	s.Equal(5*time.Minute, cfg.Engine.MaxPriceAge.Duration)
	s.Equal("@every 30s", cfg.Engine.CollateralSchedule)
	s.NoError(cfg.Validate())
}

func (s *LoaderSuite) TestEnvironmentWins() {
	path := s.write(`
[postgres]
dsn = "postgres://file/lending"
`)
	s.T().Setenv("LENDING_POSTGRES_DSN", "postgres://env/lending")
	s.T().Setenv("LENDING_KAFKA_BROKERS", "k1:9092, k2:9092,")
	s.T().Setenv("LENDING_ENGINE_MAX_PRICE_AGE", "90s")
	s.T().Setenv("LENDING_ENGINE_WORKERS", "not-a-number")

	cfg, err := Load(path)
	s.Require().NoError(err)
	s.Equal("postgres://env/lending", cfg.Postgres.DSN)
	s.Equal([]string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	s.Equal(90*time.Second, cfg.Engine.MaxPriceAge.Duration)
	s.Equal(4, cfg.Engine.Workers)
}

func (s *LoaderSuite) TestDotEnvIsRead() {
	s.Require().NoError(os.WriteFile(filepath.Join(s.dir, ".env"),
		[]byte("LENDING_REDIS_ADDR=redis:6379\n"), 0o600))
	s.T().Cleanup(func() { _ = os.Unsetenv("LENDING_REDIS_ADDR") })

	cfg, err := Load("")
	s.Require().NoError(err)
	s.Equal("redis:6379", cfg.Redis.Addr)
}

func (s *LoaderSuite) TestMissingFile() {
	_, err := Load(filepath.Join(s.dir, "absent.toml"))
	s.Error(err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing dsn", func(c *Config) { c.Postgres.DSN = "" }, "dsn must not be empty"},
		{"bad level", func(c *Config) { c.LogLevel = "trace" }, `unknown log_level "trace"`},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, `unknown log_format "xml"`},
		{"no workers", func(c *Config) { c.Engine.Workers = 0 }, "workers must be positive"},
		{"bad cron", func(c *Config) { c.Engine.InterestSchedule = "every day" }, "interest_schedule"},
		{"kafka topic", func(c *Config) {
			c.Kafka.Brokers = []string{"k:9092"}
			c.Kafka.Topic = ""
		}, "topic is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Postgres.DSN = "postgres://localhost/lending"
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}

	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://localhost/lending"
	cfg.Engine.ObligationSchedule = ""
	require.NoError(t, cfg.Validate())
}
