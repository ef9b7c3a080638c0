package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/migalsp/kubex-lifecycle/internal/businesshours"
)

// Config is read once at start and never changes afterwards.
type Config struct {
	PodNamespace string `validate:"required"`
	ClusterName  string

	BusinessHours businesshours.Config

	ProtectedNamespaces []string
	NonBusinessCeiling  int    `validate:"gte=0"`
	ActiveCountScope    string `validate:"oneof=global cost_center"`
	CostCenterLabel     string `validate:"required"`

	PermissionCacheTTL  time.Duration `validate:"gt=0"`
	MutationTimeout     time.Duration `validate:"gt=0"`
	SerializeAdmission  bool
	PermissionsSeedFile string

	DatabaseURL      string
	AuditRDSInstance string
	AWSRegion        string
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string

	RedisURL string

	APIPort      int `validate:"gt=0,lt=65536"`
	AuthUser     string
	AuthPassword string
}

// Load reads the environment. Unparseable values fall back to their default
// and are reported in warnings; only a Config that fails validation is an error.
func Load() (*Config, []string, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, []string, error) {
	e := env{getenv: getenv}

	cfg := &Config{
		PodNamespace: e.getString("POD_NAMESPACE", "kubex"),
		ClusterName:  e.getString("CLUSTER_NAME", ""),
		BusinessHours: businesshours.Config{
			Timezone:           e.getString("BUSINESS_TIMEZONE", "UTC"),
			StartHour:          e.getInt("BUSINESS_START_HOUR", 8),
			EndHour:            e.getInt("BUSINESS_END_HOUR", 18),
			HolidayCountry:     e.getString("HOLIDAY_COUNTRY", ""),
			HolidaySubdivision: e.getString("HOLIDAY_SUBDIVISION", ""),
			ManualHolidays:     e.getDates("MANUAL_HOLIDAYS"),
		},
		ProtectedNamespaces: e.getList("PROTECTED_NAMESPACES"),
		NonBusinessCeiling:  e.getInt("NON_BUSINESS_NAMESPACE_CEILING", 5),
		ActiveCountScope:    e.getString("ACTIVE_COUNT_SCOPE", "global"),
		CostCenterLabel:     e.getString("COST_CENTER_LABEL", "kubex.io/cost-center"),
		PermissionCacheTTL:  e.getDuration("PERMISSION_CACHE_TTL", 300*time.Second),
		MutationTimeout:     e.getDuration("MUTATION_TIMEOUT", 30*time.Second),
		SerializeAdmission:  e.getBool("SERIALIZE_ADMISSION", true),
		PermissionsSeedFile: e.getString("PERMISSIONS_SEED_FILE", ""),
		DatabaseURL:         e.getString("DATABASE_URL", ""),
		AuditRDSInstance:    e.getString("AUDIT_RDS_INSTANCE", ""),
		AWSRegion:           e.getString("AWS_REGION", ""),
		DatabaseUser:        e.getString("DATABASE_USER", "kubex"),
		DatabasePassword:    e.getString("DATABASE_PASSWORD", ""),
		DatabaseName:        e.getString("DATABASE_NAME", "kubex_lifecycle"),
		RedisURL:            e.getString("REDIS_URL", ""),
		APIPort:             e.getInt("API_PORT", 8082),
		AuthUser:            e.getString("KUBEX_AUTH_USER", ""),
		AuthPassword:        e.getString("KUBEX_AUTH_PASSWORD", ""),
	}

	bh := &cfg.BusinessHours
	if bh.StartHour < 0 || bh.StartHour > 23 {
		e.warnf("BUSINESS_START_HOUR=%d out of range, using 8", bh.StartHour)
		bh.StartHour = 8
	}
	if bh.EndHour < 0 || bh.EndHour > 24 {
		e.warnf("BUSINESS_END_HOUR=%d out of range, using 18", bh.EndHour)
		bh.EndHour = 18
	}
	if bh.StartHour >= bh.EndHour {
		e.warnf("BUSINESS_START_HOUR=%d is not before BUSINESS_END_HOUR=%d, every moment counts as business hours", bh.StartHour, bh.EndHour)
	}
	if _, err := time.LoadLocation(bh.Timezone); err != nil {
		e.warnf("BUSINESS_TIMEZONE=%q cannot be loaded, UTC will be used", bh.Timezone)
	}
	if (cfg.AuthUser == "") != (cfg.AuthPassword == "") {
		e.warnf("only one of KUBEX_AUTH_USER and KUBEX_AUTH_PASSWORD is set, API authentication is disabled")
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, e.warnings, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, e.warnings, nil
}

// AuthEnabled reports whether the API requires a session.
func (c *Config) AuthEnabled() bool {
	return c.AuthUser != "" && c.AuthPassword != ""
}

type env struct {
	getenv   func(string) string
	warnings []string
}

func (e *env) warnf(format string, args ...interface{}) {
	e.warnings = append(e.warnings, fmt.Sprintf(format, args...))
}

func (e *env) getString(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) getInt(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.warnf("%s=%q is not an integer, using %d", key, v, def)
		return def
	}
	return n
}

func (e *env) getBool(key string, def bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.warnf("%s=%q is not a boolean, using %t", key, v, def)
		return def
	}
	return b
}

// getDuration accepts Go durations ("90s") and bare seconds ("300").
func (e *env) getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.warnf("%s=%q is not a duration, using %s", key, v, def)
		return def
	}
	return d
}

func (e *env) getList(key string) []string {
	var out []string
	for _, part := range strings.Split(e.getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *env) getDates(key string) []businesshours.Date {
	var out []businesshours.Date
	for _, s := range e.getList(key) {
		d, err := businesshours.ParseDate(s)
		if err != nil {
			e.warnf("%s entry %q is not a YYYY-MM-DD date, ignored", key, s)
			continue
		}
		out = append(out, d)
	}
	return out
}
