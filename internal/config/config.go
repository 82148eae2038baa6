// Package config loads the bypassd configuration from YAML and the
// environment and turns it into the values each component is built from.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"bypassd/internal/clock"
	"bypassd/internal/directory"
	"bypassd/internal/model"
	"bypassd/internal/notify"
	"bypassd/internal/policy"
	"bypassd/internal/scheduler"
	"bypassd/internal/service"
	"bypassd/internal/workflow"
)

type Config struct {
	Server       Server        `mapstructure:"server"`
	Database     Database      `mapstructure:"database"`
	Redis        Redis         `mapstructure:"redis"`
	Auth         Auth          `mapstructure:"auth"`
	Log          Log           `mapstructure:"log"`
	Policy       policy.Config `mapstructure:"policy"`
	Scheduler    Scheduler     `mapstructure:"scheduler"`
	Reminders    Reminders     `mapstructure:"reminders"`
	Notification Notification  `mapstructure:"notification"`
	Identity     Identity      `mapstructure:"identity"`
	Clock        Clock         `mapstructure:"clock"`
	Escalation   Escalation    `mapstructure:"escalation"`
	Retention    Retention     `mapstructure:"retention"`
}

type Server struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// Database is optional; without a URL the service keeps workflows in memory
type Database struct {
	URL string `mapstructure:"url"`
}

// Redis is optional; without an address events stay in process and the
// scheduler polls instead of using asynq timers.
type Redis struct {
	Addr string `mapstructure:"addr"`
}

type Auth struct {
	JWTSecret       string `mapstructure:"jwt_secret" validate:"required"`
	AllowDevHeaders bool   `mapstructure:"allow_dev_headers"`
}

type Log struct {
	Development bool `mapstructure:"development"`
}

type Scheduler struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0,lte=10000"`
	// LeaseTTL defaults to twice the poll interval
	LeaseTTL time.Duration `mapstructure:"lease_ttl" validate:"gte=0"`
	Host     string        `mapstructure:"host"`
}

type Reminders struct {
	ImmediateNotification  bool          `mapstructure:"immediate_notification"`
	ReminderInterval       time.Duration `mapstructure:"reminder_interval" validate:"gte=0"`
	MaxReminders           int           `mapstructure:"max_reminders" validate:"gte=0"`
	EscalationNotification bool          `mapstructure:"escalation_notification"`
}

type Retry struct {
	Base        time.Duration `mapstructure:"base" validate:"gt=0"`
	Cap         time.Duration `mapstructure:"cap" validate:"gtefield=Base"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gt=0"`
}

type Webhook struct {
	URL    string `mapstructure:"url" validate:"omitempty,url"`
	Secret string `mapstructure:"secret"`
}

type Notification struct {
	Channels        []model.Channel `mapstructure:"channels" validate:"required,min=1,dive,oneof=email sms push chat webhook"`
	UrgentChannels  []model.Channel `mapstructure:"urgent_channels" validate:"dive,oneof=email sms push chat webhook"`
	QueueSize       int             `mapstructure:"queue_size" validate:"gt=0"`
	Workers         int             `mapstructure:"workers" validate:"gt=0"`
	PerChannelLimit int             `mapstructure:"per_channel_limit" validate:"gt=0"`
	SendTimeout     time.Duration   `mapstructure:"send_timeout" validate:"gt=0"`
	RecoverInterval time.Duration   `mapstructure:"recover_interval" validate:"gt=0"`
	Retry           Retry           `mapstructure:"retry"`
	Webhook         Webhook         `mapstructure:"webhook"`
}

type Identity struct {
	RoleHierarchy     []string `mapstructure:"role_hierarchy" validate:"required,min=1,dive,required"`
	AdminFallbackRole string   `mapstructure:"admin_fallback_role" validate:"required"`
	// EscalateRole is the lowest rank allowed to escalate by hand
	EscalateRole string `mapstructure:"escalate_role" validate:"required"`
	// Staff seeds the in-memory directory when no database is configured
	Staff    []directory.User `mapstructure:"staff" validate:"dive"`
	CacheTTL time.Duration    `mapstructure:"cache_ttl" validate:"gte=0"`
}

type Clock struct {
	DefaultTimezone string            `mapstructure:"default_timezone"`
	TenantTimezones map[string]string `mapstructure:"tenant_timezones"`
}

type Escalation struct {
	Enabled     bool                     `mapstructure:"enabled"`
	MaxLevel    int                      `mapstructure:"max_level" validate:"gte=0,lte=10"`
	Chain       []model.EscalationTarget `mapstructure:"chain"`
	FinalAction model.FinalAction        `mapstructure:"final_action" validate:"oneof=auto_approve auto_reject manual_review"`
}

type Retention struct {
	Years         int           `mapstructure:"years" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// Default is a complete configuration carrying the stock hotel policy
func Default() Config {
	return Config{
		Server:    Server{Addr: ":8080"},
		Auth:      Auth{JWTSecret: "change-me"},
		Policy:    policy.DefaultConfig(),
		Scheduler: Scheduler{PollInterval: 15 * time.Second, BatchSize: 100},
		Reminders: Reminders{
			ImmediateNotification:  true,
			ReminderInterval:       15 * time.Minute,
			MaxReminders:           2,
			EscalationNotification: true,
		},
		Notification: Notification{
			Channels:        []model.Channel{model.ChannelEmail},
			UrgentChannels:  []model.Channel{model.ChannelSMS},
			QueueSize:       1024,
			Workers:         4,
			PerChannelLimit: 8,
			SendTimeout:     10 * time.Second,
			RecoverInterval: 30 * time.Second,
			Retry:           Retry{Base: time.Second, Cap: 5 * time.Minute, MaxAttempts: 5},
		},
		Identity: Identity{
			RoleHierarchy:     policy.DefaultRoles(),
			AdminFallbackRole: "owner",
			EscalateRole:      "supervisor",
			CacheTTL:          directory.DefaultCacheTTL,
		},
		Clock: Clock{DefaultTimezone: "UTC"},
		Escalation: Escalation{
			Enabled:     true,
			MaxLevel:    1,
			FinalAction: model.FinalManualReview,
		},
		Retention: Retention{Years: 7, SweepInterval: 24 * time.Hour},
	}
}

// envKeys are the scalar keys that can be overridden with BYPASSD_<KEY>
var envKeys = []string{
	"server.addr",
	"database.url",
	"redis.addr",
	"auth.jwt_secret",
	"auth.allow_dev_headers",
	"log.development",
	"scheduler.poll_interval",
	"scheduler.batch_size",
	"scheduler.lease_ttl",
	"scheduler.host",
	"reminders.reminder_interval",
	"reminders.max_reminders",
	"notification.workers",
	"notification.queue_size",
	"notification.webhook.url",
	"notification.webhook.secret",
	"clock.default_timezone",
	"retention.years",
}

// legacyEnv keeps the variable names earlier deployments used
var legacyEnv = map[string]string{
	"database.url":    "DATABASE_URL",
	"redis.addr":      "REDIS_ADDR",
	"server.addr":     "ADDR",
	"auth.jwt_secret": "JWT_SECRET",
}

func envName(key string) string {
	return "BYPASSD_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
}

// Load reads path (may be empty) over Default, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BYPASSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		names := []string{key, envName(key)}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path == "" {
		path = os.Getenv("BYPASSD_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := Default()
	// lists and maps given in the file replace the defaults instead of merging
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) { dc.ZeroFields = true }); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags, then the rules that span sections
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	var errs []error
	h, err := policy.NewHierarchy(c.Identity.RoleHierarchy)
	if err != nil {
		return fmt.Errorf("identity.role_hierarchy: %w", err)
	}
	if _, err := policy.New(c.Policy, h); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	for _, role := range []string{c.Identity.AdminFallbackRole, c.Identity.EscalateRole} {
		if !h.Known(role) {
			errs = append(errs, fmt.Errorf("identity: unknown role %q", role))
		}
	}
	for i, target := range c.Escalation.Chain {
		if target.Role == "" && target.UserID == "" {
			errs = append(errs, fmt.Errorf("escalation.chain[%d]: role or user_id is required", i))
		}
		if target.Role != "" && !h.Known(target.Role) {
			errs = append(errs, fmt.Errorf("escalation.chain[%d]: unknown role %q", i, target.Role))
		}
	}
	for i, u := range c.Identity.Staff {
		if !h.Known(u.Role) {
			errs = append(errs, fmt.Errorf("identity.staff[%d]: unknown role %q", i, u.Role))
		}
	}

	if c.Scheduler.LeaseTTL == 0 {
		c.Scheduler.LeaseTTL = 2 * c.Scheduler.PollInterval
	}
	if c.Scheduler.LeaseTTL < c.Scheduler.PollInterval {
		errs = append(errs, fmt.Errorf("scheduler.lease_ttl %s is shorter than poll_interval %s",
			c.Scheduler.LeaseTTL, c.Scheduler.PollInterval))
	}
	if _, err := c.Zones(); err != nil {
		errs = append(errs, fmt.Errorf("clock: %w", err))
	}
	return errors.Join(errs...)
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, e.Tag(), e.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, e.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func (c Config) Hierarchy() (*policy.Hierarchy, error) {
	return policy.NewHierarchy(c.Identity.RoleHierarchy)
}

// BuildPolicy binds the policy section to the role hierarchy
func (c Config) BuildPolicy() (*policy.Policy, error) {
	h, err := c.Hierarchy()
	if err != nil {
		return nil, err
	}
	return policy.New(c.Policy, h)
}

func (c Config) Zones() (*clock.Zones, error) {
	return clock.NewZones(c.Clock.DefaultTimezone, c.Clock.TenantTimezones)
}

func (c Config) CoordinatorOptions() service.Options {
	opts := service.DefaultOptions()
	opts.Notify = workflow.NotifyConfig{
		Channels:               c.Notification.Channels,
		UrgentChannels:         c.Notification.UrgentChannels,
		ImmediateNotification:  c.Reminders.ImmediateNotification,
		EscalationNotification: c.Reminders.EscalationNotification,
		MaxAttempts:            c.Notification.Retry.MaxAttempts,
	}
	opts.Escalation = model.Escalation{
		Enabled:     c.Escalation.Enabled,
		MaxLevel:    c.Escalation.MaxLevel,
		Chain:       c.Escalation.Chain,
		FinalAction: c.Escalation.FinalAction,
	}
	opts.EscalateRole = c.Identity.EscalateRole
	return opts
}

func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		PollInterval:     c.Scheduler.PollInterval,
		BatchSize:        c.Scheduler.BatchSize,
		LeaseTTL:         c.Scheduler.LeaseTTL,
		Host:             c.Scheduler.Host,
		ReminderInterval: c.Reminders.ReminderInterval,
		MaxReminders:     c.Reminders.MaxReminders,
	}
}

func (c Config) DispatcherConfig() notify.DispatcherConfig {
	return notify.DispatcherConfig{
		QueueSize:       c.Notification.QueueSize,
		Workers:         c.Notification.Workers,
		PerChannelLimit: c.Notification.PerChannelLimit,
		SendTimeout:     c.Notification.SendTimeout,
	}
}

func (c Config) RetryPolicy() service.RetryPolicy {
	return service.RetryPolicy{
		Base:        c.Notification.Retry.Base,
		Cap:         c.Notification.Retry.Cap,
		MaxAttempts: c.Notification.Retry.MaxAttempts,
	}
}

// RetentionPeriod is Retention.Years in calendar-agnostic days
func (c Config) RetentionPeriod() time.Duration {
	return time.Duration(c.Retention.Years) * 365 * 24 * time.Hour
}
