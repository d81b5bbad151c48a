package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env             string        `mapstructure:"ENV"`
	ServiceName     string        `mapstructure:"SERVICE_NAME"`
	Port            string        `mapstructure:"PORT"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	AdminKey        string        `mapstructure:"ADMIN_KEY"`
	CORSAllowed     string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	MaxUploadSizeMB int64         `mapstructure:"MAX_UPLOAD_SIZE_MB"`

	DispatchRadiusKm float64       `mapstructure:"DISPATCH_RADIUS_KM"`
	OfferTTL         time.Duration `mapstructure:"OFFER_TTL"`
	MaxCandidates    int           `mapstructure:"MAX_CANDIDATES"`
	GeoTimeout       time.Duration `mapstructure:"GEO_TIMEOUT"`
	AverageSpeedKmh  float64       `mapstructure:"AVERAGE_SPEED_KMH"`

	SLABufferRatio    float64       `mapstructure:"SLA_BUFFER_RATIO"`
	SLAFallbackWindow time.Duration `mapstructure:"SLA_FALLBACK_WINDOW"`
	SweepInterval     time.Duration `mapstructure:"SWEEP_INTERVAL"`

	OSRMURL           string `mapstructure:"OSRM_URL"`
	NominatimURL      string `mapstructure:"NOMINATIM_URL"`
	GeocoderUserAgent string `mapstructure:"GEOCODER_USER_AGENT"`

	RabbitURL       string `mapstructure:"RABBIT_URL"`
	NotifyExchange  string `mapstructure:"NOTIFY_EXCHANGE"`
	NotifyQueueSize int    `mapstructure:"NOTIFY_QUEUE_SIZE"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "dev")
	v.SetDefault("SERVICE_NAME", "dispatch-engine")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("ADMIN_KEY", "")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_UPLOAD_SIZE_MB", 10)

	v.SetDefault("DISPATCH_RADIUS_KM", 10.0)
	v.SetDefault("OFFER_TTL", "5m")
	v.SetDefault("MAX_CANDIDATES", 5)
	v.SetDefault("GEO_TIMEOUT", "3s")
	v.SetDefault("AVERAGE_SPEED_KMH", 40.0)

	v.SetDefault("SLA_BUFFER_RATIO", 0.2)
	v.SetDefault("SLA_FALLBACK_WINDOW", "60m")
	v.SetDefault("SWEEP_INTERVAL", "60s")

	v.SetDefault("OSRM_URL", "")
	v.SetDefault("NOMINATIM_URL", "")
	v.SetDefault("GEOCODER_USER_AGENT", "roadside-dispatch")

	v.SetDefault("RABBIT_URL", "")
	v.SetDefault("NOTIFY_EXCHANGE", "dispatch.events")
	v.SetDefault("NOTIFY_QUEUE_SIZE", 256)

	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
}

func (c Config) Validate() error {
	var errs []error
	if c.DispatchRadiusKm <= 0 {
		errs = append(errs, errors.New("DISPATCH_RADIUS_KM must be positive"))
	}
	if c.OfferTTL <= 0 {
		errs = append(errs, errors.New("OFFER_TTL must be positive"))
	}
	if c.MaxCandidates <= 0 {
		errs = append(errs, errors.New("MAX_CANDIDATES must be positive"))
	}
	if c.GeoTimeout <= 0 {
		errs = append(errs, errors.New("GEO_TIMEOUT must be positive"))
	}
	if c.AverageSpeedKmh <= 0 {
		errs = append(errs, errors.New("AVERAGE_SPEED_KMH must be positive"))
	}
	if c.SLABufferRatio < 0 {
		errs = append(errs, errors.New("SLA_BUFFER_RATIO must not be negative"))
	}
	if c.SLAFallbackWindow <= 0 {
		errs = append(errs, errors.New("SLA_FALLBACK_WINDOW must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.NotifyQueueSize <= 0 {
		errs = append(errs, errors.New("NOTIFY_QUEUE_SIZE must be positive"))
	}
	return errors.Join(errs...)
}
