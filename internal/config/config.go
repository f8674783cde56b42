package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultGraphBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultAuthorityBase = "https://login.microsoftonline.com"

	defaultMaxRateLimitRetries = 5
	defaultMaxTransientRetries = 3
	defaultBackoffBase         = time.Second
	defaultBackoffMax          = 30 * time.Second
	defaultRequestTimeout      = 120 * time.Second
	defaultRequestsPerSecond   = 10
	defaultMaxPages            = 500
	defaultMaxItems            = 500_000
	defaultBatchSize           = 20

	defaultExcessiveRoleThreshold = 3
	defaultDormancyLookback       = 90 * 24 * time.Hour
	defaultStandingAccessHorizon  = 365 * 24 * time.Hour
	defaultParticipationThreshold = 0.8
)

// defaultPrivilegedRoles lists directory roles that should never carry
// standing assignments. Overridable via PRIVILEGED_ROLES.
var defaultPrivilegedRoles = []string{
	"Global Administrator",
	"Privileged Role Administrator",
	"Security Administrator",
	"Exchange Administrator",
	"SharePoint Administrator",
	"User Administrator",
	"Application Administrator",
	"Cloud Application Administrator",
}

type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	GraphBaseURL  string
	AuthorityBase string

	MaxRateLimitRetries int
	MaxTransientRetries int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	RequestTimeout      time.Duration
	RequestsPerSecond   int
	MaxPages            int
	MaxItems            int
	BatchSize           int

	PrivilegedRoles        []string
	ExcessiveRoleThreshold int
	DormancyLookback       time.Duration
	StandingAccessHorizon  time.Duration
	ParticipationThreshold float64

	// Weight overrides by violation kind / severity name, e.g.
	// "standing_admin_access=4,overdue_review=2". Unset entries keep
	// their defaults.
	ViolationKindWeights map[string]float64
	SeverityWeights      map[string]float64

	MetricsAddr string
}

type LoadOptions struct {
	RequireCredentials bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireCredentials: true})
}

func LoadOptionalCredentials() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireCredentials: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		TenantID:     strings.TrimSpace(os.Getenv("ENTRA_TENANT_ID")),
		ClientID:     strings.TrimSpace(os.Getenv("ENTRA_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("ENTRA_CLIENT_SECRET")),

		GraphBaseURL:  getenvDefault("GRAPH_BASE_URL", defaultGraphBaseURL),
		AuthorityBase: getenvDefault("GRAPH_AUTHORITY_URL", defaultAuthorityBase),

		MaxRateLimitRetries: getenvIntDefault("GRAPH_MAX_RATELIMIT_RETRIES", defaultMaxRateLimitRetries),
		MaxTransientRetries: getenvIntDefault("GRAPH_MAX_TRANSIENT_RETRIES", defaultMaxTransientRetries),
		BackoffBase:         getenvDurationDefault("GRAPH_BACKOFF_BASE", defaultBackoffBase),
		BackoffMax:          getenvDurationDefault("GRAPH_BACKOFF_MAX", defaultBackoffMax),
		RequestTimeout:      getenvDurationDefault("GRAPH_REQUEST_TIMEOUT", defaultRequestTimeout),
		RequestsPerSecond:   getenvIntDefault("GRAPH_REQUESTS_PER_SECOND", defaultRequestsPerSecond),
		MaxPages:            getenvIntDefault("GRAPH_MAX_PAGES", defaultMaxPages),
		MaxItems:            getenvIntDefault("GRAPH_MAX_ITEMS", defaultMaxItems),
		BatchSize:           getenvIntDefault("GRAPH_BATCH_SIZE", defaultBatchSize),

		PrivilegedRoles:        getenvListDefault("PRIVILEGED_ROLES", defaultPrivilegedRoles),
		ExcessiveRoleThreshold: getenvIntDefault("EXCESSIVE_ROLE_THRESHOLD", defaultExcessiveRoleThreshold),
		DormancyLookback:       getenvDurationDefault("DORMANCY_LOOKBACK", defaultDormancyLookback),
		StandingAccessHorizon:  getenvDurationDefault("STANDING_ACCESS_HORIZON", defaultStandingAccessHorizon),
		ParticipationThreshold: getenvFloatDefault("REVIEWER_PARTICIPATION_THRESHOLD", defaultParticipationThreshold),

		ViolationKindWeights: getenvWeightMap("VIOLATION_KIND_WEIGHTS"),
		SeverityWeights:      getenvWeightMap("SEVERITY_WEIGHTS"),

		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}

	// The Graph batch endpoint rejects more than 20 sub-requests.
	if cfg.BatchSize < 1 || cfg.BatchSize > defaultBatchSize {
		cfg.BatchSize = defaultBatchSize
	}

	if opts.RequireCredentials {
		if cfg.TenantID == "" {
			return cfg, errors.New("ENTRA_TENANT_ID is required")
		}
		if cfg.ClientID == "" {
			return cfg, errors.New("ENTRA_CLIENT_ID is required")
		}
		if cfg.ClientSecret == "" {
			return cfg, errors.New("ENTRA_CLIENT_SECRET is required")
		}
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvFloatDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return def
	}
	return f
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvWeightMap(key string) map[string]float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	out := map[string]float64{}
	for _, pair := range strings.Split(v, ",") {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || f < 0 {
			continue
		}
		out[strings.TrimSpace(name)] = f
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func getenvListDefault(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return append([]string(nil), def...)
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), def...)
	}
	return out
}
