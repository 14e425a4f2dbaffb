package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"strings"
	"time"
)

// Roles select which pipeline stages a process runs.
const (
	RoleAll       = "all"
	RoleGateway   = "gateway"
	RoleEvaluator = "evaluator"
	RoleCore      = "core"
	RoleDispatch  = "dispatch"
	RolePipeline  = "pipeline"
)

// Model backends.
const (
	BackendClaude = "claude"
	BackendOllama = "ollama"
)

// Config adds SentinelMesh-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	Role                  string
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	GRPCPort              int

	KafkaBrokers   string
	KafkaGroup     string
	TopicTelemetry string
	TopicAnomaly   string
	TopicDispatch  string

	EvaluatorStrategy   string
	GunshotKeywords     string
	ModelBackend        string
	ModelName           string
	ModelAPIKey         string
	ModelEndpoint       string
	ModelTemperature    float64
	ModelTimeoutSeconds int
	ModelMaxTries       int

	DatabaseURL string
	RedisURL    string

	DispatchTarget     string
	RouteInProcess     bool
	RouteTimeoutMillis int
	RouteMaxTries      int
	ResponderID        string
	ResponderOffset    float64
	ResponderSpeedMPS  float64

	ReportsPerMinute     int
	SlackWebhookURL      string
	FeedAllowedOrigins   string
	HandleTimeoutSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Role, "role", RoleAll, "pipeline role: all, gateway, evaluator, core, dispatch or pipeline")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.GRPCPort, "grpc-port", 50051, "routing gRPC listen TCP port (1..65535)")

	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers (empty = in-process broker, role all only)")
	fs.StringVar(&c.KafkaGroup, "kafka-group", "sentinelmesh", "Kafka consumer group prefix")
	fs.StringVar(&c.TopicTelemetry, "topic-telemetry", "telemetry.raw.v1", "telemetry topic")
	fs.StringVar(&c.TopicAnomaly, "topic-anomaly", "anomaly.high_confidence.v1", "anomaly topic")
	fs.StringVar(&c.TopicDispatch, "topic-dispatch", "dispatch.route_assigned.v1", "dispatch topic")

	fs.StringVar(&c.EvaluatorStrategy, "evaluator-strategy", "rules", "evaluator strategy: rules or model")
	fs.StringVar(&c.GunshotKeywords, "gunshot-keywords", "gun,shot,disparo", "comma-separated audio signature keywords that indicate a gunshot")
	fs.StringVar(&c.ModelBackend, "model-backend", BackendClaude, "model backend: claude or ollama")
	fs.StringVar(&c.ModelName, "model-name", "", "model name (empty = backend default)")
	fs.StringVar(&c.ModelAPIKey, "model-api-key", "", "API key for the hosted model backend")
	fs.StringVar(&c.ModelEndpoint, "model-endpoint", "http://localhost:11434", "base URL of the local model backend")
	fs.Float64Var(&c.ModelTemperature, "model-temperature", 0, "model sampling temperature (0..1)")
	fs.IntVar(&c.ModelTimeoutSeconds, "model-timeout-seconds", 20, "per-call model timeout in seconds (1..300)")
	fs.IntVar(&c.ModelMaxTries, "model-max-tries", 3, "model call attempts before the stage fails (1..10)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the redelivery guard (empty = in-memory guard)")

	fs.StringVar(&c.DispatchTarget, "dispatch-target", "", "routing gRPC target (empty = this process's grpc-port, role all only)")
	fs.BoolVar(&c.RouteInProcess, "route-in-process", false, "estimate routes in-process instead of calling the routing service")
	fs.IntVar(&c.RouteTimeoutMillis, "route-timeout-ms", 2000, "per-attempt routing call timeout in milliseconds (1..60000)")
	fs.IntVar(&c.RouteMaxTries, "route-max-tries", 3, "routing call attempts (1..10)")
	fs.StringVar(&c.ResponderID, "responder-id", "officer-001", "responder assigned to incidents")
	fs.Float64Var(&c.ResponderOffset, "responder-offset", 0.01, "responder offset from the incident in degrees")
	fs.Float64Var(&c.ResponderSpeedMPS, "responder-speed", 12, "average responder speed in m/s")

	fs.IntVar(&c.ReportsPerMinute, "reports-per-minute", 30, "ingress report rate limit (0 = unlimited)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for dispatch notifications")
	fs.StringVar(&c.FeedAllowedOrigins, "feed-allowed-origins", "", "comma-separated browser origins allowed on the dispatch feed (* = any, empty = same origin)")
	fs.IntVar(&c.HandleTimeoutSeconds, "handle-timeout-seconds", 30, "per-message handling budget in seconds (1..600)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleAll, RoleGateway, RoleEvaluator, RoleCore, RoleDispatch, RolePipeline:
	default:
		errs = append(errs, fmt.Errorf("invalid ROLE %q (must be all, gateway, evaluator, core, dispatch or pipeline)", c.Role))
	}

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.ServesHTTP() && (c.APIPort <= 0 || c.APIPort > 65535) {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.RunsDispatch() && (c.GRPCPort <= 0 || c.GRPCPort > 65535) {
		errs = append(errs, fmt.Errorf("invalid GRPC_PORT %d (must be 1..65535)", c.GRPCPort))
	}
	if c.ServesHTTP() && c.RunsDispatch() && c.APIPort == c.GRPCPort {
		errs = append(errs, fmt.Errorf("HTTP_PORT and GRPC_PORT must differ (both %d)", c.APIPort))
	}

	// Split roles talk to each other over Kafka only
	if c.Role != RoleAll && c.Role != RoleDispatch && len(c.Brokers()) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required for role %q", c.Role))
	}
	if len(c.Brokers()) > 0 && strings.TrimSpace(c.KafkaGroup) == "" {
		errs = append(errs, errors.New("KAFKA_GROUP is required when KAFKA_BROKERS is set"))
	}
	errs = append(errs, c.validateTopics()...)

	if c.RunsEvaluator() {
		errs = append(errs, c.validateEvaluator()...)
	}
	if c.RunsCore() {
		errs = append(errs, c.validateCore()...)
	}
	if c.RunsDispatch() || (c.RunsCore() && c.RouteInProcess) {
		if math.IsNaN(c.ResponderSpeedMPS) || math.IsInf(c.ResponderSpeedMPS, 0) || c.ResponderSpeedMPS <= 0 {
			errs = append(errs, fmt.Errorf("invalid RESPONDER_SPEED %v (must be > 0)", c.ResponderSpeedMPS))
		}
	}

	if c.ServesReports() && c.ReportsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("invalid REPORTS_PER_MINUTE %d (must be >= 0)", c.ReportsPerMinute))
	}
	if c.HandleTimeoutSeconds <= 0 || c.HandleTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid HANDLE_TIMEOUT_SECONDS %d (must be 1..600)", c.HandleTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validateTopics() []error {
	var errs []error
	seen := map[string]string{}
	for _, t := range []struct{ name, value string }{
		{"TOPIC_TELEMETRY", c.TopicTelemetry},
		{"TOPIC_ANOMALY", c.TopicAnomaly},
		{"TOPIC_DISPATCH", c.TopicDispatch},
	} {
		v := strings.TrimSpace(t.value)
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", t.name))
			continue
		}
		if other, ok := seen[v]; ok {
			errs = append(errs, fmt.Errorf("%s and %s must differ (both %q)", other, t.name, v))
			continue
		}
		seen[v] = t.name
	}
	return errs
}

func (c *Config) validateEvaluator() []error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.EvaluatorStrategy)) {
	case "rules":
	case "model":
		switch c.ModelBackend {
		case BackendClaude, BackendOllama:
		default:
			errs = append(errs, fmt.Errorf("invalid MODEL_BACKEND %q (must be claude or ollama)", c.ModelBackend))
		}
		if c.ModelBackend == BackendOllama && strings.TrimSpace(c.ModelEndpoint) == "" {
			errs = append(errs, errors.New("MODEL_ENDPOINT is required for the ollama backend"))
		}
		if math.IsNaN(c.ModelTemperature) || c.ModelTemperature < 0 || c.ModelTemperature > 1 {
			errs = append(errs, fmt.Errorf("invalid MODEL_TEMPERATURE %v (must be 0..1)", c.ModelTemperature))
		}
		if c.ModelTimeoutSeconds <= 0 || c.ModelTimeoutSeconds > 300 {
			errs = append(errs, fmt.Errorf("invalid MODEL_TIMEOUT_SECONDS %d (must be 1..300)", c.ModelTimeoutSeconds))
		}
		if c.ModelMaxTries <= 0 || c.ModelMaxTries > 10 {
			errs = append(errs, fmt.Errorf("invalid MODEL_MAX_TRIES %d (must be 1..10)", c.ModelMaxTries))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid EVALUATOR_STRATEGY %q (must be rules or model)", c.EvaluatorStrategy))
	}
	return errs
}

func (c *Config) validateCore() []error {
	var errs []error
	if strings.TrimSpace(c.ResponderID) == "" {
		errs = append(errs, errors.New("RESPONDER_ID is required"))
	}
	if math.IsNaN(c.ResponderOffset) || math.Abs(c.ResponderOffset) > 1 {
		errs = append(errs, fmt.Errorf("invalid RESPONDER_OFFSET %v (must be -1..1 degrees)", c.ResponderOffset))
	}
	if c.RouteInProcess {
		return errs
	}
	if c.RouteTarget() == "" {
		errs = append(errs, fmt.Errorf("DISPATCH_TARGET is required for role %q unless ROUTE_IN_PROCESS is set", c.Role))
	} else {
		if c.RouteTimeoutMillis <= 0 || c.RouteTimeoutMillis > 60000 {
			errs = append(errs, fmt.Errorf("invalid ROUTE_TIMEOUT_MS %d (must be 1..60000)", c.RouteTimeoutMillis))
		}
		if c.RouteMaxTries <= 0 || c.RouteMaxTries > 10 {
			errs = append(errs, fmt.Errorf("invalid ROUTE_MAX_TRIES %d (must be 1..10)", c.RouteMaxTries))
		}
	}
	return errs
}

// ServesHTTP reports whether the role mounts the public HTTP listener.
func (c *Config) ServesHTTP() bool {
	return c.ServesReports() || c.RunsCore()
}

// ServesReports reports whether the role accepts ingress reports.
func (c *Config) ServesReports() bool { return c.Role == RoleAll || c.Role == RoleGateway }

// RunsEvaluator reports whether the role consumes telemetry.
func (c *Config) RunsEvaluator() bool {
	return c.Role == RoleAll || c.Role == RoleEvaluator || c.Role == RolePipeline
}

// RunsCore reports whether the role correlates escalations and owns incidents.
func (c *Config) RunsCore() bool {
	return c.Role == RoleAll || c.Role == RoleCore || c.Role == RolePipeline
}

// Inline reports whether escalations are correlated by the telemetry
// consumer itself instead of a separate anomaly consumer.
func (c *Config) Inline() bool { return c.Role == RolePipeline }

// RunsDispatch reports whether the role serves the routing gRPC API.
func (c *Config) RunsDispatch() bool { return c.Role == RoleAll || c.Role == RoleDispatch }

// Brokers splits KafkaBrokers into a list, dropping blanks.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// FeedOrigins splits FeedAllowedOrigins into a list, dropping blanks.
func (c *Config) FeedOrigins() []string {
	return splitList(c.FeedAllowedOrigins)
}

// Keywords splits GunshotKeywords into a list, dropping blanks.
func (c *Config) Keywords() []string {
	return splitList(c.GunshotKeywords)
}

// ModelTimeout returns the per-call model timeout.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.ModelTimeoutSeconds) * time.Second
}

// RouteTarget returns the routing service address the core dials. Without an
// explicit DispatchTarget a role that also serves routing dials itself.
func (c *Config) RouteTarget() string {
	if c.DispatchTarget != "" {
		return c.DispatchTarget
	}
	if c.RunsDispatch() {
		return fmt.Sprintf("127.0.0.1:%d", c.GRPCPort)
	}
	return ""
}

// RouteTimeout returns the per-attempt routing call timeout.
func (c *Config) RouteTimeout() time.Duration {
	return time.Duration(c.RouteTimeoutMillis) * time.Millisecond
}

// HandleTimeout returns the per-message handling budget.
func (c *Config) HandleTimeout() time.Duration {
	return time.Duration(c.HandleTimeoutSeconds) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
