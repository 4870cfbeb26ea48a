package service

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/breaker"
	"github.com/xraph/conduit/hook"
	"github.com/xraph/conduit/jobrecord"
	"github.com/xraph/conduit/limiter"
	mw "github.com/xraph/conduit/middleware"
	"github.com/xraph/conduit/retry"
	"github.com/xraph/conduit/trigger"
)

// Option configures a Service.
type Option func(*Service)

// WithConfig replaces the default configuration.
func WithConfig(cfg conduit.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithInvoker sets the downstream invoker. Required.
func WithInvoker(inv trigger.Invoker) Option {
	return func(s *Service) { s.invoker = inv }
}

// WithRecordStore sets the job-record store that receives best-effort
// terminal status updates. Optional; without it tasks simply have no
// durable mirror.
func WithRecordStore(store jobrecord.Store) Option {
	return func(s *Service) { s.records = store }
}

// WithBreaker replaces the breaker built from Config. The caller owns the
// breaker's state-change callback in that case; breaker transition hooks
// fire only for the service-built breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(s *Service) { s.brk = b }
}

// WithRetryPolicy replaces the retry policy built from Config.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.policy = p
		s.policySet = true
	}
}

// WithHook registers a lifecycle extension.
func WithHook(e hook.Extension) Option {
	return func(s *Service) { s.extensions = append(s.extensions, e) }
}

// WithMiddleware appends middleware to the attempt chain, after the
// built-in recover/metrics/logging/timeout stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(s *Service) { s.userMws = append(s.userMws, m) }
}

// WithLimits registers per-task-name rate limiting and concurrency
// configurations. Task names not listed have no limits.
func WithLimits(configs ...limiter.Config) Option {
	return func(s *Service) { s.limitConfigs = append(s.limitConfigs, configs...) }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}
