// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-devicevault.
//
// go-devicevault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package keychain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-devicevault/pkg/adapters/audit"
	"github.com/jeremyhahn/go-devicevault/pkg/adapters/logger"
	"github.com/jeremyhahn/go-devicevault/pkg/auth"
	"github.com/jeremyhahn/go-devicevault/pkg/classifier"
	"github.com/jeremyhahn/go-devicevault/pkg/correlation"
	"github.com/jeremyhahn/go-devicevault/pkg/crypto/aead"
	"github.com/jeremyhahn/go-devicevault/pkg/health"
	"github.com/jeremyhahn/go-devicevault/pkg/integrity"
	"github.com/jeremyhahn/go-devicevault/pkg/keys"
	"github.com/jeremyhahn/go-devicevault/pkg/metrics"
	"github.com/jeremyhahn/go-devicevault/pkg/password"
	"github.com/jeremyhahn/go-devicevault/pkg/storage"
	"github.com/jeremyhahn/go-devicevault/pkg/types"
	"golang.org/x/sync/singleflight"
)

// Config configures a Service. Only Backend is required.
type Config struct {
	// Security is validated and copied at construction.
	Security types.SecurityConfiguration

	// Backend persists records.
	Backend storage.Backend

	// BackendName labels metrics and health checks. Defaults to "custom".
	BackendName string

	// AuthBackend proves owner presence. Without one, operations that
	// require authentication fail with BiometricsUnavailable.
	AuthBackend auth.Backend

	// NewAuthBackend builds the auth backend over the reserved auth
	// namespace of the service's own store, so credential writes share its
	// record locks and device lock. Ignored when AuthBackend is set.
	NewAuthBackend func(store *storage.SecureStore) (auth.Backend, error)

	// Algorithm selects the cipher for new records. Defaults to
	// ChaCha20-Poly1305; aead.Auto picks by CPU features.
	Algorithm aead.Algorithm

	// NonceTracking rejects any nonce the cipher has already produced
	// during the life of the service.
	NonceTracking bool

	// Sink receives classifier and record audit events. Defaults to a
	// bounded in-memory trail.
	Sink audit.AuditAdapter

	// Classifier overrides escalation and sink settings. Lockout settings
	// always come from Security.
	Classifier *classifier.Config

	// Notifier receives escalations.
	Notifier classifier.Notifier

	// DefensiveAction runs after the built-in response to a critical
	// error, which purges the cached key and forces re-authentication.
	DefensiveAction classifier.DefensiveAction

	// Detectors replaces the default integrity detectors. A non-nil
	// empty slice disables detection.
	Detectors []integrity.Detector

	// MonitorInterval is the StartMonitor scan period.
	MonitorInterval time.Duration

	// LockState reports the device lock. Defaults to always unlocked.
	LockState storage.LockState

	Logger logger.Logger
	Clock  func() time.Time
	Random io.Reader
}

// Service is the vault context object. It is safe for concurrent use.
type Service struct {
	security    types.SecurityConfiguration
	log         logger.Logger
	backendName string
	now         func() time.Time
	hostAction  classifier.DefensiveAction

	store      *storage.SecureStore
	cipher     *aead.Cipher
	nonces     *aead.NonceTracker
	keys       *keys.Manager
	gate       *auth.Gate
	classifier *classifier.Classifier
	monitor    *integrity.Monitor
	health     *health.Checker
	policy     password.Policy
	sink       audit.AuditAdapter

	mu            sync.Mutex
	restored      map[string]bool
	restoring     singleflight.Group
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	closed atomic.Bool
}

// New builds a Service and every component it owns.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if cfg.Backend == nil {
		return nil, ErrNoBackend
	}
	if err := cfg.Security.Validate(); err != nil {
		return nil, fmt.Errorf("keychain: invalid security configuration: %w", err)
	}

	s := &Service{
		security:    cfg.Security,
		log:         cfg.Logger,
		backendName: cfg.BackendName,
		now:         cfg.Clock,
		hostAction:  cfg.DefensiveAction,
		sink:        cfg.Sink,
		policy:      password.FromConfiguration(cfg.Security),
		restored:    make(map[string]bool),
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.backendName == "" {
		s.backendName = "custom"
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sink == nil {
		s.sink = audit.NewMemoryAuditAdapter(0)
	}

	store, err := storage.NewSecureStore(cfg.Backend, storage.DefaultPolicy(), storage.WithLockState(cfg.LockState))
	if err != nil {
		return nil, fmt.Errorf("keychain: %w", err)
	}
	s.store = store
	keyStore, err := store.WithNamespace(storage.NamespaceKeys)
	if err != nil {
		return nil, fmt.Errorf("keychain: %w", err)
	}
	stateStore, err := store.WithNamespace(storage.NamespaceAuthState)
	if err != nil {
		return nil, fmt.Errorf("keychain: %w", err)
	}

	ccfg := classifier.ConfigFromSecurity(cfg.Security)
	if cfg.Classifier != nil {
		ccfg = *cfg.Classifier
		ccfg.MaxFailedAttempts = cfg.Security.MaxFailedAttempts
		ccfg.LockoutDuration = cfg.Security.LockoutDuration
	}
	s.classifier = classifier.New(ccfg, s.sink,
		classifier.WithNotifier(cfg.Notifier),
		classifier.WithDefensiveAction(s.defend),
		classifier.WithAttemptStore(classifier.NewSecureAttemptStore(stateStore)),
		classifier.WithLogger(s.log),
		classifier.WithClock(s.now))

	s.keys = keys.NewManager(keyStore,
		keys.WithRandom(cfg.Random),
		keys.WithLogger(s.log),
		keys.WithCreateHook(s.auditKeyCreate))

	cipherOpts := []aead.Option{aead.WithAlgorithm(cfg.Algorithm), aead.WithRandom(cfg.Random)}
	if cfg.NonceTracking {
		s.nonces = aead.NewNonceTracker(true)
		cipherOpts = append(cipherOpts, aead.WithNonceTracker(s.nonces))
	}
	s.cipher = aead.NewCipher(cipherOpts...)

	authBackend := cfg.AuthBackend
	if authBackend == nil && cfg.NewAuthBackend != nil {
		authStore, err := store.WithNamespace(storage.NamespaceAuth)
		if err != nil {
			return nil, fmt.Errorf("keychain: %w", err)
		}
		if authBackend, err = cfg.NewAuthBackend(authStore); err != nil {
			return nil, fmt.Errorf("keychain: %w", err)
		}
	}
	if authBackend != nil {
		s.gate, err = auth.NewGate(authBackend, s.classifier,
			auth.WithAutoLockTimeout(cfg.Security.AutoLockTimeout),
			auth.WithLogger(s.log),
			auth.WithClock(s.now))
		if err != nil {
			return nil, fmt.Errorf("keychain: %w", err)
		}
	}

	monitorOpts := []integrity.Option{
		integrity.WithInterval(cfg.MonitorInterval),
		integrity.WithLogger(s.log),
		integrity.WithClock(s.now),
	}
	if cfg.Detectors != nil {
		monitorOpts = append(monitorOpts, integrity.WithDetectors(cfg.Detectors...))
	}
	s.monitor = integrity.NewMonitor(s.classifier, monitorOpts...)

	s.health = health.NewChecker(health.DefaultCheckTimeout)
	s.health.RegisterCheck("store", health.BackendCheck(s.backendName, cfg.Backend))
	s.health.RegisterCheck("integrity", s.integrityCheck)

	s.log.Info("Device vault initialized",
		logger.String("backend", s.backendName),
		logger.String("cipher", string(s.cipher.Algorithm())),
		logger.Bool("require_authentication", s.security.RequireBiometrics),
		logger.Bool("encrypt_data", s.security.EncryptData))
	return s, nil
}

// Security returns the configuration the service was built with.
func (s *Service) Security() types.SecurityConfiguration {
	return s.security
}

// Audit returns the audit sink.
func (s *Service) Audit() audit.AuditAdapter {
	return s.sink
}

// Authenticate proves owner presence for namespace. Failures are
// reported to the classifier and returned as *types.Error.
func (s *Service) Authenticate(ctx context.Context, namespace, reason string, opts ...auth.AuthenticateOption) (err error) {
	ctx, _ = correlation.Ensure(ctx)
	namespace = namespaceOrDefault(namespace)
	done := metrics.Track(metrics.OpAuthenticate, "auth")
	defer func() {
		done(err)
		s.report(ctx, err, namespace, "", "authenticate")
	}()

	if err := s.checkOpen(types.KindAuthenticationFailed, "authenticate"); err != nil {
		return err
	}
	return s.authenticate(ctx, namespace, reason, opts...)
}

func (s *Service) authenticate(ctx context.Context, namespace, reason string, opts ...auth.AuthenticateOption) error {
	if s.gate == nil {
		return types.NewError(types.KindBiometricsUnavailable, "authenticate", ErrNoAuthBackend)
	}
	s.restore(ctx, namespace)
	return s.gate.Authenticate(ctx, namespace, reason, opts...)
}

// authorize authenticates only when the configuration requires it.
func (s *Service) authorize(ctx context.Context, namespace, reason string) error {
	if !s.security.RequireBiometrics {
		return nil
	}
	return s.authenticate(ctx, namespace, reason)
}

// restore loads the persisted lockout state of namespace once. Concurrent
// first callers wait for the same load, so none of them checks lockout
// against an empty state. A failed load is retried by the next caller.
func (s *Service) restore(ctx context.Context, namespace string) {
	s.mu.Lock()
	done := s.restored[namespace]
	s.mu.Unlock()
	if done {
		return
	}
	_, err, _ := s.restoring.Do(namespace, func() (any, error) {
		s.mu.Lock()
		done := s.restored[namespace]
		s.mu.Unlock()
		if done {
			return nil, nil
		}
		if err := s.classifier.Restore(context.WithoutCancel(ctx), namespace); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.restored[namespace] = true
		s.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		s.log.Warn("failed to restore authentication state",
			logger.String("namespace", namespace), logger.Error(err))
		s.classifier.Handle(ctx, err, map[string]string{"namespace": storage.NamespaceAuthState})
	}
}

// CancelAuthentication aborts the prompt in flight for namespace.
func (s *Service) CancelAuthentication(namespace string) bool {
	if s.gate == nil {
		return false
	}
	return s.gate.Cancel(namespaceOrDefault(namespace))
}

// ForceReauth forgets recent successes for the given namespaces, or for
// every namespace when none is given.
func (s *Service) ForceReauth(namespaces ...string) {
	if s.gate == nil {
		return
	}
	if len(namespaces) == 0 {
		s.gate.InvalidateAll()
		return
	}
	for _, ns := range namespaces {
		s.gate.Invalidate(namespaceOrDefault(ns))
	}
}

// ValidatePassword checks pw against the configured password policy.
func (s *Service) ValidatePassword(pw string) error {
	return s.policy.Check(pw)
}

// PasswordPolicy returns the configured password policy.
func (s *Service) PasswordPolicy() password.Policy {
	return s.policy
}

// PurgeKey drops the cached encryption key. The next encrypted operation
// reloads it from the store.
func (s *Service) PurgeKey(ctx context.Context) {
	s.keys.Purge()
	s.record(ctx, &audit.AuditEvent{
		EventType: audit.EventKeyPurge,
		Severity:  audit.SeverityWarning,
		Outcome:   audit.OutcomeSuccess,
		Namespace: storage.NamespaceKeys,
		RecordID:  keys.KeyID,
		Action:    "purge key",
	})
}

// defend is the classifier's response to a critical error.
func (s *Service) defend(ctx context.Context, rec classifier.ErrorRecord) {
	s.log.Warn("Critical security error, purging key and forcing re-authentication",
		logger.String("code", rec.Code),
		logger.Int("count", rec.Count))
	s.PurgeKey(ctx)
	s.ForceReauth()
	if s.hostAction != nil {
		s.hostAction(ctx, rec)
	}
}

// ScanIntegrity runs every detector once. Findings are reported to the
// classifier.
func (s *Service) ScanIntegrity(ctx context.Context) (report integrity.Report, err error) {
	ctx, _ = correlation.Ensure(ctx)
	done := metrics.Track(metrics.OpScan, "integrity")
	defer func() { done(err) }()
	return s.monitor.Scan(ctx)
}

// StartMonitor scans periodically in the background until ctx is done,
// StopMonitor is called, or the service is closed.
func (s *Service) StartMonitor(ctx context.Context) error {
	if err := s.checkOpen(types.KindStoreReadFailed, "start monitor"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitorCancel != nil {
		return ErrMonitorRunning
	}
	mctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.monitorCancel = cancel
	s.monitorDone = done
	go func() {
		defer close(done)
		s.monitor.Run(mctx)
	}()
	s.log.Info("Integrity monitor started", logger.Duration("interval", s.monitor.Interval()))
	return nil
}

// StopMonitor stops the background monitor and waits for it to exit.
func (s *Service) StopMonitor() {
	s.mu.Lock()
	cancel, done := s.monitorCancel, s.monitorDone
	s.monitorCancel, s.monitorDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// LastScan returns the most recent integrity report.
func (s *Service) LastScan() (integrity.Report, bool) {
	return s.monitor.LastReport()
}

// Records returns the classifier's error records.
func (s *Service) Records() []classifier.ErrorRecord {
	return s.classifier.Records()
}

// AttemptState returns the failed-authentication state of namespace.
func (s *Service) AttemptState(ctx context.Context, namespace string) classifier.AuthAttemptState {
	namespace = namespaceOrDefault(namespace)
	s.restore(ctx, namespace)
	return s.classifier.AttemptState(namespace)
}

// DroppedEvents returns how many audit events the classifier dropped.
func (s *Service) DroppedEvents() int64 {
	return s.classifier.Dropped()
}

// TrackedNonces returns how many nonces the cipher has recorded, and
// whether nonce tracking is on.
func (s *Service) TrackedNonces() (int, bool) {
	if s.nonces == nil {
		return 0, false
	}
	return s.nonces.Count(), s.nonces.IsEnabled()
}

// Health runs the store and integrity checks.
func (s *Service) Health(ctx context.Context) health.Report {
	report := s.health.Run(ctx)
	for _, c := range report.Checks {
		if c.Name == "store" {
			metrics.SetBackendHealth(s.backendName, c.Status == health.StatusHealthy)
		}
	}
	return report
}

func (s *Service) integrityCheck(context.Context) health.CheckResult {
	r, ok := s.monitor.LastReport()
	switch {
	case !ok:
		return health.CheckResult{Name: "integrity", Status: health.StatusHealthy, Message: "no scan yet"}
	case r.Compromised():
		return health.CheckResult{Name: "integrity", Status: health.StatusUnhealthy,
			Message: fmt.Sprintf("%d findings, device compromised", len(r.Events))}
	case !r.Clean():
		return health.CheckResult{Name: "integrity", Status: health.StatusDegraded,
			Message: fmt.Sprintf("%d findings, %d detector errors", len(r.Events), len(r.Errors))}
	default:
		return health.CheckResult{Name: "integrity", Status: health.StatusHealthy, Message: "clean"}
	}
}

// Close stops the monitor, flushes the audit sink, drops the cached key
// and closes the backend. Close is idempotent.
func (s *Service) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.StopMonitor()
	s.keys.Purge()

	var errs []error
	if err := s.classifier.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush audit sink: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	s.log.Info("Device vault closed")
	return errors.Join(errs...)
}

func (s *Service) checkOpen(kind types.Kind, op string) error {
	if s.closed.Load() {
		return types.NewStoreError(kind, op, types.StatusClosed, ErrServiceClosed)
	}
	return nil
}

// report hands err to the classifier. A nil err is ignored.
func (s *Service) report(ctx context.Context, err error, namespace, id, op string) {
	if err == nil {
		return
	}
	md := map[string]string{"namespace": namespace, "op": op}
	if id != "" {
		md["id"] = id
	}
	s.classifier.Handle(ctx, err, md)
}

// record queues an audit event on the classifier's dispatcher. It never
// waits for the sink.
func (s *Service) record(ctx context.Context, event *audit.AuditEvent) {
	event.Timestamp = s.now()
	event.CorrelationID = correlation.GetCorrelationID(ctx)
	if !s.classifier.Audit(event) {
		s.log.Debug("audit event dropped",
			logger.String("event_type", string(event.EventType)))
	}
}

func (s *Service) auditKeyCreate(ctx context.Context) {
	s.record(ctx, &audit.AuditEvent{
		EventType: audit.EventKeyCreate,
		Severity:  audit.SeverityInfo,
		Outcome:   audit.OutcomeSuccess,
		Namespace: storage.NamespaceKeys,
		RecordID:  keys.KeyID,
		Action:    "create key",
	})
}
