package email

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"courier/internal/external"
	"courier/internal/types"
)

var testNow = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) With(...any) types.Logger      { return l }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

// fakeAdapter is a scriptable provider adapter.
type fakeAdapter struct {
	kind types.ProviderKind
	id   string

	mu        sync.Mutex
	sends     []*types.OutboundMessage
	sendErr   error
	messageID string
	verifyErr error
	verifyDur time.Duration
	event     *types.CanonicalEvent
	parseErr  error

	// entered, when set, receives a value as Send starts; gate, when set,
	// holds Send until it is closed.
	entered chan struct{}
	gate    chan struct{}
}

func (a *fakeAdapter) Kind() types.ProviderKind { return a.kind }
func (a *fakeAdapter) IntegrationID() string    { return a.id }

func (a *fakeAdapter) Send(_ context.Context, msg *types.OutboundMessage) (string, error) {
	if a.entered != nil {
		a.entered <- struct{}{}
	}
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, msg)
	if a.sendErr != nil {
		return "", a.sendErr
	}
	if a.messageID != "" {
		return a.messageID, nil
	}
	return "msg-" + a.id, nil
}

func (a *fakeAdapter) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sends)
}

func (a *fakeAdapter) VerifyCredentials(context.Context) error {
	if a.verifyDur > 0 {
		time.Sleep(a.verifyDur)
	}
	return a.verifyErr
}

// ValidateWebhookSignature accepts the header "X-Test-Signature" equal to
// the secret.
func (a *fakeAdapter) ValidateWebhookSignature(_ []byte, headers http.Header, secret string) bool {
	return secret != "" && headers.Get("X-Test-Signature") == secret
}

func (a *fakeAdapter) ParseWebhookEvent([]byte) (*types.CanonicalEvent, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	if a.event == nil {
		return nil, nil
	}
	ev := *a.event
	return &ev, nil
}

type listerAdapter struct {
	*fakeAdapter
	identities []string
	listErr    error
}

func (a *listerAdapter) VerifiedEmailIdentities(context.Context) ([]string, error) {
	return a.identities, a.listErr
}

// staticSource serves a fixed list of integration configs.
type staticSource struct {
	configs []*types.IntegrationConfig
	err     error
	calls   int
}

func (s *staticSource) Active(context.Context) ([]*types.IntegrationConfig, error) {
	s.calls++
	return s.configs, s.err
}

// adapterSet builds fake adapters keyed by integration id.
type adapterSet map[string]external.Adapter

func (a adapterSet) factory(cfg *types.IntegrationConfig) (external.Adapter, error) {
	ad, ok := a[cfg.ID]
	if !ok {
		return nil, errors.New("no adapter for " + cfg.ID)
	}
	return ad, nil
}

func newTestRegistry(configs []*types.IntegrationConfig, adapters adapterSet) *Registry {
	return NewRegistry(&staticSource{configs: configs}, adapters.factory,
		external.NewBreakerSet(external.BreakerSettings{FailureThreshold: 2, ResetTimeout: time.Minute}), nil)
}

// memJobs mirrors the guarded transitions of the jobs table.
type memJobs struct {
	mu    sync.Mutex
	byID  map[string]*types.OutboundEmailJob
	byKey map[string]string
}

func newMemJobs() *memJobs {
	return &memJobs{byID: map[string]*types.OutboundEmailJob{}, byKey: map[string]string{}}
}

func (m *memJobs) Create(_ context.Context, j *types.OutboundEmailJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[j.IdempotencyKey]; ok {
		return false, nil
	}
	cp := *j
	cp.CreatedAt = testNow
	m.byID[j.ID] = &cp
	m.byKey[j.IdempotencyKey] = j.ID
	return true, nil
}

func (m *memJobs) Get(_ context.Context, id string) (*types.OutboundEmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "email job not found", nil)
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) GetByIdempotencyKey(ctx context.Context, key string) (*types.OutboundEmailJob, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.Get(ctx, id)
}

func (m *memJobs) MarkProcessing(_ context.Context, id string, at, staleBefore time.Time) (*types.OutboundEmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	stale := j != nil && j.Status == types.JobStatusProcessing &&
		(j.LastAttemptAt == nil || j.LastAttemptAt.Before(staleBefore))
	if !ok || !(j.Status == types.JobStatusPending || stale ||
		(j.Status == types.JobStatusFailed && j.Attempts < j.MaxAttempts)) {
		return nil, types.NewAppError(types.ErrCodeConflictJobState, "email job cannot start a new attempt", nil)
	}
	j.Status = types.JobStatusProcessing
	j.Attempts++
	j.LastAttemptAt = &at
	cp := *j
	return &cp, nil
}

func (m *memJobs) MarkSent(_ context.Context, id, messageID string, provider types.ProviderKind, integrationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok || j.Status != types.JobStatusProcessing {
		return types.NewAppError(types.ErrCodeConflictJobState, "email job is not processing", nil)
	}
	j.Status = types.JobStatusSent
	j.MessageID = messageID
	j.Provider = provider
	j.IntegrationID = integrationID
	j.Error = ""
	return nil
}

func (m *memJobs) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok || j.Status != types.JobStatusProcessing {
		return types.NewAppError(types.ErrCodeConflictJobState, "email job is not processing", nil)
	}
	j.Status = types.JobStatusFailed
	j.Error = reason
	return nil
}

func (m *memJobs) FailPending(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.byID[id]; ok && j.Status == types.JobStatusPending {
		j.Status = types.JobStatusFailed
		j.Error = reason
	}
	return nil
}

func (m *memJobs) only() *types.OutboundEmailJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.byID {
		cp := *j
		return &cp
	}
	return nil
}

// memEvents dedups on (message_id, event_type).
type memEvents struct {
	mu        sync.Mutex
	events    []*types.DeliveryEvent
	insertErr error
	deleteErr error
	countErr  error
}

func (m *memEvents) Insert(_ context.Context, e *types.DeliveryEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return false, m.insertErr
	}
	for _, x := range m.events {
		if x.MessageID == e.MessageID && x.Type == e.Type {
			return false, nil
		}
	}
	cp := *e
	m.events = append(m.events, &cp)
	return true, nil
}

func (m *memEvents) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	for i, x := range m.events {
		if x.ID == id {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memEvents) FindSendContext(_ context.Context, messageID string) (*types.SendContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.events {
		if x.MessageID == messageID && x.Type == types.EventSent {
			return &types.SendContext{
				IntegrationID: x.IntegrationID,
				Provider:      x.Provider,
				EmailType:     x.EmailType,
				TemplateCode:  x.TemplateCode,
				TenantID:      x.TenantID,
				UserID:        x.UserID,
			}, nil
		}
	}
	return nil, nil
}

func (m *memEvents) CountSentSince(_ context.Context, integrationID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	n := 0
	for _, x := range m.events {
		if x.Type == types.EventSent && x.IntegrationID == integrationID && !x.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memEvents) ofType(t types.EventType) []*types.DeliveryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.DeliveryEvent
	for _, x := range m.events {
		if x.Type == t {
			out = append(out, x)
		}
	}
	return out
}

// memRecipients mirrors the sticky reputation updates.
type memRecipients struct {
	mu      sync.Mutex
	byEmail map[string]*types.RecipientReputation
	markErr error
}

func newMemRecipients() *memRecipients {
	return &memRecipients{byEmail: map[string]*types.RecipientReputation{}}
}

func (m *memRecipients) row(email string) *types.RecipientReputation {
	r, ok := m.byEmail[email]
	if !ok {
		r = &types.RecipientReputation{ID: "rcp-" + email, Email: email}
		m.byEmail[email] = r
	}
	return r
}

func (m *memRecipients) put(r *types.RecipientReputation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byEmail[r.Email] = r
}

func (m *memRecipients) get(email string) *types.RecipientReputation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byEmail[email]; ok {
		cp := *r
		return &cp
	}
	return nil
}

func (m *memRecipients) GetByEmail(_ context.Context, email string) (*types.RecipientReputation, error) {
	return m.get(email), nil
}

func (m *memRecipients) GetByToken(_ context.Context, token string) (*types.RecipientReputation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byEmail {
		if r.UnsubscribeToken == token {
			cp := *r
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundToken, "unsubscribe token not found", nil)
}

func (m *memRecipients) EnsureToken(_ context.Context, email, userID, tenantID, candidate string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(email)
	if r.UnsubscribeToken == "" {
		r.UnsubscribeToken = candidate
	}
	if r.UserID == "" {
		r.UserID = userID
	}
	if r.TenantID == "" {
		r.TenantID = tenantID
	}
	return r.UnsubscribeToken, nil
}

func (m *memRecipients) MarkBounced(_ context.Context, email string, bt types.BounceType, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	r := m.row(email)
	r.Bounced = true
	if r.BounceType != types.BounceHard {
		r.BounceType = bt
	}
	r.BouncedAt = &at
	return nil
}

func (m *memRecipients) MarkComplaint(_ context.Context, email string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	r := m.row(email)
	r.OptedOut = true
	if r.OptOutAt == nil {
		r.OptOutAt = &at
	}
	r.ComplaintCount++
	return nil
}

func (m *memRecipients) OptOut(_ context.Context, email string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	r := m.row(email)
	r.OptedOut = true
	if r.OptOutAt == nil {
		r.OptOutAt = &at
	}
	return nil
}

func (m *memRecipients) OptOutByToken(_ context.Context, token string, at time.Time) (*types.RecipientReputation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byEmail {
		if r.UnsubscribeToken == token {
			r.OptedOut = true
			if r.OptOutAt == nil {
				r.OptOutAt = &at
			}
			cp := *r
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundToken, "unsubscribe token not found", nil)
}

// memIntegrations stores integrations in creation order.
type memIntegrations struct {
	mu      sync.Mutex
	rows    []*types.ProviderIntegration
	health  map[string]types.HealthStatus
	details map[string]map[string]any
}

func newMemIntegrations(rows ...*types.ProviderIntegration) *memIntegrations {
	return &memIntegrations{rows: rows, health: map[string]types.HealthStatus{}, details: map[string]map[string]any{}}
}

func (m *memIntegrations) List(context.Context) ([]*types.ProviderIntegration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.ProviderIntegration, len(m.rows))
	for i, r := range m.rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *memIntegrations) ListActive(ctx context.Context) ([]*types.ProviderIntegration, error) {
	all, _ := m.List(ctx)
	var out []*types.ProviderIntegration
	for _, r := range all {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memIntegrations) Get(_ context.Context, id string) (*types.ProviderIntegration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundIntegration, "integration not found", nil)
}

func (m *memIntegrations) Create(_ context.Context, p *types.ProviderIntegration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memIntegrations) Update(_ context.Context, p *types.ProviderIntegration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rows {
		if r.ID == p.ID {
			cp := *p
			m.rows[i] = &cp
			return nil
		}
	}
	return types.NewAppError(types.ErrCodeNotFoundIntegration, "integration not found", nil)
}

func (m *memIntegrations) SetPrimary(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, r := range m.rows {
		if r.ID == id {
			found = true
		}
	}
	if !found {
		return types.NewAppError(types.ErrCodeNotFoundIntegration, "integration not found", nil)
	}
	for _, r := range m.rows {
		r.IsPrimary = r.ID == id
	}
	return nil
}

func (m *memIntegrations) UpdateHealth(_ context.Context, id string, status types.HealthStatus, _ string, details map[string]any, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[id] = status
	m.details[id] = details
	return nil
}

func (m *memIntegrations) healthOf(id string) types.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health[id]
}

type memTemplates map[string]*types.EmailTemplate

func (m memTemplates) Get(_ context.Context, code string) (*types.EmailTemplate, error) {
	t, ok := m[code]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "template not found", nil)
	}
	return t, nil
}

// prefixCipher "encrypts" by prefixing. Values without the prefix fail.
type prefixCipher struct{}

func (prefixCipher) Encrypt(plain string) (string, error) { return "enc:" + plain, nil }

func (prefixCipher) Decrypt(enc string) (string, error) {
	plain, ok := strings.CutPrefix(enc, "enc:")
	if !ok {
		return "", errors.New("bad ciphertext")
	}
	return plain, nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type recorded struct {
	dims   types.MetricsDims
	counts types.MetricsCounts
}

type fakeRecorder struct {
	mu   sync.Mutex
	rows []recorded
}

func (r *fakeRecorder) Record(_ context.Context, _ time.Time, dims types.MetricsDims, c types.MetricsCounts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, recorded{dims: dims, counts: c})
}

func (r *fakeRecorder) total() types.MetricsCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum types.MetricsCounts
	for _, x := range r.rows {
		sum.Add(x.counts)
	}
	return sum
}

func integration(id string, kind types.ProviderKind, primary bool) *types.IntegrationConfig {
	return &types.IntegrationConfig{
		ID:            id,
		Provider:      kind,
		Name:          "integration " + id,
		IsActive:      true,
		IsPrimary:     primary,
		WebhookSecret: "whsec",
	}
}

func sortedIDs(ps []*Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID()
	}
	sort.Strings(out)
	return out
}

// tickClock advances a millisecond on every read.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}
