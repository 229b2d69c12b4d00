package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"
	"github.com/boddenberg/tradeflow-bfa-go/internal/scope"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var sessionTracer = otel.Tracer("service/session")

const (
	maxWarnings = 10

	// Extracted fields below this confidence never seed the draft.
	minSeedConfidence = 70
)

// SessionState is the full draft view handed to the UI and to subscribers.
type SessionState struct {
	Project       *domain.Project            `json:"project"`
	Lifecycle     LifecycleState             `json:"lifecycle"`
	ClientItems   []domain.SpecificationItem `json:"clientItems"`
	SupplierItems []domain.SpecificationItem `json:"supplierItems"`
	Gate          GateState                  `json:"gate"`
	GateKind      domain.GateKind            `json:"gateKind,omitempty"`
	Terminal      bool                       `json:"terminal"`
	Error         string                     `json:"error,omitempty"`
	Dirty         bool                       `json:"dirty"`
	Warnings      []string                   `json:"warnings,omitempty"`
}

// DraftUpdate carries the client-owned project fields a Set call may change.
type DraftUpdate struct {
	CompanyData *domain.CompanyData `json:"company_data,omitempty"`
	Payment     *Payment            `json:"payment,omitempty"`
}

// SessionDeps are the collaborators shared by every session.
type SessionDeps struct {
	Store        port.Store
	Specs        *Specifications
	Dispatcher   *NotificationDispatcher
	Analyzer     port.DocumentAnalyzer // optional
	Awaiting     domain.AwaitingSet
	PollInterval time.Duration
	EditDebounce time.Duration
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// Session is the explicit context object for one project being edited.
// It owns the lifecycle controller, both edit buffers and the approval gate,
// and every timer they start.
type Session struct {
	projectID string
	userID    string
	deps      SessionDeps
	logger    *zap.Logger

	scope      *scope.Scope
	controller *LifecycleController
	buffers    map[domain.Role]*EditBuffer
	gate       *ApprovalGate

	mu       sync.Mutex
	subs     map[int]func(SessionState)
	nextSub  int
	warnings []string
}

func newSession(ctx context.Context, userID string, draft *domain.Draft, deps SessionDeps) (*Session, error) {
	project := draft.Project.Clone()
	project.CurrentStep, project.MaxStepReached = draft.CurrentStep, draft.MaxStepReached

	controller, err := NewLifecycleController(project, deps.Store, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		projectID:  project.ID,
		userID:     userID,
		deps:       deps,
		logger:     observability.ProjectLogger(deps.Logger, project.ID),
		scope:      scope.New(context.Background()),
		controller: controller,
		buffers:    make(map[domain.Role]*EditBuffer, 2),
		subs:       make(map[int]func(SessionState)),
	}
	s.gate = NewApprovalGate(s.scope, project.ID, deps.Store, controller, deps.PollInterval, deps.Metrics, deps.Logger, s.onGateResolved)

	for _, role := range []domain.Role{domain.RoleClient, domain.RoleSupplier} {
		buf := NewEditBuffer(s.scope, deps.Specs, project.ID, role, deps.EditDebounce, deps.Metrics, deps.Logger)
		s.buffers[role] = buf
	}

	s.buffers[domain.RoleClient].Seed(draft.Items)
	if err := s.buffers[domain.RoleSupplier].Load(ctx); err != nil {
		s.warn("supplier specification unavailable: " + err.Error())
	}

	controller.SetObserver(func(LifecycleState) { s.publish() })
	for _, buf := range s.buffers {
		buf.OnChange(func([]domain.SpecificationItem) { s.publish() })
	}

	if status := controller.State().Status; deps.Awaiting.Contains(status) {
		s.enterGate(ctx, status)
	}
	return s, nil
}

// ProjectID returns the project this session edits.
func (s *Session) ProjectID() string { return s.projectID }

// UserID returns the owner of the session.
func (s *Session) UserID() string { return s.userID }

// Get returns the current draft view.
func (s *Session) Get() SessionState {
	lc := s.controller.State()
	client := s.buffers[domain.RoleClient]
	supplier := s.buffers[domain.RoleSupplier]

	state := SessionState{
		Project:       s.controller.Project(),
		Lifecycle:     lc,
		ClientItems:   client.Rows(),
		SupplierItems: supplier.Rows(),
		Gate:          s.gate.State(),
		GateKind:      s.gate.Gate(),
		Dirty:         client.Dirty() || supplier.Dirty(),
	}
	if err := s.gate.Err(); err != nil {
		state.Terminal = true
		state.Error = err.Error()
	} else if domain.IsRejection(lc.Status) {
		state.Terminal = true
		state.Error = (&domain.ErrRejected{ProjectID: s.projectID}).Error()
	}

	s.mu.Lock()
	state.Warnings = append([]string(nil), s.warnings...)
	s.mu.Unlock()
	return state
}

// Set applies client-owned field changes.
func (s *Session) Set(ctx context.Context, upd DraftUpdate) (SessionState, error) {
	if err := s.checkOpen(); err != nil {
		return SessionState{}, err
	}
	ctx, span := sessionTracer.Start(ctx, "Session.Set")
	defer span.End()

	if upd.CompanyData != nil {
		if err := s.controller.SetCompanyData(ctx, *upd.CompanyData); err != nil {
			return s.Get(), err
		}
	}
	if upd.Payment != nil {
		pay := *upd.Payment
		if pay.Amount <= 0 {
			for _, it := range s.buffers[domain.RoleClient].Rows() {
				pay.Amount += it.Total
			}
		}
		if err := s.controller.SetPayment(ctx, pay); err != nil {
			return s.Get(), err
		}
	}
	return s.Get(), nil
}

// Subscribe registers fn for every state change and returns its cancel func.
func (s *Session) Subscribe(fn func(SessionState)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	subs := make([]func(SessionState), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	state := s.Get()
	for _, fn := range subs {
		fn(state)
	}
}

func (s *Session) warn(msg string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, msg)
	if len(s.warnings) > maxWarnings {
		s.warnings = s.warnings[len(s.warnings)-maxWarnings:]
	}
	s.mu.Unlock()
}

func (s *Session) checkOpen() error {
	if s.scope.Closed() {
		return &domain.ErrSessionClosed{ProjectID: s.projectID}
	}
	return nil
}

// Advance moves the project forward. Pending client edits are committed before
// submission, and entering an awaiting status sends the gate's approval
// request and starts polling. A failed notification is a warning only.
func (s *Session) Advance(ctx context.Context, status domain.Status, changedBy, comment string) (SessionState, error) {
	if err := s.checkOpen(); err != nil {
		return SessionState{}, err
	}
	ctx, span := sessionTracer.Start(ctx, "Session.Advance")
	defer span.End()
	span.SetAttributes(attribute.String("status.to", string(status)))

	if status == domain.StatusWaitingApproval {
		if err := s.buffers[domain.RoleClient].Flush(ctx); err != nil {
			return s.Get(), err
		}
		if err := s.syncSpecificationID(ctx); err != nil {
			return s.Get(), err
		}
	}

	before := s.controller.State().Status
	lc, err := s.controller.Advance(ctx, status, changedBy, comment)
	if err != nil {
		return s.Get(), err
	}
	if lc.Status != before {
		s.enterGate(ctx, lc.Status)
	}
	return s.Get(), nil
}

// enterGate sends the approval request for an awaiting status and arms the
// poll. Non-awaiting statuses stop any running poll.
func (s *Session) enterGate(ctx context.Context, status domain.Status) {
	if !s.deps.Awaiting.Contains(status) {
		s.gate.Stop()
		return
	}
	gate, _ := domain.GateFor(status)

	if _, err := s.deps.Dispatcher.EnsureSent(ctx, s.projectID, gate, s.payloadBuilder(gate)); err != nil {
		s.warn(err.Error())
	}
	s.gate.Arm(status)
	s.publish()
}

func (s *Session) payloadBuilder(gate domain.GateKind) PayloadBuilder {
	return func(ctx context.Context) (*domain.ApprovalRequest, error) {
		items, err := s.deps.Specs.List(ctx, s.projectID, domain.RoleClient)
		if err != nil {
			s.logger.Warn("payload: using buffered items", zap.Error(err))
			items = s.buffers[domain.RoleClient].Authoritative()
		}
		return BuildApprovalPayload(s.controller.Project(), items, gate), nil
	}
}

func (s *Session) onGateResolved(res GateResolution) {
	if res.Err != nil {
		s.warn(res.Err.Error())
		s.publish()
		return
	}
	if s.deps.Awaiting.Contains(res.To) {
		s.enterGate(s.scope.Context(), res.To)
		return
	}
	s.publish()
}

// GoTo moves the wizard to an unlocked step. It reports false for locked steps.
func (s *Session) GoTo(step int) bool {
	if s.scope.Closed() {
		return false
	}
	return s.controller.GoTo(step)
}

// Refresh re-reads the stored project and both specifications.
func (s *Session) Refresh(ctx context.Context) (SessionState, error) {
	if err := s.checkOpen(); err != nil {
		return SessionState{}, err
	}
	ctx, span := sessionTracer.Start(ctx, "Session.Refresh")
	defer span.End()

	before := s.controller.State().Status
	lc, err := s.controller.Refresh(ctx)
	if err != nil {
		return s.Get(), err
	}
	for role, buf := range s.buffers {
		if err := buf.Load(ctx); err != nil {
			s.logger.Warn("refresh: specification reload failed", zap.String("role", string(role)), zap.Error(err))
		}
	}
	if lc.Status != before || (s.deps.Awaiting.Contains(lc.Status) && s.gate.State() != GateAwaiting) {
		s.enterGate(ctx, lc.Status)
	}
	return s.Get(), nil
}

// Buffer returns the edit buffer of a role.
func (s *Session) Buffer(role domain.Role) (*EditBuffer, error) {
	buf, ok := s.buffers[role]
	if !ok {
		return nil, &domain.ErrValidation{Field: "role", Message: "must be client or supplier"}
	}
	return buf, nil
}

// EditItem records an uncommitted change to one row.
func (s *Session) EditItem(role domain.Role, itemID string, patch domain.ItemPatch) (domain.SpecificationItem, error) {
	if err := s.checkOpen(); err != nil {
		return domain.SpecificationItem{}, err
	}
	buf, err := s.Buffer(role)
	if err != nil {
		return domain.SpecificationItem{}, err
	}
	return buf.Edit(itemID, patch)
}

// BlurItem commits one row's pending edits.
func (s *Session) BlurItem(ctx context.Context, role domain.Role, itemID string) (CommitOutcome, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	buf, err := s.Buffer(role)
	if err != nil {
		return "", err
	}
	return buf.Blur(ctx, itemID)
}

// AddItem inserts one row.
func (s *Session) AddItem(ctx context.Context, role domain.Role, item domain.SpecificationItem) (*domain.SpecificationItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	buf, err := s.Buffer(role)
	if err != nil {
		return nil, err
	}
	row, err := buf.Add(ctx, item)
	if err != nil {
		return nil, err
	}
	if role == domain.RoleClient {
		if err := s.syncSpecificationID(ctx); err != nil {
			s.warn(err.Error())
		}
	}
	return row, nil
}

// AddItems bulk-inserts rows and returns the batch id.
func (s *Session) AddItems(ctx context.Context, role domain.Role, items []domain.SpecificationItem) (string, []domain.SpecificationItem, error) {
	if err := s.checkOpen(); err != nil {
		return "", nil, err
	}
	buf, err := s.Buffer(role)
	if err != nil {
		return "", nil, err
	}
	batchID, rows, err := buf.AddMany(ctx, items)
	if err != nil {
		return "", nil, err
	}
	if role == domain.RoleClient {
		if err := s.syncSpecificationID(ctx); err != nil {
			s.warn(err.Error())
		}
	}
	return batchID, rows, nil
}

// RemoveItem deletes one row.
func (s *Session) RemoveItem(ctx context.Context, role domain.Role, itemID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	buf, err := s.Buffer(role)
	if err != nil {
		return err
	}
	if err := buf.Remove(ctx, itemID); err != nil {
		return err
	}
	if role == domain.RoleClient {
		if err := s.syncSpecificationID(ctx); err != nil {
			s.warn(err.Error())
		}
	}
	return nil
}

// syncSpecificationID keeps Project.SpecificationID pointing at a live client
// row: the current one while it exists, otherwise the first row, or empty.
func (s *Session) syncSpecificationID(ctx context.Context) error {
	rows := s.buffers[domain.RoleClient].Authoritative()
	current := s.controller.Project().SpecificationID

	next := ""
	for _, r := range rows {
		if r.ID == current {
			return nil
		}
		if next == "" {
			next = r.ID
		}
	}
	return s.controller.SetSpecificationID(ctx, next)
}

// History returns the project's status ledger.
func (s *Session) History(ctx context.Context) ([]domain.ProjectStatusHistory, error) {
	rows, err := s.deps.Store.ListHistory(ctx, s.projectID)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "list_history", Err: err}
	}
	return rows, nil
}

// AnalyzeDocument extracts fields from an uploaded document in the
// background. Confident fields fill empty company fields; extracted items
// are added to an empty client specification. It never blocks the caller.
func (s *Session) AnalyzeDocument(fileURL string, docType domain.DocumentType) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.deps.Analyzer == nil {
		return &domain.ErrValidation{Field: "document", Message: "document analysis is not configured"}
	}
	if strings.TrimSpace(fileURL) == "" {
		return &domain.ErrValidation{Field: "file_url", Message: "is required"}
	}

	s.scope.Go(func(ctx context.Context) {
		analysis, err := s.deps.Analyzer.Analyze(ctx, fileURL, docType)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("document analysis failed", zap.String("document_type", string(docType)), zap.Error(err))
				s.warn("document analysis failed")
				s.publish()
			}
			return
		}
		s.applyAnalysis(ctx, analysis)
	})
	return nil
}

func (s *Session) applyAnalysis(ctx context.Context, a *domain.DocumentAnalysis) {
	seeded, err := s.controller.SeedCompanyData(ctx, func(c *domain.CompanyData) bool {
		return seedCompany(c, a.Fields)
	})
	if err != nil {
		s.logger.Warn("seeding company data failed", zap.Error(err))
	}

	added := 0
	if len(a.Items) > 0 && len(s.buffers[domain.RoleClient].Authoritative()) == 0 {
		currency := s.controller.Project().Currency
		items, replaced := normalizeSourceItems(a.Items, currencyOr(currency, defaultCurrency))
		if replaced > 0 {
			s.logger.Warn("document analysis: invalid amounts replaced by defaults", zap.Int("replaced", replaced))
		}
		if _, rows, err := s.AddItems(ctx, domain.RoleClient, items); err != nil {
			s.logger.Warn("seeding specification failed", zap.Error(err))
		} else {
			added = len(rows)
		}
	}

	s.logger.Info("document analysis applied",
		zap.String("document_type", string(a.DocumentType)),
		zap.Bool("company_seeded", seeded),
		zap.Int("items_added", added),
	)
	s.publish()
}

// seedCompany fills empty fields from confident extractions and reports
// whether anything changed.
func seedCompany(c *domain.CompanyData, fields map[string]domain.ExtractedField) bool {
	targets := map[string]*string{
		"name":           &c.Name,
		"legal_address":  &c.LegalAddress,
		"inn":            &c.INN,
		"kpp":            &c.KPP,
		"ogrn":           &c.OGRN,
		"bank_name":      &c.BankName,
		"bik":            &c.BIK,
		"account_number": &c.AccountNumber,
		"corr_account":   &c.CorrAccount,
		"contact_name":   &c.ContactName,
		"email":          &c.Email,
		"phone":          &c.Phone,
	}

	changed := false
	for key, f := range fields {
		dst, ok := targets[key]
		if !ok || f.Confidence < minSeedConfidence {
			continue
		}
		v := strings.TrimSpace(f.Value)
		if v == "" || strings.TrimSpace(*dst) != "" {
			continue
		}
		*dst = v
		changed = true
	}
	return changed
}

// Close stops every timer the session started. It must not be called from a
// callback running inside the session.
func (s *Session) Close() {
	s.gate.Stop()
	s.scope.Close()

	s.mu.Lock()
	s.subs = make(map[int]func(SessionState))
	s.mu.Unlock()
}

// ============================================================
// SessionRegistry
// ============================================================

// SessionRegistry holds one session per project and one project per user.
// Opening another project for the same user tears the previous session down.
type SessionRegistry struct {
	deps SessionDeps

	mu       sync.Mutex
	sessions map[string]*Session // by project id
	byUser   map[string]string   // user id -> project id
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(deps SessionDeps) *SessionRegistry {
	return &SessionRegistry{
		deps:     deps,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
	}
}

// Open starts a session for a hydrated draft.
func (r *SessionRegistry) Open(ctx context.Context, userID string, draft *domain.Draft) (*Session, error) {
	s, err := newSession(ctx, userID, draft, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	var stale []*Session
	if old, ok := r.sessions[s.projectID]; ok {
		stale = append(stale, old)
		if r.byUser[old.userID] == old.projectID {
			delete(r.byUser, old.userID)
		}
	}
	if prevProject, ok := r.byUser[userID]; ok && prevProject != s.projectID {
		if old, ok := r.sessions[prevProject]; ok {
			stale = append(stale, old)
			delete(r.sessions, prevProject)
		}
	}
	r.sessions[s.projectID] = s
	r.byUser[userID] = s.projectID
	r.mu.Unlock()

	for _, old := range stale {
		old.Close()
		r.deps.Metrics.SessionClosed()
	}
	r.deps.Metrics.SessionOpened()
	r.deps.Logger.Info("session opened",
		zap.String("project_id", s.projectID),
		zap.String("user_id", userID),
		zap.Int("replaced", len(stale)),
	)
	return s, nil
}

// Get returns the open session for a project owned by userID.
func (r *SessionRegistry) Get(userID, projectID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[projectID]
	r.mu.Unlock()

	if !ok {
		return nil, &domain.ErrNotFound{Resource: "session", ID: projectID}
	}
	if s.userID != userID {
		return nil, &domain.ErrForbidden{Action: "access project " + projectID}
	}
	return s, nil
}

// Close tears down the session of a project owned by userID.
func (r *SessionRegistry) Close(userID, projectID string) error {
	r.mu.Lock()
	s, ok := r.sessions[projectID]
	if !ok {
		r.mu.Unlock()
		return &domain.ErrNotFound{Resource: "session", ID: projectID}
	}
	if s.userID != userID {
		r.mu.Unlock()
		return &domain.ErrForbidden{Action: "close project " + projectID}
	}
	delete(r.sessions, projectID)
	if r.byUser[userID] == projectID {
		delete(r.byUser, userID)
	}
	r.mu.Unlock()

	s.Close()
	r.deps.Metrics.SessionClosed()
	return nil
}

// CloseAll tears down every session. Used on shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.byUser = make(map[string]string)
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
		r.deps.Metrics.SessionClosed()
	}
}

// Len returns the number of open sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
