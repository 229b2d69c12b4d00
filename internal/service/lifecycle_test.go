package service_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/memory"
	"github.com/boddenberg/tradeflow-bfa-go/internal/service"
)

func submittableProject(store *memory.Store, id string, status domain.Status) *domain.Project {
	p := seedProject(store, id, status)
	p.SpecificationID = "item-1"
	p.PaymentMethod = domain.PaymentBankTransfer
	store.PutProject(*p)
	return p
}

func TestAdvance_ScenarioA_TwoTransitionsTwoHistoryRows(t *testing.T) {
	store := memory.NewStore()
	p := submittableProject(store, "p-1", domain.StatusDraft)
	c := newController(t, store, p)
	ctx := context.Background()

	if _, err := c.Advance(ctx, domain.StatusInProgress, "user-1", ""); err != nil {
		t.Fatalf("draft -> in_progress: %v", err)
	}
	state, err := c.Advance(ctx, domain.StatusWaitingApproval, "user-1", "please review")
	if err != nil {
		t.Fatalf("in_progress -> waiting_approval: %v", err)
	}

	history, _ := store.ListHistory(ctx, "p-1")
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
	if history[1].PreviousStatus != domain.StatusInProgress || history[1].Comment != "please review" {
		t.Errorf("unexpected second history row: %+v", history[1])
	}

	want, _ := domain.StepForStatus(domain.StatusWaitingApproval)
	if state.CurrentStep != want {
		t.Errorf("expected current step %d, got %d", want, state.CurrentStep)
	}

	stored, _ := store.GetProject(ctx, "p-1")
	if stored.Status != domain.StatusWaitingApproval || stored.MaxStepReached != want {
		t.Errorf("store not updated: status=%s max=%d", stored.Status, stored.MaxStepReached)
	}
}

func TestAdvance_SameStatusTwiceWritesOneHistoryRow(t *testing.T) {
	store := memory.NewStore()
	c := newController(t, store, seedProject(store, "p-1", domain.StatusDraft))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Advance(ctx, domain.StatusInProgress, "user-1", ""); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	history, _ := store.ListHistory(ctx, "p-1")
	if len(history) != 1 {
		t.Errorf("expected 1 history row, got %d", len(history))
	}
}

func TestAdvance_HistoryFailureLeavesStateUnchanged(t *testing.T) {
	store := newFlakyStore()
	p := seedProject(store.Store, "p-1", domain.StatusDraft)
	c := newController(t, store, p)
	ctx := context.Background()
	before := c.State()

	store.set(func(f *flakyStore) { f.failHistory = errStoreDown })
	_, err := c.Advance(ctx, domain.StatusInProgress, "user-1", "")

	var perr *domain.ErrPersistence
	if !errors.As(err, &perr) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if c.State() != before {
		t.Errorf("state changed on failure: %+v -> %+v", before, c.State())
	}
	stored, _ := store.GetProject(ctx, "p-1")
	if stored.Status != domain.StatusDraft {
		t.Errorf("expected stored status to be reverted, got %s", stored.Status)
	}

	// The same call succeeds once the store recovers.
	store.set(func(f *flakyStore) { f.failHistory = nil })
	state, err := c.Advance(ctx, domain.StatusInProgress, "user-1", "")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if state.Status != domain.StatusInProgress {
		t.Errorf("expected in_progress, got %s", state.Status)
	}
	history, _ := store.ListHistory(ctx, "p-1")
	if len(history) != 1 {
		t.Errorf("expected 1 history row after retry, got %d", len(history))
	}
}

func TestAdvance_UpdateFailureWritesNoHistory(t *testing.T) {
	store := newFlakyStore()
	c := newController(t, store, seedProject(store.Store, "p-1", domain.StatusDraft))

	store.set(func(f *flakyStore) { f.failUpdate = errStoreDown })
	if _, err := c.Advance(context.Background(), domain.StatusInProgress, "user-1", ""); err == nil {
		t.Fatal("expected error")
	}
	if store.Calls("AppendHistory") != 0 {
		t.Errorf("history must not be written when the update fails")
	}
	if c.State().Status != domain.StatusDraft {
		t.Errorf("expected draft, got %s", c.State().Status)
	}
}

func TestAdvance_MissingFieldsReportedTogether(t *testing.T) {
	store := memory.NewStore()
	store.PutProject(domain.Project{ID: "p-1", Status: domain.StatusDraft})
	p, _ := store.GetProject(context.Background(), "p-1")
	c := newController(t, store, p)

	_, err := c.Advance(context.Background(), domain.StatusInProgress, "user-1", "")

	var verr *domain.ErrValidationSet
	if !errors.As(err, &verr) {
		t.Fatalf("expected ErrValidationSet, got %v", err)
	}
	if len(verr.Fields) < 5 {
		t.Errorf("expected every missing field, got %+v", verr.Fields)
	}
	if store.Calls("UpdateProject") != 0 {
		t.Error("nothing must be written on validation failure")
	}
}

func TestAdvance_RejectsUnreachableAndUnknownStatuses(t *testing.T) {
	store := memory.NewStore()
	c := newController(t, store, seedProject(store, "p-1", domain.StatusDraft))
	ctx := context.Background()

	var terr *domain.ErrInvalidTransition
	if _, err := c.Advance(ctx, domain.StatusCompleted, "user-1", ""); !errors.As(err, &terr) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	var uerr *domain.ErrUnknownStatus
	if _, err := c.Advance(ctx, domain.Status("on_hold"), "user-1", ""); !errors.As(err, &uerr) {
		t.Errorf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestAdvance_ClientCannotDecideAGate(t *testing.T) {
	cases := []struct {
		from domain.Status
		to   domain.Status
	}{
		{domain.StatusWaitingApproval, domain.StatusWaitingReceipt},
		{domain.StatusWaitingApproval, domain.StatusRejected},
		{domain.StatusWaitingReceipt, domain.StatusReceiptApproved},
		{domain.StatusWaitingReceipt, domain.StatusRejected},
		{domain.StatusWaitingManagerReceipt, domain.StatusWaitingClientConfirmation},
		{domain.StatusWaitingManagerReceipt, domain.StatusRejected},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			store := memory.NewStore()
			c := newController(t, store, submittableProject(store, "p-1", tc.from))

			state, err := c.Advance(context.Background(), tc.to, "user-1", "self-approve")

			var terr *domain.ErrInvalidTransition
			if !errors.As(err, &terr) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if state.Status != tc.from {
				t.Errorf("status must stay %s, got %s", tc.from, state.Status)
			}
			if store.Calls("UpdateProject") != 0 || store.Calls("AppendHistory") != 0 {
				t.Error("nothing must be written for a refused decision")
			}
		})
	}
}

func TestGoTo_BeyondCeilingIsNoOp(t *testing.T) {
	store := memory.NewStore()
	c := newController(t, store, seedProject(store, "p-1", domain.StatusInProgress))
	before := c.State()

	if c.GoTo(before.MaxStepReached + 1) {
		t.Error("expected GoTo beyond the ceiling to be refused")
	}
	if c.GoTo(0) {
		t.Error("expected GoTo below the first step to be refused")
	}
	if c.State() != before {
		t.Errorf("state changed: %+v -> %+v", before, c.State())
	}
	if store.Calls("AppendHistory") != 0 || store.Calls("UpdateProject") != 0 {
		t.Error("GoTo must not write")
	}

	if !c.GoTo(1) || c.State().CurrentStep != 1 {
		t.Errorf("expected GoTo(1) to succeed, state %+v", c.State())
	}
}

func TestMaxStepReached_NeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := domain.AllStatuses()
	ctx := context.Background()

	for run := 0; run < 20; run++ {
		store := memory.NewStore()
		c := newController(t, store, submittableProject(store, "p-1", domain.StatusDraft))
		prev := c.State().MaxStepReached

		for i := 0; i < 50; i++ {
			switch rng.Intn(3) {
			case 0:
				_, _ = c.Advance(ctx, statuses[rng.Intn(len(statuses))], "user-1", "")
			case 1:
				c.GoTo(rng.Intn(domain.MaxStep+2) - 1)
			default:
				_, _ = c.ApplyExternalStatus(ctx, statuses[rng.Intn(len(statuses))])
			}

			state := c.State()
			if state.MaxStepReached < prev {
				t.Fatalf("run %d step %d: max step dropped %d -> %d", run, i, prev, state.MaxStepReached)
			}
			if state.CurrentStep < domain.MinStep || state.CurrentStep > state.MaxStepReached {
				t.Fatalf("run %d step %d: current step %d outside [1,%d]", run, i, state.CurrentStep, state.MaxStepReached)
			}
			prev = state.MaxStepReached
		}
	}
}

func TestApplyExternalStatus_RejectionKeepsUserStep(t *testing.T) {
	store := memory.NewStore()
	p := seedProject(store, "p-1", domain.StatusWaitingReceipt)
	c := newController(t, store, p)
	before := c.State()

	state, err := c.ApplyExternalStatus(context.Background(), domain.StatusRejected)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.CurrentStep != before.CurrentStep || state.MaxStepReached != before.MaxStepReached {
		t.Errorf("expected steps to stay at %+v, got %+v", before, state)
	}
	if !domain.IsRejection(state.Status) {
		t.Errorf("expected rejected, got %s", state.Status)
	}
	if store.Calls("AppendHistory") != 0 {
		t.Error("external adoption must not write history")
	}
}

func TestRefresh_AdoptsStoredStatusAndRaisesStep(t *testing.T) {
	store := memory.NewStore()
	c := newController(t, store, seedProject(store, "p-1", domain.StatusWaitingApproval))

	store.SetStatus("p-1", domain.StatusWaitingReceipt)
	state, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != domain.StatusWaitingReceipt || state.CurrentStep != 4 || state.MaxStepReached != 4 {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestNewLifecycleController_ManagerReceiptUnlocksConfirmation(t *testing.T) {
	store := memory.NewStore()
	p := seedProject(store, "p-1", domain.StatusInWork)
	p.Receipts = map[string]string{domain.ReceiptManagerKey: "https://files.test/r.pdf"}

	c := newController(t, store, p)
	want, _ := domain.StepForStatus(domain.StatusWaitingClientConfirmation)
	if got := c.State().MaxStepReached; got != want {
		t.Errorf("expected max step %d, got %d", want, got)
	}
}

func TestDraftFields_LockAfterSubmission(t *testing.T) {
	store := memory.NewStore()
	c := newController(t, store, submittableProject(store, "p-1", domain.StatusWaitingApproval))
	ctx := context.Background()

	var verr *domain.ErrValidation
	if err := c.SetCompanyData(ctx, completeCompany()); !errors.As(err, &verr) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if err := c.SetPayment(ctx, service.Payment{Method: domain.PaymentCrypto}); !errors.As(err, &verr) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if err := c.SetSpecificationID(ctx, "item-2"); err != nil {
		t.Errorf("specification reference must stay writable, got %v", err)
	}
}

func TestSetPayment_RejectsUnknownMethod(t *testing.T) {
	store := memory.NewStore()
	c := newController(t, store, seedProject(store, "p-1", domain.StatusInProgress))

	err := c.SetPayment(context.Background(), service.Payment{Method: "barter"})
	var verr *domain.ErrValidation
	if !errors.As(err, &verr) || verr.Field != "payment_method" {
		t.Errorf("expected payment_method validation error, got %v", err)
	}
}

func TestObserver_CalledOnChangeOnly(t *testing.T) {
	store := memory.NewStore()
	c := newController(t, store, seedProject(store, "p-1", domain.StatusDraft))

	var seen []service.LifecycleState
	c.SetObserver(func(s service.LifecycleState) {
		// Reading state from the observer must not deadlock.
		_ = c.State()
		seen = append(seen, s)
	})

	ctx := context.Background()
	_, _ = c.Advance(ctx, domain.StatusInProgress, "user-1", "")
	_, _ = c.Advance(ctx, domain.StatusInProgress, "user-1", "")
	c.GoTo(99)

	if len(seen) != 1 || seen[0].Status != domain.StatusInProgress {
		t.Errorf("expected one notification, got %+v", seen)
	}
}
