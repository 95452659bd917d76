package lifecycle

import (
	"context"
	"errors"
	"testing"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) withdrawal(t *testing.T) *Withdrawal {
	t.Helper()
	w, err := f.store.CreateWithdrawal(context.Background(), WithdrawalSpec{
		BankCode:      "bca",
		AccountNumber: "1234567890",
		Nominal:       150000,
	}, audit.Admin("1"))
	require.NoError(t, err)
	return w
}

func TestCreateWithdrawal(t *testing.T) {
	f := newFixture(t)

	var published []events.WithdrawalEvent
	events.Subscribe(f.bus, events.WithdrawalUpdated, func(e events.WithdrawalEvent) { published = append(published, e) })

	w := f.withdrawal(t)

	assert.Regexp(t, `^WD-20240501-[0-9a-f]{10}$`, w.WithdrawID)
	assert.Regexp(t, `^WDREF-20240501-[0-9a-f]{10}$`, w.ReferenceID)
	assert.Equal(t, WithdrawDraft, w.Status)
	assert.Equal(t, int64(150000), w.TotalDebit)
	require.Len(t, published, 1)
	assert.Equal(t, "draft", published[0].Status)

	_, err := f.store.CreateWithdrawal(context.Background(), WithdrawalSpec{BankCode: "bca", AccountNumber: "1"}, audit.Admin("1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAdvanceWithdrawal_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.withdrawal(t)
	admin := audit.Admin("7")

	_, err := f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawChecking, WithdrawalPatch{}, admin)
	require.NoError(t, err)
	_, err = f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawReady, WithdrawalPatch{AccountName: "BUDI"}, admin)
	require.NoError(t, err)

	fee := int64(2500)
	got, err := f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawSubmitted, WithdrawalPatch{GatewayTransferID: "TF-1", Fee: &fee}, admin)
	require.NoError(t, err)
	assert.Equal(t, "TF-1", got.GatewayTransferID)
	assert.Equal(t, int64(152500), got.TotalDebit)
	assert.Equal(t, "7", got.ApprovedBy)
	assert.NotNil(t, got.ApprovedAt)

	got, err = f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawSuccess, WithdrawalPatch{ProviderStatus: "success"}, admin)
	require.NoError(t, err)
	assert.Equal(t, WithdrawSuccess, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, "BUDI", got.AccountName)

	assert.Equal(t,
		[]string{"WITHDRAW_DRAFT", "WITHDRAW_CHECKING", "WITHDRAW_CHECK_OK", "WITHDRAW_SUBMIT", "WITHDRAW_STATUS"},
		f.sink.Actions(w.WithdrawID))
}

func TestAdvanceWithdrawal_SubmitFromTerminalFails(t *testing.T) {
	ctx := context.Background()

	paths := map[WithdrawalStatus][]WithdrawalStatus{
		WithdrawSuccess:  {WithdrawSubmitted, WithdrawSuccess},
		WithdrawFailed:   {WithdrawChecking, WithdrawFailed},
		WithdrawCanceled: {WithdrawCanceled},
	}
	for terminal, path := range paths {
		t.Run(string(terminal), func(t *testing.T) {
			f := newFixture(t)
			w := f.withdrawal(t)
			for _, step := range path {
				_, err := f.store.AdvanceWithdrawal(ctx, w.WithdrawID, step, WithdrawalPatch{}, audit.Admin("1"))
				require.NoError(t, err)
			}

			got, err := f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawSubmitted, WithdrawalPatch{}, audit.Admin("1"))
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			assert.Equal(t, terminal, got.Status)
		})
	}
}

func TestAdvanceWithdrawal_SubmitOnlyFromReadyOrDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.withdrawal(t)

	_, err := f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawChecking, WithdrawalPatch{}, audit.System)
	require.NoError(t, err)

	_, err = f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawSubmitted, WithdrawalPatch{}, audit.System)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawSuccess, WithdrawalPatch{}, audit.System)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestTransferIDSetOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.withdrawal(t)

	_, err := f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawSubmitted, WithdrawalPatch{GatewayTransferID: "TF-1"}, audit.System)
	require.NoError(t, err)

	_, err = f.store.AnnotateWithdrawal(ctx, w.WithdrawID, WithdrawalPatch{GatewayTransferID: "TF-2"}, audit.System)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := f.store.AnnotateWithdrawal(ctx, w.WithdrawID, WithdrawalPatch{ProviderStatus: "pending"}, audit.System)
	require.NoError(t, err)
	assert.Equal(t, "TF-1", got.GatewayTransferID)
	assert.Equal(t, "pending", got.ProviderStatus)
	assert.Equal(t, WithdrawSubmitted, got.Status)
}

func TestAbortWithdrawalCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.withdrawal(t)

	_, err := f.store.AbortWithdrawalCheck(ctx, w.WithdrawID, WithdrawDraft, "timeout", audit.System)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.store.AdvanceWithdrawal(ctx, w.WithdrawID, WithdrawChecking, WithdrawalPatch{}, audit.System)
	require.NoError(t, err)
	_, err = f.store.AbortWithdrawalCheck(ctx, w.WithdrawID, WithdrawSubmitted, "timeout", audit.System)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := f.store.AbortWithdrawalCheck(ctx, w.WithdrawID, WithdrawReady, "timeout", audit.System)
	require.NoError(t, err)
	assert.Equal(t, WithdrawReady, got.Status)
	assert.Equal(t, "timeout", got.LastError)
	assert.Equal(t, []string{"WITHDRAW_DRAFT", "WITHDRAW_CHECKING", "WITHDRAW_CHECK_ABORTED"}, f.sink.Actions(w.WithdrawID))
}

func TestSubmitWithdrawal_UnderLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := audit.Admin("7")

	w := f.withdrawal(t)
	calls := 0
	got, err := f.store.SubmitWithdrawal(ctx, w.WithdrawID, admin, func(cur Withdrawal) (WithdrawalStatus, WithdrawalPatch, error) {
		calls++
		assert.Equal(t, WithdrawDraft, cur.Status)
		return WithdrawSubmitted, WithdrawalPatch{GatewayTransferID: "TF-1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, WithdrawSubmitted, got.Status)
	assert.Equal(t, "7", got.ApprovedBy)

	_, err = f.store.SubmitWithdrawal(ctx, w.WithdrawID, admin, func(Withdrawal) (WithdrawalStatus, WithdrawalPatch, error) {
		calls++
		return WithdrawSubmitted, WithdrawalPatch{}, nil
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, 1, calls)

	down := errors.New("connection reset")
	w = f.withdrawal(t)
	got, err = f.store.SubmitWithdrawal(ctx, w.WithdrawID, admin, func(Withdrawal) (WithdrawalStatus, WithdrawalPatch, error) {
		return "", WithdrawalPatch{}, down
	})
	assert.ErrorIs(t, err, down)
	assert.Equal(t, WithdrawDraft, got.Status)
	assert.Equal(t, "connection reset", got.LastError)

	_, err = f.store.SubmitWithdrawal(ctx, w.WithdrawID, admin, func(Withdrawal) (WithdrawalStatus, WithdrawalPatch, error) {
		return WithdrawSuccess, WithdrawalPatch{}, nil
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}
