package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mercii/settlement-service/internal/domain"
	"github.com/mercii/settlement-service/internal/store"
	"github.com/mercii/settlement-service/pkg/remitclient"
)

// memLedger is an in-memory WindowLedger for exercising bonus transitions
// without a database.
type memLedger struct {
	bonuses []domain.BonusRecord
}

func (l *memLedger) Bonuses(ctx context.Context) ([]domain.BonusRecord, error) {
	out := make([]domain.BonusRecord, len(l.bonuses))
	copy(out, l.bonuses)
	return out, nil
}

func (l *memLedger) InsertBonus(ctx context.Context, bonus *domain.BonusRecord) error {
	l.bonuses = append(l.bonuses, *bonus)
	return nil
}

func (l *memLedger) MarkBonusUsed(ctx context.Context, bonusID uuid.UUID, usedAt time.Time) (bool, error) {
	for i := range l.bonuses {
		b := &l.bonuses[i]
		if b.ID == bonusID && b.UsedAt == nil && b.ExpiresAt.After(usedAt) {
			at := usedAt
			b.UsedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) ExpireBonus(ctx context.Context, bonusID uuid.UUID, at time.Time) (bool, error) {
	for i := range l.bonuses {
		b := &l.bonuses[i]
		if b.ID == bonusID && b.UsedAt == nil && b.ExpiresAt.After(at) {
			b.ExpiresAt = at
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) AttachBonusTransfer(ctx context.Context, bonusID uuid.UUID, transferID uuid.UUID) (bool, error) {
	for i := range l.bonuses {
		b := &l.bonuses[i]
		if b.ID != bonusID || b.UsedAt != nil {
			continue
		}
		if b.TransferID != nil && *b.TransferID != transferID {
			return false, nil
		}
		tid := transferID
		b.TransferID = &tid
		return true, nil
	}
	return false, nil
}

func (l *memLedger) MarkReservedBonusUsedByTransfer(ctx context.Context, transferID uuid.UUID, usedAt time.Time) (bool, error) {
	for i := range l.bonuses {
		b := &l.bonuses[i]
		if b.TransferID != nil && *b.TransferID == transferID && b.UsedAt == nil {
			at := usedAt
			b.UsedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) ReleaseBonusTransfer(ctx context.Context, transferID uuid.UUID) (bool, error) {
	for i := range l.bonuses {
		b := &l.bonuses[i]
		if b.TransferID != nil && *b.TransferID == transferID && b.UsedAt == nil {
			b.TransferID = nil
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) find(bonusID uuid.UUID) *domain.BonusRecord {
	for i := range l.bonuses {
		if l.bonuses[i].ID == bonusID {
			return &l.bonuses[i]
		}
	}
	return nil
}

func (l *memLedger) byIndex(index int) *domain.BonusRecord {
	for i := range l.bonuses {
		if l.bonuses[i].MilestoneIndex == index {
			return &l.bonuses[i]
		}
	}
	return nil
}

// stubRepo is an in-memory Repository. Unimplemented methods panic through
// the embedded nil interface, so each test only wires what it touches.
type stubRepo struct {
	store.Repository

	users         map[uuid.UUID]*domain.User
	beneficiaries map[uuid.UUID]*domain.Beneficiary
	transfers     map[uuid.UUID]*domain.Transfer
	history       []domain.Transfer
	ledger     *memLedger
	ledgerErrs []error

	lockCount int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:         make(map[uuid.UUID]*domain.User),
		beneficiaries: make(map[uuid.UUID]*domain.Beneficiary),
		transfers:     make(map[uuid.UUID]*domain.Transfer),
		ledger:        &memLedger{},
	}
}

func (r *stubRepo) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (r *stubRepo) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID, userID uuid.UUID) (*domain.Beneficiary, error) {
	ben, ok := r.beneficiaries[beneficiaryID]
	if !ok || ben.UserID != userID {
		return nil, store.ErrBeneficiaryNotFound
	}
	clone := *ben
	return &clone, nil
}

func (r *stubRepo) SetUserPartnerRemitterID(ctx context.Context, userID uuid.UUID, partnerRemitterID string) error {
	user, ok := r.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	user.PartnerRemitterID = &partnerRemitterID
	return nil
}

func (r *stubRepo) SetBeneficiaryPartnerIdentityID(ctx context.Context, beneficiaryID uuid.UUID, partnerIdentityID string) error {
	ben, ok := r.beneficiaries[beneficiaryID]
	if !ok {
		return store.ErrBeneficiaryNotFound
	}
	ben.PartnerIdentityID = &partnerIdentityID
	return nil
}

func (r *stubRepo) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, ok := r.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	clone := *transfer
	return &clone, nil
}

func (r *stubRepo) FindTransferByGatewayReference(ctx context.Context, gatewayReference string) (*domain.Transfer, error) {
	for _, transfer := range r.transfers {
		if transfer.GatewayReference != nil && *transfer.GatewayReference == gatewayReference {
			clone := *transfer
			return &clone, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (r *stubRepo) ListPartnerCompletedTransfers(ctx context.Context, userID uuid.UUID, start, end time.Time, minAmount int64) ([]domain.Transfer, error) {
	var out []domain.Transfer
	for _, tx := range r.history {
		if tx.UserID != userID || tx.Amount < minAmount {
			continue
		}
		if tx.CreatedAt.Before(start) || !tx.CreatedAt.Before(end) {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (r *stubRepo) UpdateTransferMetadata(ctx context.Context, transferID uuid.UUID, metadata store.UpdateTransferMetadataParams) error {
	transfer, ok := r.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	if metadata.Status != nil {
		transfer.Status = *metadata.Status
	}
	if metadata.GatewayStatus != nil {
		transfer.GatewayStatus = *metadata.GatewayStatus
	}
	if metadata.GatewayReference != nil {
		transfer.GatewayReference = metadata.GatewayReference
	}
	if metadata.PartnerStatus != nil {
		transfer.PartnerStatus = *metadata.PartnerStatus
	}
	if metadata.PartnerSessionID != nil {
		transfer.PartnerSessionID = metadata.PartnerSessionID
	}
	if metadata.PartnerReference != nil {
		transfer.PartnerReference = metadata.PartnerReference
	}
	if metadata.FailureReason != nil {
		transfer.FailureReason = metadata.FailureReason
	}
	return nil
}

func (r *stubRepo) MarkTransferCompleted(ctx context.Context, transferID uuid.UUID, partnerReference string) error {
	transfer, ok := r.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	if transfer.Status == domain.TransferStatusCompleted {
		return nil
	}
	now := time.Now()
	transfer.Status = domain.TransferStatusCompleted
	transfer.PartnerReference = &partnerReference
	transfer.CompletedAt = &now
	return nil
}

func (r *stubRepo) MarkTransferFailed(ctx context.Context, transferID uuid.UUID, failureReason string) error {
	transfer, ok := r.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	transfer.Status = domain.TransferStatusFailed
	transfer.FailureReason = &failureReason
	return nil
}

func (r *stubRepo) MarkTransferMismatch(ctx context.Context, transferID uuid.UUID, reason string) error {
	transfer, ok := r.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	transfer.Status = domain.TransferStatusMismatch
	transfer.FailureReason = &reason
	return nil
}

func (r *stubRepo) WithWindowLedger(ctx context.Context, userID uuid.UUID, window domain.Window, fn func(store.WindowLedger) error) error {
	r.lockCount++
	if len(r.ledgerErrs) > 0 {
		err := r.ledgerErrs[0]
		r.ledgerErrs = r.ledgerErrs[1:]
		if err != nil {
			return err
		}
	}
	return fn(r.ledger)
}

// stubPartnerClient records partner API calls and returns scripted results.
type stubPartnerClient struct {
	searchBeneficiaries []remitclient.Identity
	searchRemitters     []remitclient.Identity
	createBenErr        error
	createRemErr        error
	updateCalls         int
	createdBenID        string
	createdRemID        string

	sessionID      string
	confirmErr     error
	createTxnErr   error
	createTxnCalls int
	confirmCalls   int
	receipt        *remitclient.TransactionReceipt
}

func (c *stubPartnerClient) SearchBeneficiaries(ctx context.Context, params remitclient.IdentityParams) ([]remitclient.Identity, error) {
	return c.searchBeneficiaries, nil
}

func (c *stubPartnerClient) CreateBeneficiary(ctx context.Context, params remitclient.IdentityParams) (string, error) {
	if c.createBenErr != nil {
		return "", c.createBenErr
	}
	if c.createdBenID == "" {
		c.createdBenID = "ben-created"
	}
	return c.createdBenID, nil
}

func (c *stubPartnerClient) UpdateBeneficiary(ctx context.Context, partnerID string, params remitclient.IdentityParams) error {
	c.updateCalls++
	return nil
}

func (c *stubPartnerClient) SearchRemitters(ctx context.Context, params remitclient.IdentityParams) ([]remitclient.Identity, error) {
	return c.searchRemitters, nil
}

func (c *stubPartnerClient) CreateRemitter(ctx context.Context, params remitclient.IdentityParams) (string, error) {
	if c.createRemErr != nil {
		return "", c.createRemErr
	}
	if c.createdRemID == "" {
		c.createdRemID = "rem-created"
	}
	return c.createdRemID, nil
}

func (c *stubPartnerClient) UpdateRemitter(ctx context.Context, partnerID string, params remitclient.IdentityParams) error {
	c.updateCalls++
	return nil
}

func (c *stubPartnerClient) CreateTransaction(ctx context.Context, params remitclient.TransactionParams) (*remitclient.TransactionSession, error) {
	c.createTxnCalls++
	if c.createTxnErr != nil {
		return nil, c.createTxnErr
	}
	if c.sessionID == "" {
		c.sessionID = fmt.Sprintf("session-%d", c.createTxnCalls)
	}
	return &remitclient.TransactionSession{SessionID: c.sessionID, Status: "open"}, nil
}

func (c *stubPartnerClient) ConfirmTransaction(ctx context.Context, sessionID string) (*remitclient.TransactionReceipt, error) {
	c.confirmCalls++
	if c.confirmErr != nil {
		return nil, c.confirmErr
	}
	if c.receipt != nil {
		return c.receipt, nil
	}
	return &remitclient.TransactionReceipt{SessionID: sessionID, ReferenceNumber: "ref-" + sessionID, Status: "confirmed"}, nil
}

func (c *stubPartnerClient) TransactionStatus(ctx context.Context, sessionID string) (*remitclient.TransactionReceipt, error) {
	if c.receipt != nil {
		return c.receipt, nil
	}
	return &remitclient.TransactionReceipt{SessionID: sessionID, ReferenceNumber: "ref-" + sessionID, Status: "confirmed"}, nil
}

// capturingPublisher records published events.
type capturingPublisher struct {
	routingKeys []string
}

func (p *capturingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *capturingPublisher) Close() {}

func strPtr(s string) *string { return &s }
