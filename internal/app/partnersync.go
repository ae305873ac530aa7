/**
 * @description
 * Idempotent synchronization of customers and beneficiaries into the
 * remittance partner's identity store. Each sync converges on exactly one
 * partner-side record per local record:
 *
 *  1. If a partner id is already persisted locally, push the latest details
 *     to it (best-effort) and reuse it.
 *  2. Otherwise search the partner by the stable attribute set; a single
 *     match is adopted and persisted.
 *  3. Otherwise create the record. A structured duplicate response is
 *     treated the same as a successful search hit: the existing id is
 *     adopted, never surfaced as a failure.
 *
 * @dependencies
 * - internal/domain: Local user and beneficiary models.
 * - internal/store: Persistence of adopted partner ids.
 * - pkg/remitclient: The partner API client.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mercii/settlement-service/internal/domain"
	"github.com/mercii/settlement-service/internal/store"
	"github.com/mercii/settlement-service/pkg/remitclient"
)

// PartnerIdentityClient is the slice of the partner API used by identity sync.
type PartnerIdentityClient interface {
	SearchBeneficiaries(ctx context.Context, params remitclient.IdentityParams) ([]remitclient.Identity, error)
	CreateBeneficiary(ctx context.Context, params remitclient.IdentityParams) (string, error)
	UpdateBeneficiary(ctx context.Context, partnerID string, params remitclient.IdentityParams) error
	SearchRemitters(ctx context.Context, params remitclient.IdentityParams) ([]remitclient.Identity, error)
	CreateRemitter(ctx context.Context, params remitclient.IdentityParams) (string, error)
	UpdateRemitter(ctx context.Context, partnerID string, params remitclient.IdentityParams) error
}

// PartnerSyncer keeps local identities converged with the partner's store.
type PartnerSyncer struct {
	repo   store.Repository
	client PartnerIdentityClient
}

// NewPartnerSyncer creates a PartnerSyncer.
func NewPartnerSyncer(repo store.Repository, client PartnerIdentityClient) *PartnerSyncer {
	return &PartnerSyncer{repo: repo, client: client}
}

// EnsureRemitter returns the partner remitter id for the user, creating or
// adopting one if necessary.
func (s *PartnerSyncer) EnsureRemitter(ctx context.Context, user *domain.User) (string, error) {
	params := remitterParams(user)

	if user.PartnerRemitterID != nil && *user.PartnerRemitterID != "" {
		id := *user.PartnerRemitterID
		if err := s.client.UpdateRemitter(ctx, id, params); err != nil {
			// The persisted id stays authoritative; a refresh miss is not fatal.
			log.Printf("level=warn component=partner_sync user_id=%s remitter_id=%s msg=\"remitter refresh failed\" error=%q", user.ID, id, err)
		}
		return id, nil
	}

	matches, err := s.client.SearchRemitters(ctx, params)
	if err != nil {
		return "", fmt.Errorf("remitter search failed for user %s: %w", user.ID, err)
	}
	if len(matches) == 1 {
		return s.adoptRemitter(ctx, user, matches[0].ID)
	}
	if len(matches) > 1 {
		// Ambiguous matches are never auto-adopted; a fresh create lets the
		// partner's duplicate detection arbitrate.
		log.Printf("level=warn component=partner_sync user_id=%s matches=%d msg=\"ambiguous remitter search, creating\"", user.ID, len(matches))
	}

	id, err := s.client.CreateRemitter(ctx, params)
	if err != nil {
		var dup *remitclient.DuplicateError
		if errors.As(err, &dup) {
			return s.adoptRemitter(ctx, user, dup.ExistingID)
		}
		return "", fmt.Errorf("remitter create failed for user %s: %w", user.ID, err)
	}
	return s.adoptRemitter(ctx, user, id)
}

// EnsureBeneficiary returns the partner identity id for the beneficiary,
// creating or adopting one if necessary.
func (s *PartnerSyncer) EnsureBeneficiary(ctx context.Context, ben *domain.Beneficiary) (string, error) {
	params := beneficiaryParams(ben)

	if ben.PartnerIdentityID != nil && *ben.PartnerIdentityID != "" {
		id := *ben.PartnerIdentityID
		if err := s.client.UpdateBeneficiary(ctx, id, params); err != nil {
			log.Printf("level=warn component=partner_sync beneficiary_id=%s partner_id=%s msg=\"beneficiary refresh failed\" error=%q", ben.ID, id, err)
		}
		return id, nil
	}

	matches, err := s.client.SearchBeneficiaries(ctx, params)
	if err != nil {
		return "", fmt.Errorf("beneficiary search failed for %s: %w", ben.ID, err)
	}
	if len(matches) == 1 {
		return s.adoptBeneficiary(ctx, ben, matches[0].ID)
	}
	if len(matches) > 1 {
		log.Printf("level=warn component=partner_sync beneficiary_id=%s matches=%d msg=\"ambiguous beneficiary search, creating\"", ben.ID, len(matches))
	}

	id, err := s.client.CreateBeneficiary(ctx, params)
	if err != nil {
		var dup *remitclient.DuplicateError
		if errors.As(err, &dup) {
			return s.adoptBeneficiary(ctx, ben, dup.ExistingID)
		}
		return "", fmt.Errorf("beneficiary create failed for %s: %w", ben.ID, err)
	}
	return s.adoptBeneficiary(ctx, ben, id)
}

func (s *PartnerSyncer) adoptRemitter(ctx context.Context, user *domain.User, partnerID string) (string, error) {
	if err := s.repo.SetUserPartnerRemitterID(ctx, user.ID, partnerID); err != nil {
		return "", fmt.Errorf("failed to persist remitter id for user %s: %w", user.ID, err)
	}
	user.PartnerRemitterID = &partnerID
	log.Printf("level=info component=partner_sync user_id=%s remitter_id=%s msg=\"remitter linked\"", user.ID, partnerID)
	return partnerID, nil
}

func (s *PartnerSyncer) adoptBeneficiary(ctx context.Context, ben *domain.Beneficiary, partnerID string) (string, error) {
	if err := s.repo.SetBeneficiaryPartnerIdentityID(ctx, ben.ID, partnerID); err != nil {
		return "", fmt.Errorf("failed to persist beneficiary id for %s: %w", ben.ID, err)
	}
	ben.PartnerIdentityID = &partnerID
	log.Printf("level=info component=partner_sync beneficiary_id=%s partner_id=%s msg=\"beneficiary linked\"", ben.ID, partnerID)
	return partnerID, nil
}

func remitterParams(user *domain.User) remitclient.IdentityParams {
	name := user.FullName
	if user.IdentityVerified && user.VerifiedName != "" {
		name = user.VerifiedName
	}
	addr := ParseAddressLine(user.AddressLine)
	return remitclient.IdentityParams{
		OwnerRef:    user.ID.String(),
		FullName:    name,
		Phone:       user.Phone,
		Country:     user.Country,
		City:        addr.City,
		PostalCode:  addr.PostalCode,
		AddressLine: addr.Line,
	}
}

func beneficiaryParams(ben *domain.Beneficiary) remitclient.IdentityParams {
	addr := ParseAddressLine(ben.AddressLine)
	params := remitclient.IdentityParams{
		OwnerRef:    ben.UserID.String(),
		FullName:    ben.FullName,
		Phone:       ben.Phone,
		Country:     ben.Country,
		City:        addr.City,
		PostalCode:  addr.PostalCode,
		AddressLine: addr.Line,
	}
	if ben.AccountNumber != nil {
		params.AccountNumber = *ben.AccountNumber
	}
	return params
}
