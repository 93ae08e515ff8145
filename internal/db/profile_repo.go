package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"provisioner/internal/types"
)

// ProfileRepository provides data access for the profiles table.
//
// Key invariants:
//   - subscription_started_at is written once; Upsert keeps a stored value.
//   - Wallet fields are written once; SetWallet is a no-op when a wallet
//     address is already stored.
type ProfileRepository struct {
	db DBTX
}

// NewProfileRepository creates a new ProfileRepository backed by the given
// database connection (pool or transaction).
func NewProfileRepository(db DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

const profileColumns = `id, email, name, phone, stripe_customer_id, subscription_started_at,
	wallet_address, wallet_provider, wallet_created_at, created_at, updated_at`

// scanProfile scans a row selected with profileColumns.
func scanProfile(row pgx.Row) (*types.Profile, error) {
	var p types.Profile
	var name, phone, customerID, walletAddr, walletProvider *string
	err := row.Scan(
		&p.ID,
		&p.Email,
		&name,
		&phone,
		&customerID,
		&p.SubscriptionStartedAt,
		&walletAddr,
		&walletProvider,
		&p.WalletCreatedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Name = derefString(name)
	p.Phone = derefString(phone)
	p.StripeCustomerID = derefString(customerID)
	p.WalletAddress = derefString(walletAddr)
	p.WalletProvider = derefString(walletProvider)
	return &p, nil
}

func (r *ProfileRepository) getOne(ctx context.Context, where string, arg string) (*types.Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE `+where,
		arg,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get profile", err)
	}
	return p, nil
}

// GetByID returns the profile for an identity id.
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*types.Profile, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetByEmail matches email case-insensitively.
func (r *ProfileRepository) GetByEmail(ctx context.Context, email string) (*types.Profile, error) {
	return r.getOne(ctx, `LOWER(email) = LOWER($1)`, email)
}

// Upsert inserts or refreshes a profile and returns the stored row. Empty
// optional fields keep what is stored and subscription_started_at keeps
// its first value.
func (r *ProfileRepository) Upsert(ctx context.Context, in types.ProfileUpsert) (*types.Profile, error) {
	var startedAt *time.Time
	if !in.SubscriptionStartedAt.IsZero() {
		t := in.SubscriptionStartedAt.UTC()
		startedAt = &t
	}

	p, err := scanProfile(r.db.QueryRow(ctx,
		`INSERT INTO profiles (id, email, name, phone, stripe_customer_id, subscription_started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET email = EXCLUDED.email,
		     name = COALESCE(EXCLUDED.name, profiles.name),
		     phone = COALESCE(EXCLUDED.phone, profiles.phone),
		     stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, profiles.stripe_customer_id),
		     subscription_started_at = COALESCE(profiles.subscription_started_at, EXCLUDED.subscription_started_at),
		     updated_at = NOW()
		 RETURNING `+profileColumns,
		in.ID,
		in.Email,
		nullIfEmpty(in.Name),
		nullIfEmpty(in.Phone),
		nullIfEmpty(in.StripeCustomerID),
		startedAt,
	))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert profile", err)
	}
	return p, nil
}

// SetWallet stores the wallet for a profile that has none. It reports
// whether the row was written.
func (r *ProfileRepository) SetWallet(ctx context.Context, id, address, provider string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE profiles
		 SET wallet_address = $2,
		     wallet_provider = $3,
		     wallet_created_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1
		   AND wallet_address IS NULL`,
		id, address, provider,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to set wallet", err)
	}
	return tag.RowsAffected() == 1, nil
}
