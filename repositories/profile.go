package repositories

import (
	"chat-engine/domain"
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ProfileRepository stores display metadata under "profile:{user}".
// It is the badger implementation of contract.ProfileSource.
type ProfileRepository struct {
	db *badger.DB
}

func NewProfileRepository(db *badger.DB) ProfileRepository {
	return ProfileRepository{db: db}
}

func profileKey(userID string) string { return "profile:" + userID }

// SaveProfile creates or replaces a profile.
func (p ProfileRepository) SaveProfile(ctx context.Context, profile domain.Profile) error {
	const op = "save_profile"
	if err := ctx.Err(); err != nil {
		return storeErr(op, err)
	}
	if err := validate.Struct(profile); err != nil {
		return violation(op, "%v", err)
	}
	err := p.db.Update(func(txn *badger.Txn) error {
		return writeJSON(txn, profileKey(profile.UserID), profile)
	})
	return storeErr(op, err)
}

func (p ProfileRepository) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	const op = "get_profile"
	if err := ctx.Err(); err != nil {
		return domain.Profile{}, storeErr(op, err)
	}
	var profile domain.Profile
	err := p.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, profileKey(userID), &profile)
	})
	if err != nil {
		return domain.Profile{}, storeErr(op, err)
	}
	return profile, nil
}

func unixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
