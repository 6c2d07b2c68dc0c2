package debatedragon

import (
	"context"
	"errors"
	"gorm.io/gorm"
)

const columnSubscriberUserID = "user_id"

// Subscriber is a user who opted in (via /subscribe) to be mentioned in
// rambling notifications.
type Subscriber struct {
	ModelUintID
	ModelUnixTime
	UserID   string `json:"user_id" gorm:"uniqueIndex;not null"`
	GuildID  string `json:"guild_id" gorm:"type:string"`
	Username string `json:"username" gorm:"type:string"`
}

// subscriberStore manages [Subscriber] records
type subscriberStore struct {
	writeDB DBI
}

func newSubscriberStore(writeDB DBI) *subscriberStore {
	return &subscriberStore{writeDB: writeDB}
}

// Add creates a subscription for the given user. The returned bool is
// false if the user was already subscribed.
func (s *subscriberStore) Add(ctx context.Context, sub *Subscriber) (bool, error) {
	created := false
	err := s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			var existing Subscriber
			err := tx.Where(columnSubscriberUserID+" = ?", sub.UserID).Take(&existing).Error
			switch {
			case err == nil:
				return nil
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
			if err = tx.Create(sub).Error; err != nil {
				return err
			}
			created = true
			return nil
		},
	)
	if err != nil {
		return false, wrapErr(ErrPersistenceFailure, err)
	}
	return created, nil
}

// Remove deletes the user's subscription. The returned bool is false if
// the user wasn't subscribed.
func (s *subscriberStore) Remove(ctx context.Context, userID string) (bool, error) {
	rows, err := s.writeDB.Delete(ctx, &Subscriber{}, columnSubscriberUserID+" = ?", userID)
	if err != nil {
		return false, wrapErr(ErrPersistenceFailure, err)
	}
	return rows > 0, nil
}

// List returns all subscribers, oldest first
func (s *subscriberStore) List(ctx context.Context) ([]Subscriber, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	subs := []Subscriber{}
	if err := s.writeDB.DB().WithContext(ctx).Order("id").Find(&subs).Error; err != nil {
		return nil, wrapErr(ErrPersistenceFailure, err)
	}
	return subs, nil
}

// UserIDs returns the user IDs of all subscribers
func (s *subscriberStore) UserIDs(ctx context.Context) ([]string, error) {
	subs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.UserID)
	}
	return ids, nil
}
