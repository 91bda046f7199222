package api

import (
	"context"
	"encoding/json"
	"errors"

	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/rs/zerolog/log"
)

type UserService interface {
	// Provision makes sure a signed in identity has a user document.
	Provision(ctx context.Context, identity Identity) (Participant, error)
	SearchContacts(ctx context.Context, query string) ([]Participant, error)
	GetContacts(ctx context.Context, userIds []string) ([]Participant, error)
	PatchProfile(ctx context.Context, uid string, patchJSON []byte) (Participant, error)
}

type userService struct {
	storage   UserRepository
	directory DirectoryRepository
	retry     RetryPolicy
}

// NewUserService builds the user service. directory may be nil, in which
// case search is unavailable.
func NewUserService(storage UserRepository, directory DirectoryRepository, retry RetryPolicy) UserService {
	return &userService{storage: storage, directory: directory, retry: retry}
}

func (u userService) Provision(ctx context.Context, identity Identity) (Participant, error) {
	if identity.UID == "" {
		return Participant{}, ErrUnauthenticated
	}

	participant, err := u.storage.GetParticipant(ctx, identity.UID)
	if err == nil {
		return participant, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Participant{}, err
	}

	participant = identity.Participant()
	if participant.DisplayName == "" {
		participant.DisplayName = anonymousName
	}
	err = Retry(ctx, u.retry, "provision", func(ctx context.Context) error {
		return u.storage.SaveParticipant(ctx, participant)
	})
	if err != nil {
		return Participant{}, err
	}
	log.Info().Str("uid", participant.UID).Msg("Created user document")

	u.index(ctx, participant)
	return participant, nil
}

func (u userService) SearchContacts(ctx context.Context, query string) ([]Participant, error) {
	if query == "" {
		return nil, errors.New("query is empty")
	}
	if u.directory == nil {
		return nil, errors.New("user directory is not configured")
	}

	return u.directory.GetUsersContaining(ctx, query)
}

func (u userService) GetContacts(ctx context.Context, userIds []string) ([]Participant, error) {
	if len(userIds) == 0 {
		return nil, errors.New("userId array is empty")
	}
	if u.directory == nil {
		return nil, errors.New("user directory is not configured")
	}

	return u.directory.GetUserByIds(ctx, userIds)
}

// PatchProfile applies an RFC 6902 patch to the participant's profile. The
// uid cannot be changed.
func (u userService) PatchProfile(ctx context.Context, uid string, patchJSON []byte) (Participant, error) {
	patch, err := jsonPatch.DecodePatch(patchJSON)
	if err != nil {
		return Participant{}, err
	}

	participant, err := u.storage.GetParticipant(ctx, uid)
	if err != nil {
		return Participant{}, err
	}

	participantBinary, err := json.Marshal(participant)
	if err != nil {
		return Participant{}, err
	}

	participantBinary, err = patch.Apply(participantBinary)
	if err != nil {
		return Participant{}, err
	}

	var patched Participant
	if err := json.Unmarshal(participantBinary, &patched); err != nil {
		return Participant{}, err
	}
	patched.UID = uid
	// The last message is owned by the conversation summary.
	patched.LastMessage = participant.LastMessage

	err = Retry(ctx, u.retry, "profile", func(ctx context.Context) error {
		return u.storage.SaveParticipant(ctx, patched)
	})
	if err != nil {
		return Participant{}, err
	}

	u.index(ctx, patched)
	return patched, nil
}

func (u userService) index(ctx context.Context, participant Participant) {
	if u.directory == nil {
		return
	}
	if err := u.directory.UpsertUser(ctx, participant); err != nil {
		log.Warn().Err(err).Str("uid", participant.UID).Msg("Unable to index user in directory")
	}
}
