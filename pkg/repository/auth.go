package repository

import (
	"context"
	"fmt"

	"directChat/pkg/api"
	"firebase.google.com/go/v4/auth"
)

type firebaseAuth struct {
	client *auth.Client
}

// NewFirebaseAuth adapts the Firebase Admin auth client.
func NewFirebaseAuth(client *auth.Client) api.AuthProvider {
	return &firebaseAuth{client: client}
}

func (f *firebaseAuth) VerifyIDToken(ctx context.Context, idToken string) (api.Identity, error) {
	if idToken == "" {
		return api.Identity{}, api.ErrUnauthenticated
	}
	token, err := f.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return api.Identity{}, fmt.Errorf("%w: %v", api.ErrUnauthenticated, err)
	}

	return api.Identity{
		UID:         token.UID,
		Email:       claim(token.Claims, "email"),
		DisplayName: claim(token.Claims, "name"),
		PhotoURL:    claim(token.Claims, "picture"),
	}, nil
}

func (f *firebaseAuth) CreateUserWithPassword(ctx context.Context, email string, password string) (api.Identity, error) {
	params := (&auth.UserToCreate{}).
		Email(email).
		Password(password)
	user, err := f.client.CreateUser(ctx, params)
	if err != nil {
		return api.Identity{}, err
	}

	return api.Identity{
		UID:         user.UID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		PhotoURL:    user.PhotoURL,
	}, nil
}

func (f *firebaseAuth) CustomToken(ctx context.Context, uid string) (string, error) {
	return f.client.CustomToken(ctx, uid)
}

func claim(claims map[string]interface{}, key string) string {
	value, _ := claims[key].(string)
	return value
}
