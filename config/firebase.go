package config

import (
	"context"

	firebase "firebase.google.com/go/v4"
)

// SetupFirebase initializes the Firebase app from the default credentials.
// projectID may be empty, in which case it is taken from the credentials.
func SetupFirebase(ctx context.Context, projectID string) (*firebase.App, error) {
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	return firebase.NewApp(ctx, conf)
}
