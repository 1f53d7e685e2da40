package slack

import (
	"errors"
	"fmt"
	"net/http"

	slackapi "github.com/slack-go/slack"
)

// Request signing headers.
const (
	HeaderSignature = "X-Slack-Signature"
	HeaderTimestamp = "X-Slack-Request-Timestamp"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// VerifyRequest checks a request's v0 signature over body. slack-go also
// rejects timestamps more than five minutes from now.
func VerifyRequest(secret string, header http.Header, body []byte) error {
	if header.Get(HeaderSignature) == "" || header.Get(HeaderTimestamp) == "" {
		return ErrMissingSignature
	}
	sv, err := slackapi.NewSecretsVerifier(header, secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := sv.Ensure(); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
