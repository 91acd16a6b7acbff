package approval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/pushgate/internal/correlator"
)

// Messages is the user-facing text sent on the messaging channel.
type Messages struct {
	Start             string // formatted with the endpoint id
	RegisterWithAdmin string
	AuthRequest       string
	Expired           string
	ActionApprove     string
	ActionReject      string
}

// DefaultMessages returns the English catalogue.
func DefaultMessages() Messages {
	return Messages{
		Start:             "Hello! Your telegram_id: %d.",
		RegisterWithAdmin: "To register, contact the admin and provide your telegram_id.",
		AuthRequest:       "Authorization request. If you did not attempt to log in, reject the request and contact the administrator.",
		Expired:           "A login attempt was made but was rejected due to a timeout. If you have not attempted to log in, reject the request and contact your administrator.",
		ActionApprove:     "Approve",
		ActionReject:      "Reject",
	}
}

const (
	verbApprove = "approve"
	verbReject  = "reject"
)

// ErrMalformedToken is returned for action tokens that are not verb:identity.
var ErrMalformedToken = errors.New("approval: malformed action token")

// ApproveToken and RejectToken build the action tokens carried by a prompt.
func ApproveToken(identity string) string { return verbApprove + ":" + identity }
func RejectToken(identity string) string  { return verbReject + ":" + identity }

// ParseToken splits an action token into its verdict and normalized identity.
func ParseToken(token string) (approved bool, identity string, err error) {
	verb, rest, ok := strings.Cut(token, ":")
	identity = correlator.Normalize(rest)
	if !ok || identity == "" {
		return false, "", fmt.Errorf("%w: %q", ErrMalformedToken, token)
	}
	switch verb {
	case verbApprove:
		return true, identity, nil
	case verbReject:
		return false, identity, nil
	default:
		return false, "", fmt.Errorf("%w: unknown verb %q", ErrMalformedToken, verb)
	}
}
