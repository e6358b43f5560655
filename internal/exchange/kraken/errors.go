package kraken

import (
	"errors"
	"strings"

	"venue-connector/internal/core"
)

// APIError carries the error strings of a response envelope, e.g. "EOrder:Insufficient funds".
type APIError struct {
	Messages []string
}

func (e APIError) Error() string {
	return "kraken api error: " + strings.Join(e.Messages, "; ")
}

type errorRule struct {
	prefix string
	kind   error
}

// Matched against the lower-cased message; the first matching rule per message wins.
var errorRules = []errorRule{
	{"eservice:", core.ErrTransient},
	{"eapi:invalid nonce", core.ErrTransient},
	{"egeneral:temporary lockout", core.ErrTransient},
	{"eorder:insufficient funds", core.ErrInsufficientBalance},
	{"eorder:unknown order", core.ErrOrderNotFound},
	{"eorder:", core.ErrOrderRejected},
	{"egeneral:invalid arguments", core.ErrOrderRejected},
}

func wrapAPIError(messages []string) error {
	apiErr := APIError{Messages: messages}
	kinds := apiErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	return errors.Join(append([]error{apiErr}, kinds...)...)
}

func apiErrorKinds(apiErr APIError) []error {
	var kinds []error
	seen := make(map[error]bool)
	for _, msg := range apiErr.Messages {
		normalized := strings.ToLower(strings.TrimSpace(msg))
		for _, rule := range errorRules {
			if !strings.HasPrefix(normalized, rule.prefix) {
				continue
			}
			if !seen[rule.kind] {
				seen[rule.kind] = true
				kinds = append(kinds, rule.kind)
			}
			if rule.kind == core.ErrInsufficientBalance && !seen[core.ErrOrderRejected] {
				seen[core.ErrOrderRejected] = true
				kinds = append(kinds, core.ErrOrderRejected)
			}
			break
		}
	}
	return kinds
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
