package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/churn/changelog"
)

// Error codes grouped by how the fetcher should treat them
var (
	throttlingCodes = map[string]bool{
		"Throttling":                             true,
		"ThrottlingException":                    true,
		"ThrottledException":                     true,
		"TooManyRequestsException":               true,
		"RequestLimitExceeded":                   true,
		"RequestThrottledException":              true,
		"ProvisionedThroughputExceededException": true,
	}
	authCodes = map[string]bool{
		"AccessDenied":                true,
		"AccessDeniedException":       true,
		"AuthFailure":                 true,
		"ExpiredToken":                true,
		"ExpiredTokenException":       true,
		"InvalidClientTokenId":        true,
		"UnrecognizedClientException": true,
		"SignatureDoesNotMatch":       true,
	}
	rejectedCodes = map[string]bool{
		"InvalidTimeRangeException":        true,
		"InvalidLookupAttributesException": true,
		"InvalidMaxResultsException":       true,
		"InvalidNextTokenException":        true,
		"InvalidEventCategoryException":    true,
		"OperationNotPermittedException":   true,
		"UnsupportedOperationException":    true,
		"ValidationException":              true,
	}
	notFoundCodes = map[string]bool{
		"OptInRequired":      true,
		"InvalidRegion":      true,
		"UnrecognizedRegion": true,
	}
)

// classifyError wraps an SDK error with the matching changelog sentinel
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", changelog.ErrTransient, err)
	}

	code := apiErr.ErrorCode()
	switch {
	case throttlingCodes[code]:
		return fmt.Errorf("%w: %w", changelog.ErrThrottled, err)
	case authCodes[code]:
		return fmt.Errorf("%w: %w", changelog.ErrAuthentication, err)
	case rejectedCodes[code]:
		return fmt.Errorf("%w: %w", changelog.ErrRejected, err)
	case notFoundCodes[code]:
		return fmt.Errorf("%w: %w", changelog.ErrScopeNotFound, err)
	case apiErr.ErrorFault() == smithy.FaultClient:
		return fmt.Errorf("%w: %w", changelog.ErrRejected, err)
	default:
		return fmt.Errorf("%w: %w", changelog.ErrTransient, err)
	}
}
