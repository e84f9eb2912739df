package exception

import "errors"

var (
	ErrWebhookBadSignature    = errors.New("webhook: signature mismatch")
	ErrWebhookMalformed       = errors.New("webhook: malformed payload")
	ErrWebhookUnknownType     = errors.New("webhook: unknown event type")
	ErrWebhookMissingField    = errors.New("webhook: missing required field")
	ErrWebhookDuplicateExec   = errors.New("webhook: execution already applied")
	ErrWebhookStaleEvent      = errors.New("webhook: event older than applied sequence")
	ErrWebhookOrphanOrder     = errors.New("webhook: no local order for broker order id")
)
