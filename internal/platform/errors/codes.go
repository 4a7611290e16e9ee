package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeValidationEmptyEntityID      Code = "VALIDATION_EMPTY_ENTITY_ID"
	CodeValidationEmptyCorrelationID Code = "VALIDATION_EMPTY_CORRELATION_ID"
	CodeValidationAmountNotPositive  Code = "VALIDATION_AMOUNT_NOT_POSITIVE"
	CodeValidationInvalidCurrency    Code = "VALIDATION_INVALID_CURRENCY"

	// Money errors
	CodeMoneyCurrencyMismatch Code = "MONEY_CURRENCY_MISMATCH"

	// Payment errors
	CodePaymentNotFound             Code = "PAYMENT_NOT_FOUND"
	CodePaymentAlreadyExists        Code = "PAYMENT_ALREADY_EXISTS"
	CodePaymentWrongStatus          Code = "PAYMENT_WRONG_STATUS"
	CodePaymentAuthorizationExpired Code = "PAYMENT_AUTHORIZATION_EXPIRED"
	CodePaymentRefundExceedsCeiling Code = "PAYMENT_REFUND_EXCEEDS_CEILING"

	// Fulfillment errors
	CodeReservationNotFound    Code = "RESERVATION_NOT_FOUND"
	CodeReservationWrongStatus Code = "RESERVATION_WRONG_STATUS"
	CodeShipmentNotFound       Code = "SHIPMENT_NOT_FOUND"

	// Saga errors
	CodeSagaNotFound Code = "SAGA_NOT_FOUND"

	// Storage errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeVersionConflict Code = "VERSION_CONFLICT"
)
